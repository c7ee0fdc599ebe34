package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed       = errors.New("storage closed")
	ErrUnknownTable = errors.New("unknown storage table")
	ErrEmptyKey     = errors.New("storage key is required")
)

// Table names a logical key/value table inside a namespace.
type Table string

const (
	TableRecords      Table = "records"
	TableWorkerStates Table = "worker_states"
	TableTasks        Table = "tasks"
)

// Tables lists every table a Store must support.
var Tables = []Table{TableRecords, TableWorkerStates, TableTasks}

func (t Table) Validate() error {
	for _, known := range Tables {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, string(t))
}

// Store is a namespaced key/value store. Writes are per-key last-write-wins;
// there are no cross-key transactions.
type Store interface {
	Put(ctx context.Context, table Table, key string, value []byte) error
	Get(ctx context.Context, table Table, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, table Table, key string) error
	// ListKeys returns keys in ascending order.
	ListKeys(ctx context.Context, table Table) ([]string, error)
	Clear(ctx context.Context, table Table) error
	Close() error
}

// Config configures storage.
//
// Driver values: "sqlite", "file", "redis", "memory". Empty means "memory".
type Config struct {
	Driver string
	// Dir holds one database (sqlite) or journal/snapshot pair (file) per namespace.
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisURL    string
	RedisPrefix string
}

func checkKey(table Table, key string) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
