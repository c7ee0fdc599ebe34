package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	logx "warden/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Upserts per table. worker_states and tasks also project a few JSON fields
// into columns so operators can query them with plain SQL.
var sqliteUpsert = map[Table]string{
	TableRecords: `INSERT INTO records(id, value, updated_at) VALUES(?1, ?2, ?3)
		ON CONFLICT(id) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
	TableWorkerStates: `INSERT INTO worker_states(id, status, last_processed_id, value, updated_at)
		VALUES(?1, json_extract(?2, '$.status'), json_extract(?2, '$.last_processed_data_id'), ?2, ?3)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, last_processed_id=excluded.last_processed_id,
			value=excluded.value, updated_at=excluded.updated_at`,
	TableTasks: `INSERT INTO tasks(id, status, value, updated_at)
		VALUES(?1, json_extract(?2, '$.status'), ?2, ?3)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, value=excluded.value, updated_at=excluded.updated_at`,
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, namespace string, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Dir, namespace+".db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate %s: %w", path, err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	if err := checkKey(table, key); err != nil {
		return err
	}
	var arg any = value
	if table != TableRecords {
		// json_extract treats BLOB arguments as JSONB; bind JSON documents as TEXT.
		arg = string(value)
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsert[table], key, arg, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) Get(ctx context.Context, table Table, key string) ([]byte, bool, error) {
	if err := checkKey(table, key); err != nil {
		return nil, false, err
	}
	var v []byte
	// Table names come from the validated Table set, never from callers.
	err := s.db.QueryRowContext(ctx, `SELECT value FROM `+string(table)+` WHERE id = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, table Table, key string) error {
	if err := checkKey(table, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE id = ?`, key)
	return err
}

func (s *sqliteStore) ListKeys(ctx context.Context, table Table) ([]string, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM `+string(table)+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *sqliteStore) Clear(ctx context.Context, table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+string(table))
	return err
}
