package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	logx "warden/pkg/logx"
)

// compactEvery bounds journal growth between snapshots.
const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files per namespace:
//   - <dir>/<ns>.snapshot.json (periodic snapshot of all tables)
//   - <dir>/<ns>.journal.jsonl (append-only ops since the snapshot)
//
// The journal is replayed over the snapshot on open and compacted into it
// every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	tables       map[Table]map[string][]byte
	writes       int
}

type fileOp struct {
	Op    string          `json:"op"` // put, del, clear
	Table Table           `json:"t"`
	Key   string          `json:"k,omitempty"`
	Value json.RawMessage `json:"v,omitempty"`
	Raw   []byte          `json:"b,omitempty"`
}

// fileSnapshot keeps JSON values readable and falls back to base64 for
// anything that is not JSON.
type fileSnapshot map[Table]map[string]fileValue

type fileValue struct {
	JSON json.RawMessage `json:"j,omitempty"`
	Raw  []byte          `json:"b,omitempty"`
}

func encodeValue(v []byte) (json.RawMessage, []byte) {
	if len(v) > 0 && json.Valid(v) {
		return json.RawMessage(v), nil
	}
	return nil, v
}

func decodeValue(j json.RawMessage, raw []byte) []byte {
	if len(j) > 0 {
		return append([]byte(nil), j...)
	}
	return append([]byte{}, raw...)
}

func openFile(cfg Config, namespace string, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(cfg.Dir, namespace)
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	tables := make(map[Table]map[string][]byte, len(Tables))
	for _, t := range Tables {
		tables[t] = map[string][]byte{}
	}
	if err := loadSnapshot(snapPath, tables); err != nil && !os.IsNotExist(err) {
		log.Warn("snapshot unreadable; starting from journal only", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, tables); err != nil && !os.IsNotExist(err) {
		log.Warn("journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		tables:       tables,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(op fileOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Put(ctx context.Context, table Table, key string, value []byte) error {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, raw := encodeValue(value)
	if err := s.appendLocked(fileOp{Op: "put", Table: table, Key: key, Value: j, Raw: raw}); err != nil {
		return err
	}
	s.tables[table][key] = append([]byte(nil), value...)
	return nil
}

func (s *fileStore) Get(ctx context.Context, table Table, key string) ([]byte, bool, error) {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, false, ErrClosed
	}
	v, ok := s.tables[table][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *fileStore) Delete(ctx context.Context, table Table, key string) error {
	_ = ctx
	if err := checkKey(table, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table][key]; !ok {
		return nil
	}
	if err := s.appendLocked(fileOp{Op: "del", Table: table, Key: key}); err != nil {
		return err
	}
	delete(s.tables[table], key)
	return nil
}

func (s *fileStore) ListKeys(ctx context.Context, table Table) ([]string, error) {
	_ = ctx
	if err := table.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Clear(ctx context.Context, table Table) error {
	_ = ctx
	if err := table.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(fileOp{Op: "clear", Table: table}); err != nil {
		return err
	}
	s.tables[table] = map[string][]byte{}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := make(fileSnapshot, len(s.tables))
	for t, m := range s.tables {
		out := make(map[string]fileValue, len(m))
		for k, v := range m {
			j, raw := encodeValue(v)
			out[k] = fileValue{JSON: j, Raw: raw}
		}
		snap[t] = out
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[Table]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for t, m := range snap {
		if t.Validate() != nil {
			continue
		}
		for k, v := range m {
			out[t][k] = decodeValue(v.JSON, v.Raw)
		}
	}
	return nil
}

func replayJournal(path string, out map[Table]map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var op fileOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		if op.Table.Validate() != nil {
			continue
		}
		switch op.Op {
		case "put":
			if op.Key != "" {
				out[op.Table][op.Key] = decodeValue(op.Value, op.Raw)
			}
		case "del":
			delete(out[op.Table], op.Key)
		case "clear":
			out[op.Table] = map[string][]byte{}
		}
	}
	return sc.Err()
}
