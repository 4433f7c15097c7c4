// Package ledger implements the Receipt/Ledger Store (spec.md C9): a
// content-addressed blob store for proof envelopes, transform receipts,
// and hop receipts, with append-only conflict semantics (a write to an
// existing CID with different bytes is rejected) and a pluggable
// backend (filesystem, in-memory, Postgres, SQLite, S3, GCS), optionally
// wrapped with a fallback decorator.
//
// Grounded on the teacher's pkg/store/receipt_store.go (ReceiptStore
// interface shape, Postgres-backed Store/Get), pkg/store/ledger/file_ledger.go
// (mutex-guarded JSON file with an injectable clock), and
// pkg/artifacts/s3_store.go (content-hash-keyed object storage,
// idempotent PutObject via a HeadObject existence check).
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a CID is absent from the store.
var ErrNotFound = errors.New("ledger: not found")

// ErrConflictingWrite is returned when Put is called with a CID that
// already holds different bytes, the append-only invariant spec.md
// requires for receipt storage.
var ErrConflictingWrite = errors.New("ledger: conflicting write for existing cid")

// Storage is the backend contract every receipt store implements.
type Storage interface {
	PutBytes(ctx context.Context, cid string, data []byte) error
	GetBytes(ctx context.Context, cid string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Delete(ctx context.Context, cid string) error
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-process Storage, useful for tests and the default
// single-instance deployment.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) PutBytes(ctx context.Context, cid string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.data[cid]; ok {
		if checksum(existing) != checksum(data) {
			return ErrConflictingWrite
		}
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[cid] = cp
	return nil
}

func (s *MemoryStore) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if prefix == "" || len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, cid)
	return nil
}

// FileStore persists each receipt as one file under dir, keyed by CID,
// guarded by a single mutex the way the teacher's FileLedger guards its
// JSON blob — receipt volume here is low enough that per-file locking
// isn't warranted.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(cid string) string {
	return filepath.Join(s.dir, cid+".bin")
}

func (s *FileStore) PutBytes(ctx context.Context, cid string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pathFor(cid)
	if existing, err := os.ReadFile(p); err == nil {
		if checksum(existing) != checksum(data) {
			return ErrConflictingWrite
		}
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

func (s *FileStore) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(cid))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *FileStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		cid := name[:len(name)-len(filepath.Ext(name))]
		if prefix == "" || (len(cid) >= len(prefix) && cid[:len(prefix)] == prefix) {
			out = append(out, cid)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, cid string) error {
	err := os.Remove(s.pathFor(cid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SQLStore backs Storage with any database/sql driver sharing the
// {cid TEXT PRIMARY KEY, data BLOB} schema: Postgres via github.com/lib/pq
// or SQLite via modernc.org/sqlite, selected by the caller's *sql.DB.
type SQLStore struct {
	db    *sql.DB
	table string
}

// NewSQLStore wraps db, assuming a table (default "receipts") of shape
// (cid TEXT PRIMARY KEY, data BYTEA/BLOB) already exists.
func NewSQLStore(db *sql.DB, table string) *SQLStore {
	if table == "" {
		table = "receipts"
	}
	return &SQLStore{db: db, table: table}
}

func (s *SQLStore) PutBytes(ctx context.Context, cid string, data []byte) error {
	var existing []byte
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE cid = $1", s.table), cid)
	err := row.Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (cid, data) VALUES ($1, $2)", s.table), cid, data)
		return err
	case err != nil:
		return err
	default:
		if checksum(existing) != checksum(data) {
			return ErrConflictingWrite
		}
		return nil
	}
}

func (s *SQLStore) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM %s WHERE cid = $1", s.table), cid)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	query := fmt.Sprintf("SELECT cid FROM %s WHERE cid LIKE $1 ORDER BY cid LIMIT $2", s.table)
	rows, err := s.db.QueryContext(ctx, query, prefix+"%", nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		out = append(out, cid)
	}
	return out, rows.Err()
}

func nullableLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func (s *SQLStore) Delete(ctx context.Context, cid string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE cid = $1", s.table), cid)
	return err
}

// ObjectPutter is the subset of an S3/GCS client a Storage adapter needs;
// internal/ledger/s3store.go and gcsstore.go implement Storage directly
// against aws-sdk-go-v2/service/s3 and cloud.google.com/go/storage rather
// than through this interface, kept here only to document the shape the
// teacher's S3Store.Store/Get/Exists/Delete quartet generalizes to.
type ObjectPutter interface {
	PutBytes(ctx context.Context, cid string, data []byte) error
}

// FallbackStore tries Primary first. PutBytes falls back to Secondary on
// any Primary error except ErrConflictingWrite; GetBytes falls back to
// Secondary on any Primary error, ErrNotFound included — generalizing
// the teacher's layered artifact resolution to an explicit decorator.
type FallbackStore struct {
	Primary   Storage
	Secondary Storage
}

func (f *FallbackStore) PutBytes(ctx context.Context, cid string, data []byte) error {
	err := f.Primary.PutBytes(ctx, cid, data)
	if err == nil || errors.Is(err, ErrConflictingWrite) {
		return err
	}
	return f.Secondary.PutBytes(ctx, cid, data)
}

func (f *FallbackStore) GetBytes(ctx context.Context, cid string) ([]byte, error) {
	b, err := f.Primary.GetBytes(ctx, cid)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, ErrNotFound) {
		return f.Secondary.GetBytes(ctx, cid)
	}
	return f.Secondary.GetBytes(ctx, cid)
}

func (f *FallbackStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	return f.Primary.List(ctx, prefix, limit)
}

func (f *FallbackStore) Delete(ctx context.Context, cid string) error {
	_ = f.Secondary.Delete(ctx, cid)
	return f.Primary.Delete(ctx, cid)
}
