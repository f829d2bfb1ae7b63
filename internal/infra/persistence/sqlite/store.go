// Package sqlite persists the in-memory store state to an embedded SQLite
// file as JSON snapshots, one bucket per row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"diagcore/internal/infra/persistence/memory"
	"diagcore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Store wraps the in-memory store and snapshots its full state to SQLite
// after every successful mutation. A snapshot failure rolls the in-memory
// state back so no unpersisted mutation stays visible.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "diagcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

var buckets = []string{"versions", "cases", "reviews", "batches", "metrics"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{}
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := decodeBucket(&snapshot, bucket, payload); err != nil {
			return err
		}
		loaded = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func decodeBucket(snapshot *memory.Snapshot, bucket string, payload []byte) error {
	var err error
	switch bucket {
	case "versions":
		err = json.Unmarshal(payload, &snapshot.Versions)
	case "cases":
		err = json.Unmarshal(payload, &snapshot.Cases)
	case "reviews":
		err = json.Unmarshal(payload, &snapshot.Reviews)
	case "batches":
		err = json.Unmarshal(payload, &snapshot.Batches)
	case "metrics":
		err = json.Unmarshal(payload, &snapshot.Metrics)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", bucket, err)
	}
	return nil
}

func encodeBucket(snapshot memory.Snapshot, bucket string) ([]byte, error) {
	switch bucket {
	case "versions":
		return json.Marshal(snapshot.Versions)
	case "cases":
		return json.Marshal(snapshot.Cases)
	case "reviews":
		return json.Marshal(snapshot.Reviews)
	case "batches":
		return json.Marshal(snapshot.Batches)
	case "metrics":
		return json.Marshal(snapshot.Metrics)
	}
	return nil, fmt.Errorf("unknown bucket %s", bucket)
}

func (s *Store) persist() (retErr error) {
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		data, err := encodeBucket(snapshot, bucket)
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	return tx.Commit()
}

// mutate runs the in-memory mutation and snapshots state to SQLite; a failed
// snapshot restores the prior in-memory state. The mutex covers the whole
// export, mutate, persist sequence so a rollback can never restore a state
// that predates another writer's acknowledged mutation.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.ExportState()
	if err := fn(); err != nil {
		return err
	}
	if err := s.persist(); err != nil {
		s.ImportState(before)
		return err
	}
	return nil
}

// SaveVersion persists a parameter version durably.
func (s *Store) SaveVersion(ctx context.Context, version domain.ParameterVersion) (string, error) {
	var id string
	err := s.mutate(func() (err error) {
		id, err = s.Store.SaveVersion(ctx, version)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateCase persists a new case durably.
func (s *Store) CreateCase(ctx context.Context, c domain.ValidationCase) error {
	return s.mutate(func() error { return s.Store.CreateCase(ctx, c) })
}

// UpdateCase applies the mutator and persists the result durably.
func (s *Store) UpdateCase(ctx context.Context, id string, mutator func(*domain.ValidationCase) error) (domain.ValidationCase, error) {
	var updated domain.ValidationCase
	err := s.mutate(func() (err error) {
		updated, err = s.Store.UpdateCase(ctx, id, mutator)
		return err
	})
	if err != nil {
		return domain.ValidationCase{}, err
	}
	return updated, nil
}

// CreateReview persists a new review durably.
func (s *Store) CreateReview(ctx context.Context, r domain.ExpertReview) error {
	return s.mutate(func() error { return s.Store.CreateReview(ctx, r) })
}

// CreateBatch persists a new batch durably.
func (s *Store) CreateBatch(ctx context.Context, b domain.ValidationBatch) error {
	return s.mutate(func() error { return s.Store.CreateBatch(ctx, b) })
}

// UpdateBatch applies the mutator and persists the result durably.
func (s *Store) UpdateBatch(ctx context.Context, id string, mutator func(*domain.ValidationBatch) error) (domain.ValidationBatch, error) {
	var updated domain.ValidationBatch
	err := s.mutate(func() (err error) {
		updated, err = s.Store.UpdateBatch(ctx, id, mutator)
		return err
	})
	if err != nil {
		return domain.ValidationBatch{}, err
	}
	return updated, nil
}

// InsertMetric appends a metric row durably.
func (s *Store) InsertMetric(ctx context.Context, m domain.PerformanceMetric) error {
	return s.mutate(func() error { return s.Store.InsertMetric(ctx, m) })
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
