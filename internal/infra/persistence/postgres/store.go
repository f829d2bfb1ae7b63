// Package postgres provides a Postgres-backed persistent store that mirrors
// the in-memory semantics while snapshotting state to a JSONB table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"diagcore/internal/infra/persistence/memory"
	"diagcore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/diagcore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation
// for reads and record semantics.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the snapshot table exists, and hydrates the
// in-memory store from any existing snapshot.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

var postgresBuckets = []string{"versions", "cases", "reviews", "batches", "metrics"}

func snapshotTargets(snapshot *memory.Snapshot) map[string]any {
	return map[string]any{
		"versions": &snapshot.Versions,
		"cases":    &snapshot.Cases,
		"reviews":  &snapshot.Reviews,
		"batches":  &snapshot.Batches,
		"metrics":  &snapshot.Metrics,
	}
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	targets := snapshotTargets(&snapshot)
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
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

func (s *Store) persist(ctx context.Context) error {
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
		data, err := encodeBucket(snapshot, bucket)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// mutate runs the in-memory mutation and snapshots state to Postgres; a
// failed snapshot restores the prior in-memory state. The mutex covers the
// whole export, mutate, persist sequence so a rollback can never restore a
// state that predates another writer's acknowledged mutation.
func (s *Store) mutate(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.ExportState()
	if err := fn(); err != nil {
		return err
	}
	if err := s.persist(ctx); err != nil {
		s.ImportState(before)
		return err
	}
	return nil
}

// SaveVersion persists a parameter version durably.
func (s *Store) SaveVersion(ctx context.Context, version domain.ParameterVersion) (string, error) {
	var id string
	err := s.mutate(ctx, func() (err error) {
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
	return s.mutate(ctx, func() error { return s.Store.CreateCase(ctx, c) })
}

// UpdateCase applies the mutator and persists the result durably.
func (s *Store) UpdateCase(ctx context.Context, id string, mutator func(*domain.ValidationCase) error) (domain.ValidationCase, error) {
	var updated domain.ValidationCase
	err := s.mutate(ctx, func() (err error) {
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
	return s.mutate(ctx, func() error { return s.Store.CreateReview(ctx, r) })
}

// CreateBatch persists a new batch durably.
func (s *Store) CreateBatch(ctx context.Context, b domain.ValidationBatch) error {
	return s.mutate(ctx, func() error { return s.Store.CreateBatch(ctx, b) })
}

// UpdateBatch applies the mutator and persists the result durably.
func (s *Store) UpdateBatch(ctx context.Context, id string, mutator func(*domain.ValidationBatch) error) (domain.ValidationBatch, error) {
	var updated domain.ValidationBatch
	err := s.mutate(ctx, func() (err error) {
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
	return s.mutate(ctx, func() error { return s.Store.InsertMetric(ctx, m) })
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
