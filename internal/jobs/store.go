package jobs

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryLockStore keeps locks in memory for development and tests.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewMemoryLockStore creates an in-memory lock store.
func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]*Lock)}
}

func (m *MemoryLockStore) Acquire(_ context.Context, name, owner string, now time.Time, staleAfter time.Duration) (Acquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[name]
	if !ok {
		l = &Lock{Name: name}
		m.locks[name] = l
	}
	if l.Held(now, staleAfter) {
		return Acquisition{}, nil
	}
	reclaimed := l.ProcessingStartedAt != nil
	started := now
	l.Owner = owner
	l.ProcessingStartedAt = &started
	return Acquisition{Acquired: true, Reclaimed: reclaimed}, nil
}

func (m *MemoryLockStore) Release(_ context.Context, name, owner string, now time.Time, runErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[name]
	if !ok || l.Owner != owner {
		return nil
	}
	last := now
	l.Owner = ""
	l.ProcessingStartedAt = nil
	l.LastRunAt = &last
	l.LastError = runErr
	l.RunCount++
	return nil
}

func (m *MemoryLockStore) List(_ context.Context) ([]*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Lock, 0, len(m.locks))
	for _, l := range m.locks {
		cp := *l
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// PostgresLockStore keeps locks in the job_locks table. Pickup runs in a
// transaction holding the row with FOR UPDATE SKIP LOCKED, so two
// instances racing for the same job never both see it free.
type PostgresLockStore struct {
	db *sql.DB
}

// NewPostgresLockStore creates a PostgreSQL-backed lock store.
func NewPostgresLockStore(db *sql.DB) *PostgresLockStore {
	return &PostgresLockStore{db: db}
}

func (p *PostgresLockStore) Acquire(ctx context.Context, name, owner string, now time.Time, staleAfter time.Duration) (Acquisition, error) {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO job_locks (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return Acquisition{}, err
	}

	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Acquisition{}, err
	}
	defer func() { _ = dbTx.Rollback() }()

	var started sql.NullTime
	err = dbTx.QueryRowContext(ctx, `
		SELECT processing_started_at FROM job_locks
		WHERE name = $1
		FOR UPDATE SKIP LOCKED`, name).Scan(&started)
	if err == sql.ErrNoRows {
		// Another instance is mid-pickup.
		return Acquisition{}, nil
	}
	if err != nil {
		return Acquisition{}, err
	}
	if started.Valid && now.Sub(started.Time) < staleAfter {
		return Acquisition{}, nil
	}

	if _, err := dbTx.ExecContext(ctx, `
		UPDATE job_locks SET owner = $1, processing_started_at = $2
		WHERE name = $3`, owner, now, name); err != nil {
		return Acquisition{}, err
	}
	if err := dbTx.Commit(); err != nil {
		return Acquisition{}, err
	}
	return Acquisition{Acquired: true, Reclaimed: started.Valid}, nil
}

func (p *PostgresLockStore) Release(ctx context.Context, name, owner string, now time.Time, runErr string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE job_locks SET
			owner = NULL, processing_started_at = NULL,
			last_run_at = $1, last_error = $2, run_count = run_count + 1
		WHERE name = $3 AND owner = $4`,
		now, sql.NullString{String: runErr, Valid: runErr != ""}, name, owner)
	return err
}

func (p *PostgresLockStore) List(ctx context.Context) ([]*Lock, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, owner, processing_started_at, last_run_at, last_error, run_count
		FROM job_locks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Lock
	for rows.Next() {
		var (
			l                Lock
			owner, lastErr   sql.NullString
			started, lastRun sql.NullTime
		)
		if err := rows.Scan(&l.Name, &owner, &started, &lastRun, &lastErr, &l.RunCount); err != nil {
			return nil, err
		}
		l.Owner = owner.String
		l.LastError = lastErr.String
		if started.Valid {
			t := started.Time
			l.ProcessingStartedAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			l.LastRunAt = &t
		}
		result = append(result, &l)
	}
	return result, rows.Err()
}

var (
	_ LockStore = (*MemoryLockStore)(nil)
	_ LockStore = (*PostgresLockStore)(nil)
)
