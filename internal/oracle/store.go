package oracle

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// MemoryRunStore keeps runs in memory for development and tests.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

func (m *MemoryRunStore) Open(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryRunStore) Close(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryRunStore) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRunStore) List(_ context.Context, runType RunType, limit int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Run
	for _, r := range m.runs {
		if runType != "" && r.Type != runType {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// PostgresRunStore persists runs in PostgreSQL.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a PostgreSQL-backed run store.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

const runColumns = `id, run_type, started_at, completed_at, processed_count, success_count, failure_count, result_detail`

func (p *PostgresRunStore) Open(ctx context.Context, run *Run) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO oracle_runs (`+runColumns+`)
		VALUES ($1, $2, $3, NULL, 0, 0, 0, NULL)`,
		run.ID, string(run.Type), run.StartedAt,
	)
	return err
}

func (p *PostgresRunStore) Close(ctx context.Context, run *Run) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE oracle_runs SET
			completed_at = $1, processed_count = $2, success_count = $3,
			failure_count = $4, result_detail = $5
		WHERE id = $6`,
		nullTime(run.CompletedAt), run.ProcessedCount, run.SuccessCount,
		run.FailureCount, nullString(run.ResultDetail), run.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (p *PostgresRunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM oracle_runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return r, err
}

func (p *PostgresRunStore) List(ctx context.Context, runType RunType, limit int) ([]*Run, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM oracle_runs
		WHERE ($1::text = '' OR run_type = $1::text)
		ORDER BY started_at DESC
		LIMIT $2`, string(runType), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	r := &Run{}
	var (
		runType   string
		completed sql.NullTime
		detail    sql.NullString
	)
	if err := s.Scan(&r.ID, &runType, &r.StartedAt, &completed,
		&r.ProcessedCount, &r.SuccessCount, &r.FailureCount, &detail); err != nil {
		return nil, err
	}
	r.Type = RunType(runType)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	r.ResultDetail = detail.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ RunStore = (*MemoryRunStore)(nil)
	_ RunStore = (*PostgresRunStore)(nil)
)
