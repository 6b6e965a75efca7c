package reputation

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore keeps feedback in memory for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []*Feedback
	keys map[string]*Feedback
}

// NewMemoryStore creates an in-memory feedback store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Feedback)}
}

func feedbackKey(txID, agentID string) string { return txID + "|" + agentID }

func (m *MemoryStore) Record(_ context.Context, fb *Feedback) (*Feedback, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := feedbackKey(fb.TransactionID, fb.AgentID)
	if existing, ok := m.keys[k]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *fb
	m.keys[k] = &cp
	m.rows = append(m.rows, &cp)
	out := cp
	return &out, true, nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Feedback
	for _, fb := range m.rows {
		if fb.AgentID == agentID {
			cp := *fb
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Feedback
	for _, fb := range m.rows {
		if fb.TransactionID == transactionID {
			cp := *fb
			result = append(result, &cp)
		}
	}
	return result, nil
}

// PostgresStore persists feedback in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed feedback store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const feedbackColumns = `id, agent_id, transaction_id, rating, outcome, outcome_context, created_at`

// Record relies on the (transaction_id, agent_id) unique index.
func (p *PostgresStore) Record(ctx context.Context, fb *Feedback) (*Feedback, bool, error) {
	oc, err := json.Marshal(fb.Context)
	if err != nil {
		return nil, false, err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO reputation_feedback (`+feedbackColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id, agent_id) DO NOTHING`,
		fb.ID, fb.AgentID, fb.TransactionID, fb.Rating, string(fb.Outcome), oc, fb.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		cp := *fb
		return &cp, true, nil
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT `+feedbackColumns+` FROM reputation_feedback
		WHERE transaction_id = $1 AND agent_id = $2`, fb.TransactionID, fb.AgentID)
	existing, err := scanFeedback(row)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	return existing, false, err
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+feedbackColumns+` FROM reputation_feedback
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFeedbackRows(rows)
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Feedback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+feedbackColumns+` FROM reputation_feedback
		WHERE transaction_id = $1
		ORDER BY created_at ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanFeedbackRows(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFeedback(s scanner) (*Feedback, error) {
	fb := &Feedback{}
	var (
		outcome string
		oc      []byte
	)
	if err := s.Scan(&fb.ID, &fb.AgentID, &fb.TransactionID, &fb.Rating, &outcome, &oc, &fb.CreatedAt); err != nil {
		return nil, err
	}
	fb.Outcome = Outcome(outcome)
	if len(oc) > 0 {
		_ = json.Unmarshal(oc, &fb.Context)
	}
	return fb, nil
}

func scanFeedbackRows(rows *sql.Rows) ([]*Feedback, error) {
	var result []*Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, fb)
	}
	return result, rows.Err()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
