package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	txs      map[string]*Transaction
	byEscrow map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		byEscrow: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return ErrDuplicate.WithDetail("%s", tx.ID)
	}
	if tx.EscrowID != "" {
		if _, ok := m.byEscrow[tx.EscrowID]; ok {
			return ErrDuplicate.WithDetail("escrow id %s", tx.EscrowID)
		}
		m.byEscrow[tx.EscrowID] = tx.ID
	}
	m.txs[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) GetByEscrowID(_ context.Context, escrowID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.txs[id].clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, tx *Transaction, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if cur.State != from {
		return ErrStaleState.WithDetail("%s is %s, expected %s", tx.ID, cur.State, from)
	}
	next := tx.clone()
	next.ID, next.EscrowID, next.CreatedAt = cur.ID, cur.EscrowID, cur.CreatedAt
	// The failure counter has its own atomic writers.
	next.ReleaseFailureCount = cur.ReleaseFailureCount
	m.txs[tx.ID] = next
	return nil
}

func (m *MemoryStore) ListAutoReleaseCandidates(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.State != StateDelivered || tx.DisputedAt != nil || tx.EscrowID == "" {
			continue
		}
		if !tx.ContractVersion.Valid() || tx.DeliveredAt == nil {
			continue
		}
		if tx.DisputeDeadline().After(now) {
			continue
		}
		result = append(result, tx.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DeliveredAt.Before(*result[j].DeliveredAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByStates(_ context.Context, states []State, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[State]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var result []*Transaction
	for _, tx := range m.txs {
		if want[tx.State] {
			result = append(result, tx.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.BuyerID == agentID || tx.SellerID == agentID {
			result = append(result, tx.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) IncrementReleaseFailure(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return 0, ErrTransactionNotFound
	}
	tx.ReleaseFailureCount++
	tx.UpdatedAt = time.Now().UTC()
	return tx.ReleaseFailureCount, nil
}

func (m *MemoryStore) ResetReleaseFailures(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.ReleaseFailureCount = 0
	return nil
}

var _ Store = (*MemoryStore)(nil)
