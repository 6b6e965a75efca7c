package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/alancoin-escrow/internal/chain"
	"github.com/mbd888/alancoin-escrow/internal/signer"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, buyer_id, seller_id, state, escrow_id, amount_minor, currency,
			contract_version, funding_mode, signer_strategy, dispute_window_hours,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		tx.ID, tx.BuyerID, tx.SellerID, string(tx.State), nullString(tx.EscrowID),
		tx.AmountMinor, tx.Currency, int(tx.ContractVersion), string(tx.FundingMode),
		string(tx.SignerStrategy), tx.DisputeWindowHours, tx.CreatedAt, tx.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate.WithDetail("%s", tx.ID)
	}
	return err
}

const txColumns = `id, buyer_id, seller_id, state, escrow_id, amount_minor, currency,
		       contract_version, funding_mode, signer_strategy, dispute_window_hours,
		       chain_deadline, dispute_reason, dispute_resolution, resolved_by,
		       fund_tx_hash, deliver_tx_hash, dispute_tx_hash, release_tx_hash, refund_tx_hash,
		       deliverable_hash, release_failure_count,
		       created_at, funded_at, delivered_at, disputed_at, completed_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByEscrowID(ctx context.Context, escrowID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM escrow_transactions WHERE escrow_id = $1`, escrowID)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

// Transition writes the state and every hash in one statement, guarded by
// the prior state.
func (p *PostgresStore) Transition(ctx context.Context, tx *Transaction, from State) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			state = $1, contract_version = $2, dispute_window_hours = $3, chain_deadline = $4,
			dispute_reason = $5, dispute_resolution = $6, resolved_by = $7,
			fund_tx_hash = $8, deliver_tx_hash = $9, dispute_tx_hash = $10,
			release_tx_hash = $11, refund_tx_hash = $12, deliverable_hash = $13,
			funded_at = $14, delivered_at = $15, disputed_at = $16, completed_at = $17,
			updated_at = $18
		WHERE id = $19 AND state = $20`,
		string(tx.State), int(tx.ContractVersion), tx.DisputeWindowHours, nullTime(tx.ChainDeadline),
		nullString(tx.DisputeReason), nullString(tx.DisputeResolution), nullString(tx.ResolvedBy),
		nullString(tx.FundTxHash), nullString(tx.DeliverTxHash), nullString(tx.DisputeTxHash),
		nullString(tx.ReleaseTxHash), nullString(tx.RefundTxHash), nullString(tx.DeliverableHash),
		nullTime(tx.FundedAt), nullTime(tx.DeliveredAt), nullTime(tx.DisputedAt), nullTime(tx.CompletedAt),
		tx.UpdatedAt, tx.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var cur string
		err := p.db.QueryRowContext(ctx, `SELECT state FROM escrow_transactions WHERE id = $1`, tx.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleState.WithDetail("%s is %s, expected %s", tx.ID, cur, from)
	}
	return nil
}

func (p *PostgresStore) ListAutoReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE state = 'DELIVERED'
		  AND disputed_at IS NULL
		  AND escrow_id IS NOT NULL
		  AND contract_version = ANY($1)
		  AND delivered_at + make_interval(hours => dispute_window_hours) <= $2
		ORDER BY delivered_at ASC
		LIMIT $3`, pq.Array(supportedVersionInts()), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStates(ctx context.Context, states []State, limit int) ([]*Transaction, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE state = ANY($1)
		ORDER BY created_at ASC
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) IncrementReleaseFailure(ctx context.Context, id string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		UPDATE escrow_transactions
		SET release_failure_count = release_failure_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING release_failure_count`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, ErrTransactionNotFound
	}
	return n, err
}

func (p *PostgresStore) ResetReleaseFailures(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET release_failure_count = 0 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func supportedVersionInts() []int64 {
	out := make([]int64, len(chain.SupportedVersions))
	for i, v := range chain.SupportedVersions {
		out[i] = int64(v)
	}
	return out
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		state, fundingMode, strategy string
		version                      int
		escrowID                     sql.NullString
		chainDeadline                sql.NullTime
		disputeReason                sql.NullString
		resolution                   sql.NullString
		resolvedBy                   sql.NullString
		fundHash, deliverHash        sql.NullString
		disputeHash                  sql.NullString
		releaseHash, refundHash      sql.NullString
		deliverable                  sql.NullString
		fundedAt, deliveredAt        sql.NullTime
		disputedAt, completedAt      sql.NullTime
	)

	err := s.Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &state, &escrowID, &tx.AmountMinor, &tx.Currency,
		&version, &fundingMode, &strategy, &tx.DisputeWindowHours,
		&chainDeadline, &disputeReason, &resolution, &resolvedBy,
		&fundHash, &deliverHash, &disputeHash, &releaseHash, &refundHash,
		&deliverable, &tx.ReleaseFailureCount,
		&tx.CreatedAt, &fundedAt, &deliveredAt, &disputedAt, &completedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.State = State(state)
	tx.ContractVersion = chain.Version(version)
	tx.FundingMode = FundingMode(fundingMode)
	tx.SignerStrategy = signer.Strategy(strategy)
	tx.EscrowID = escrowID.String
	tx.DisputeReason = disputeReason.String
	tx.DisputeResolution = resolution.String
	tx.ResolvedBy = resolvedBy.String
	tx.FundTxHash = fundHash.String
	tx.DeliverTxHash = deliverHash.String
	tx.DisputeTxHash = disputeHash.String
	tx.ReleaseTxHash = releaseHash.String
	tx.RefundTxHash = refundHash.String
	tx.DeliverableHash = deliverable.String
	tx.ChainDeadline = timePtr(chainDeadline)
	tx.FundedAt = timePtr(fundedAt)
	tx.DeliveredAt = timePtr(deliveredAt)
	tx.DisputedAt = timePtr(disputedAt)
	tx.CompletedAt = timePtr(completedAt)

	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
