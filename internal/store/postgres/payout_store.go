package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// PayoutStore implements domain.PayoutStore on the payouts table.
type PayoutStore struct {
	pool *pgxpool.Pool
}

// NewPayoutStore creates a PayoutStore backed by pool.
func NewPayoutStore(pool *pgxpool.Pool) *PayoutStore {
	return &PayoutStore{pool: pool}
}

const payoutSelectCols = `round_id, winner, stake::text, amount::text, status, tx_ref, error, updated_at`

// SavePayouts upserts payouts keyed by round and winner in one batch.
func (s *PayoutStore) SavePayouts(ctx context.Context, payouts []domain.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	const query = `
		INSERT INTO payouts (round_id, winner, stake, amount, status, tx_ref, error, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (round_id, winner) DO UPDATE SET
			status     = EXCLUDED.status,
			tx_ref     = EXCLUDED.tx_ref,
			error      = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, p := range payouts {
		batch.Queue(query, int64(p.RoundID), p.Winner, p.Stake.Dec(), p.Amount.Dec(),
			string(p.Status), p.TxRef, p.Error, p.UpdatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, p := range payouts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: save payout round %d winner %s: %w", p.RoundID, p.Winner, err)
		}
	}
	return nil
}

// ListPayouts returns the payouts of a round.
func (s *PayoutStore) ListPayouts(ctx context.Context, roundID uint64) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutSelectCols+` FROM payouts WHERE round_id = $1 ORDER BY winner`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts of round %d: %w", roundID, err)
	}
	return scanPayouts(rows)
}

// ListFailedPayouts returns every payout whose transfer failed.
func (s *PayoutStore) ListFailedPayouts(ctx context.Context) ([]domain.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+payoutSelectCols+` FROM payouts WHERE status = $1 ORDER BY round_id, winner`,
		string(domain.PayoutStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list failed payouts: %w", err)
	}
	return scanPayouts(rows)
}

func scanPayouts(rows pgx.Rows) ([]domain.Payout, error) {
	defer rows.Close()
	var out []domain.Payout
	for rows.Next() {
		var (
			p             domain.Payout
			roundID       int64
			stake, amount string
			status        string
		)
		if err := rows.Scan(&roundID, &p.Winner, &stake, &amount, &status, &p.TxRef, &p.Error, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.RoundID = uint64(roundID)
		p.Status = domain.PayoutStatus(status)
		var err error
		if p.Stake, err = parseAmount("stake", stake); err != nil {
			return nil, err
		}
		if p.Amount, err = parseAmount("amount", amount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: payouts rows: %w", err)
	}
	return out, nil
}

var _ domain.PayoutStore = (*PayoutStore)(nil)
