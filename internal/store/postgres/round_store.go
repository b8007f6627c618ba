package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// RoundStore implements domain.RoundStore on the rounds and bets tables.
type RoundStore struct {
	pool *pgxpool.Pool
}

// NewRoundStore creates a RoundStore backed by pool.
func NewRoundStore(pool *pgxpool.Pool) *RoundStore {
	return &RoundStore{pool: pool}
}

const roundSelectCols = `id, start_time, end_time, start_price, final_price,
	betting_open, settled, total_pot::text, more_volatile_bets, less_volatile_bets,
	threshold_bps::text, volatility_bps::text, more_volatile_won, protocol_take::text, settled_at`

// SaveRound upserts the round and inserts bets not yet stored. A round that
// is already settled in the database is left untouched.
func (s *RoundStore) SaveRound(ctx context.Context, r domain.Round) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save round %d: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var settledAt *time.Time
	if r.Settled {
		at := r.SettledAt
		settledAt = &at
	}

	const upsert = `
		INSERT INTO rounds (
			id, start_time, end_time, start_price, final_price,
			betting_open, settled, total_pot, more_volatile_bets, less_volatile_bets,
			threshold_bps, volatility_bps, more_volatile_won, protocol_take, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::numeric, $9, $10,
			$11::numeric, $12::numeric, $13, $14::numeric, $15, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			final_price        = EXCLUDED.final_price,
			betting_open       = EXCLUDED.betting_open,
			settled            = EXCLUDED.settled,
			total_pot          = EXCLUDED.total_pot,
			more_volatile_bets = EXCLUDED.more_volatile_bets,
			less_volatile_bets = EXCLUDED.less_volatile_bets,
			threshold_bps      = EXCLUDED.threshold_bps,
			volatility_bps     = EXCLUDED.volatility_bps,
			more_volatile_won  = EXCLUDED.more_volatile_won,
			protocol_take      = EXCLUDED.protocol_take,
			settled_at         = EXCLUDED.settled_at,
			updated_at         = NOW()
		WHERE NOT rounds.settled`
	if _, err := tx.Exec(ctx, upsert,
		int64(r.ID), r.StartTime, r.EndTime, r.StartPrice, r.FinalPrice,
		r.BettingOpen, r.Settled, r.TotalPot.Dec(), int64(r.MoreVolatileBets), int64(r.LessVolatileBets),
		bps(r.Threshold), bps(r.VolatilityBps), r.MoreVolatileWon, r.ProtocolTake.Dec(), settledAt,
	); err != nil {
		return fmt.Errorf("postgres: upsert round %d: %w", r.ID, err)
	}

	if len(r.Bets) > 0 {
		const insertBet = `
			INSERT INTO bets (round_id, seq, bettor, predict_more_volatile, wager, placed_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6)
			ON CONFLICT (round_id, seq) DO NOTHING`
		batch := &pgx.Batch{}
		for i, b := range r.Bets {
			batch.Queue(insertBet, int64(r.ID), i, b.Bettor, b.PredictMoreVolatile, b.Wager.Dec(), b.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert bets of round %d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit round %d: %w", r.ID, err)
	}
	return nil
}

// GetRound returns round id with its bets.
func (s *RoundStore) GetRound(ctx context.Context, id uint64) (domain.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundSelectCols+` FROM rounds WHERE id = $1`, int64(id))
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, fmt.Errorf("postgres: round %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: get round %d: %w", id, err)
	}
	if err := s.loadBets(ctx, []*domain.Round{&r}); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

// LatestRound returns the round with the highest id, with its bets.
func (s *RoundStore) LatestRound(ctx context.Context) (domain.Round, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roundSelectCols+` FROM rounds ORDER BY id DESC LIMIT 1`)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Round{}, fmt.Errorf("postgres: latest round: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Round{}, fmt.Errorf("postgres: latest round: %w", err)
	}
	if err := s.loadBets(ctx, []*domain.Round{&r}); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

// ListRounds returns rounds newest first, without bets.
func (s *RoundStore) ListRounds(ctx context.Context, opts domain.ListOpts) ([]domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND start_time >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND start_time < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	rounds := []domain.Round{}
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}
	return rounds, nil
}

// ListSettledBefore returns settled rounds with bets, oldest first.
func (s *RoundStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Round, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roundSelectCols+` FROM rounds WHERE settled AND settled_at < $1 ORDER BY id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled rounds: %w", err)
	}
	var rounds []domain.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settled rounds rows: %w", err)
	}

	ptrs := make([]*domain.Round, len(rounds))
	for i := range rounds {
		ptrs[i] = &rounds[i]
	}
	if err := s.loadBets(ctx, ptrs); err != nil {
		return nil, err
	}
	return rounds, nil
}

// ProtocolTakeTotal sums protocol_take over settled rounds.
func (s *RoundStore) ProtocolTakeTotal(ctx context.Context) (uint256.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(protocol_take), 0)::text FROM rounds WHERE settled`).Scan(&total)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("postgres: protocol take total: %w", err)
	}
	return parseAmount("protocol_take", total)
}

// loadBets fills the bets of the given rounds in one query.
func (s *RoundStore) loadBets(ctx context.Context, rounds []*domain.Round) error {
	if len(rounds) == 0 {
		return nil
	}
	ids := make([]int64, len(rounds))
	byID := make(map[uint64]*domain.Round, len(rounds))
	for i, r := range rounds {
		ids[i] = int64(r.ID)
		byID[r.ID] = r
	}

	rows, err := s.pool.Query(ctx, `
		SELECT round_id, bettor, predict_more_volatile, wager::text, placed_at
		FROM bets WHERE round_id = ANY($1) ORDER BY round_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load bets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			roundID int64
			wager   string
			b       domain.Bet
		)
		if err := rows.Scan(&roundID, &b.Bettor, &b.PredictMoreVolatile, &wager, &b.Timestamp); err != nil {
			return fmt.Errorf("postgres: scan bet: %w", err)
		}
		if b.Wager, err = parseAmount("wager", wager); err != nil {
			return err
		}
		b.RoundID = uint64(roundID)
		r := byID[b.RoundID]
		r.Bets = append(r.Bets, b)
	}
	return rows.Err()
}

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r                        domain.Round
		id, moreBets, lessBets   int64
		pot, threshold, vol, take string
		settledAt                *time.Time
	)
	if err := row.Scan(
		&id, &r.StartTime, &r.EndTime, &r.StartPrice, &r.FinalPrice,
		&r.BettingOpen, &r.Settled, &pot, &moreBets, &lessBets,
		&threshold, &vol, &r.MoreVolatileWon, &take, &settledAt,
	); err != nil {
		return domain.Round{}, err
	}
	r.ID = uint64(id)
	r.MoreVolatileBets = uint64(moreBets)
	r.LessVolatileBets = uint64(lessBets)
	if settledAt != nil {
		r.SettledAt = *settledAt
	}

	var err error
	if r.TotalPot, err = parseAmount("total_pot", pot); err != nil {
		return domain.Round{}, err
	}
	if r.ProtocolTake, err = parseAmount("protocol_take", take); err != nil {
		return domain.Round{}, err
	}
	if r.Threshold, err = parseBps("threshold_bps", threshold); err != nil {
		return domain.Round{}, err
	}
	if r.VolatilityBps, err = parseBps("volatility_bps", vol); err != nil {
		return domain.Round{}, err
	}
	return r, nil
}

var _ domain.RoundStore = (*RoundStore)(nil)
