// Package query serves read-only views over the relational mirror for
// the web layer. Everything here is a plain SELECT plus display-side
// price math; nothing mutates state.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"BeliefLedger/internal/observability"
	"BeliefLedger/internal/pricing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrPoolNotFound = errors.New("query: pool not found")
	ErrNoStake      = errors.New("query: no stake record for user")
)

// PoolView is the pool row enriched with display prices.
type PoolView struct {
	PoolAddress  string          `json:"pool_address"`
	PostID       *string         `json:"post_id,omitempty"`
	SLong        int64           `json:"s_long"`
	SShort       int64           `json:"s_short"`
	RLong        int64           `json:"r_long"`
	RShort       int64           `json:"r_short"`
	VaultBalance int64           `json:"vault_balance"`
	CurrentEpoch int64           `json:"current_epoch"`
	LongPrice    decimal.Decimal `json:"long_price"`
	ShortPrice   decimal.Decimal `json:"short_price"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
}

// PositionView is one open position with entry-relative P&L.
type PositionView struct {
	PoolAddress  string `json:"pool_address"`
	TokenType    string `json:"token_type"`
	TokenBalance int64  `json:"token_balance"`
	BeliefLock   int64  `json:"belief_lock"`

	// EntryPriceMillionths is the price recorded at the most recent
	// buy; nil for rows written before entry tracking existed.
	EntryPriceMillionths *int64 `json:"entry_price_millionths,omitempty"`

	// CurrentPriceMillionths is derived from the pool's live supplies.
	CurrentPriceMillionths int64 `json:"current_price_millionths"`

	// UnrealizedPnLMicro = balance * (current - entry) / 1e6, zero when
	// the entry price is unknown.
	UnrealizedPnLMicro int64 `json:"unrealized_pnl_micro"`
}

// StakeSummary is the agent's stake ledger totals.
type StakeSummary struct {
	UserID         uuid.UUID `json:"user_id"`
	AgentID        uuid.UUID `json:"agent_id"`
	TotalStake     int64     `json:"total_stake"`
	TotalDeposited int64     `json:"total_deposited"`
	TotalWithdrawn int64     `json:"total_withdrawn"`
	TotalLocks     int64     `json:"total_locks"`
	Withdrawable   int64     `json:"withdrawable"`
}

// Service answers read queries for the web layer.
type Service struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewService(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{db: db, log: log, metrics: metrics}
}

// GetPool returns the mirrored pool row with display prices attached.
func (s *Service) GetPool(ctx context.Context, poolAddress string) (*PoolView, error) {
	defer s.observe("get_pool", time.Now())

	var v PoolView
	err := s.db.QueryRowContext(ctx, `
		SELECT pool_address, post_id, s_long, s_short, r_long, r_short,
		       vault_balance, current_epoch, last_synced_at
		FROM pools
		WHERE pool_address = $1
	`, poolAddress).Scan(
		&v.PoolAddress, &v.PostID, &v.SLong, &v.SShort, &v.RLong, &v.RShort,
		&v.VaultBalance, &v.CurrentEpoch, &v.LastSyncedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pool %s: %w", poolAddress, ErrPoolNotFound)
	}
	if err != nil {
		s.countError("get_pool")
		return nil, fmt.Errorf("load pool: %w", err)
	}

	if v.LongPrice, err = pricing.LongPrice(v.SLong, v.SShort); err != nil {
		return nil, fmt.Errorf("price pool %s: %w", poolAddress, err)
	}
	if v.ShortPrice, err = pricing.ShortPrice(v.SLong, v.SShort); err != nil {
		return nil, fmt.Errorf("price pool %s: %w", poolAddress, err)
	}
	return &v, nil
}

// GetUserPositions returns the user's open positions with current
// prices and entry-relative unrealized P&L.
func (s *Service) GetUserPositions(ctx context.Context, userID uuid.UUID) ([]PositionView, error) {
	defer s.observe("get_user_positions", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT b.pool_address, b.token_type, b.token_balance, b.belief_lock,
		       b.entry_price_millionths, p.s_long, p.s_short
		FROM user_pool_balances b
		JOIN pools p ON p.pool_address = b.pool_address
		WHERE b.user_id = $1 AND b.token_balance > 0
		ORDER BY b.pool_address, b.token_type
	`, userID)
	if err != nil {
		s.countError("get_user_positions")
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var positions []PositionView
	for rows.Next() {
		var v PositionView
		var sLong, sShort int64
		if err := rows.Scan(&v.PoolAddress, &v.TokenType, &v.TokenBalance,
			&v.BeliefLock, &v.EntryPriceMillionths, &sLong, &sShort); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}

		switch v.TokenType {
		case "SHORT":
			v.CurrentPriceMillionths, err = pricing.ShortPriceMillionths(sLong, sShort)
		default:
			v.CurrentPriceMillionths, err = pricing.LongPriceMillionths(sLong, sShort)
		}
		if err != nil {
			return nil, fmt.Errorf("price position %s: %w", v.PoolAddress, err)
		}

		if v.EntryPriceMillionths != nil {
			v.UnrealizedPnLMicro = unrealizedPnL(v.TokenBalance, *v.EntryPriceMillionths, v.CurrentPriceMillionths)
		}
		positions = append(positions, v)
	}
	return positions, rows.Err()
}

// GetStakeSummary returns the agent's stake totals plus the derived
// withdrawable figure, which may be negative.
func (s *Service) GetStakeSummary(ctx context.Context, userID uuid.UUID) (*StakeSummary, error) {
	defer s.observe("get_stake_summary", time.Now())

	var sum StakeSummary
	sum.UserID = userID
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, total_stake, total_deposited, total_withdrawn
		FROM agents
		WHERE user_id = $1
	`, userID).Scan(&sum.AgentID, &sum.TotalStake, &sum.TotalDeposited, &sum.TotalWithdrawn)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoStake)
	}
	if err != nil {
		s.countError("get_stake_summary")
		return nil, fmt.Errorf("load agent: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(belief_lock), 0)
		FROM user_pool_balances
		WHERE user_id = $1 AND token_balance > 0
	`, userID).Scan(&sum.TotalLocks)
	if err != nil {
		s.countError("get_stake_summary")
		return nil, fmt.Errorf("sum locks: %w", err)
	}

	sum.Withdrawable = sum.TotalStake - sum.TotalLocks
	return &sum, nil
}

// unrealizedPnL values the balance at the current price minus its value
// at entry: balance * (current - entry) / 1e6, computed wide and
// truncated toward zero.
func unrealizedPnL(balance, entryMillionths, currentMillionths int64) int64 {
	n := big.NewInt(balance)
	n.Mul(n, big.NewInt(currentMillionths-entryMillionths))
	n.Quo(n, big.NewInt(pricing.MillionthsScale))
	return n.Int64()
}

func (s *Service) observe(op string, started time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(op).Inc()
	s.metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (s *Service) countError(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryErrors.WithLabelValues(op).Inc()
}
