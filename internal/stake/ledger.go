package stake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"BeliefLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUserNotFound: the user id resolves to no trading identity.
	ErrUserNotFound = errors.New("stake: user not found")

	// ErrAgentNotFound: the user exists but has no agent/stake record.
	// Never treated as infinite stake; the calculation aborts.
	ErrAgentNotFound = errors.New("stake: agent not found")
)

// WithdrawableReport breaks a user's stake into locked and free parts.
// Withdrawable may be negative: that is the under-collateralization
// signal and is surfaced, never clamped.
type WithdrawableReport struct {
	UserID       uuid.UUID
	TotalStake   int64
	TotalLocks   int64
	Withdrawable int64
}

// UnderwaterReport flags an account whose locks exceed its stake.
type UnderwaterReport struct {
	UserID      uuid.UUID
	AgentID     uuid.UUID
	TotalStake int64
	TotalLocks int64
	Shortfall  int64
	Underwater bool
}

// Ledger computes stake requirements against the relational mirror.
type Ledger struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewLedger(db *sql.DB, log zerolog.Logger, metrics *observability.Metrics) *Ledger {
	return &Ledger{db: db, log: log, metrics: metrics}
}

// CalculateSkim is the authoritative skim computation used at trade
// execution. It runs as one serializable unit of work: the agent's
// stake row and the user's open balance rows are locked (FOR UPDATE)
// for the duration of the read-compute cycle, so two simultaneous buys
// by the same user serialize instead of both observing pre-trade stake.
func (l *Ledger) CalculateSkim(
	ctx context.Context,
	userID uuid.UUID,
	poolAddress string,
	side TokenType,
	tradeAmountMicro int64,
	tradeType TradeType,
) (SkimBreakdown, error) {
	var breakdown SkimBreakdown

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return breakdown, fmt.Errorf("begin skim tx: %w", err)
	}
	defer tx.Rollback()

	totalStake, err := lockedStake(ctx, tx, userID)
	if err != nil {
		return breakdown, err
	}

	otherLocks, err := lockedOtherLocks(ctx, tx, userID, poolAddress, side)
	if err != nil {
		return breakdown, err
	}

	breakdown = ComputeSkim(totalStake, otherLocks, tradeAmountMicro, tradeType)

	if err := tx.Commit(); err != nil {
		return SkimBreakdown{}, fmt.Errorf("commit skim tx: %w", err)
	}

	l.observeSkim(breakdown, tradeType)
	return breakdown, nil
}

// PreviewSkim is the unlocked variant for UI preview. Slight staleness
// is acceptable there; it must never authorize an actual trade.
func (l *Ledger) PreviewSkim(
	ctx context.Context,
	userID uuid.UUID,
	poolAddress string,
	side TokenType,
	tradeAmountMicro int64,
	tradeType TradeType,
) (SkimBreakdown, error) {
	var breakdown SkimBreakdown

	totalStake, err := readStake(ctx, l.db, userID)
	if err != nil {
		return breakdown, err
	}

	otherLocks, err := readOtherLocks(ctx, l.db, userID, poolAddress, side)
	if err != nil {
		return breakdown, err
	}

	return ComputeSkim(totalStake, otherLocks, tradeAmountMicro, tradeType), nil
}

// CalculateSkimWithWarning previews the skim and flags it when it
// exceeds 20% of the trade's own notional, with the cause attached.
func (l *Ledger) CalculateSkimWithWarning(
	ctx context.Context,
	userID uuid.UUID,
	poolAddress string,
	side TokenType,
	tradeAmountMicro int64,
	tradeType TradeType,
) (SkimBreakdown, SkimWarning, error) {
	breakdown, err := l.PreviewSkim(ctx, userID, poolAddress, side, tradeAmountMicro, tradeType)
	if err != nil {
		return breakdown, SkimWarning{}, err
	}

	warning := ClassifySkim(breakdown, tradeAmountMicro)
	if warning.Excessive && l.metrics != nil {
		l.metrics.ExcessiveSkimWarns.WithLabelValues(string(warning.Cause)).Inc()
	}
	return breakdown, warning, nil
}

// CalculateWithdrawable derives the user's free collateral: global
// stake minus the gross sum of locks on open positions (LONG and SHORT
// locks both count, never netted).
func (l *Ledger) CalculateWithdrawable(ctx context.Context, userID uuid.UUID) (WithdrawableReport, error) {
	totalStake, err := readStake(ctx, l.db, userID)
	if err != nil {
		return WithdrawableReport{}, err
	}

	totalLocks, err := readOtherLocks(ctx, l.db, userID, "", "")
	if err != nil {
		return WithdrawableReport{}, err
	}

	return WithdrawableReport{
		UserID:       userID,
		TotalStake:   totalStake,
		TotalLocks:   totalLocks,
		Withdrawable: totalStake - totalLocks,
	}, nil
}

// CheckUnderwater reports whether the account's total locks exceed its
// total stake. The agent id must belong to the user; a mismatch is a
// caller error, reported distinctly from a missing agent.
func (l *Ledger) CheckUnderwater(ctx context.Context, userID, agentID uuid.UUID) (UnderwaterReport, error) {
	var ownerID uuid.UUID
	var totalStake int64
	err := l.db.QueryRowContext(ctx, `
		SELECT user_id, total_stake FROM agents WHERE agent_id = $1
	`, agentID).Scan(&ownerID, &totalStake)
	if err == sql.ErrNoRows {
		return UnderwaterReport{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	if err != nil {
		return UnderwaterReport{}, fmt.Errorf("load agent: %w", err)
	}
	if ownerID != userID {
		return UnderwaterReport{}, fmt.Errorf("agent %s does not belong to user %s: %w", agentID, userID, ErrUserNotFound)
	}

	totalLocks, err := readOtherLocks(ctx, l.db, userID, "", "")
	if err != nil {
		return UnderwaterReport{}, err
	}

	report := UnderwaterReport{
		UserID:     userID,
		AgentID:    agentID,
		TotalStake: totalStake,
		TotalLocks: totalLocks,
	}
	if totalLocks > totalStake {
		report.Underwater = true
		report.Shortfall = totalLocks - totalStake
		if l.metrics != nil {
			l.metrics.UnderwaterDetected.Inc()
		}
		l.log.Warn().
			Str("user_id", userID.String()).
			Str("agent_id", agentID.String()).
			Int64("total_stake", totalStake).
			Int64("total_locks", totalLocks).
			Int64("shortfall", report.Shortfall).
			Msg("underwater account detected")
	}
	return report, nil
}

// TradeResult reports the balance and stake movements of an applied
// trade.
type TradeResult struct {
	Breakdown    SkimBreakdown
	TokenBalance int64
	BeliefLock   int64
}

// ApplyTrade executes the stake side of a trade as one serializable
// unit of work: lock rows, compute skim, write the superseding lock and
// the new balance, and fold the skim into global stake. A buy on a
// pool/side replaces that side's prior lock; a sell only decrements the
// balance (the lock becomes stale once the balance reaches zero).
func (l *Ledger) ApplyTrade(
	ctx context.Context,
	userID uuid.UUID,
	poolAddress string,
	side TokenType,
	tradeAmountMicro int64,
	tokenDeltaMicro int64,
	tradeType TradeType,
	entryPriceMillionths int64,
) (TradeResult, error) {
	var result TradeResult

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback()

	totalStake, err := lockedStake(ctx, tx, userID)
	if err != nil {
		return result, err
	}

	otherLocks, err := lockedOtherLocks(ctx, tx, userID, poolAddress, side)
	if err != nil {
		return result, err
	}

	result.Breakdown = ComputeSkim(totalStake, otherLocks, tradeAmountMicro, tradeType)

	if tradeType == TradeBuy {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user_pool_balances
				(user_id, pool_address, token_type, token_balance, belief_lock, entry_price_millionths, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (user_id, pool_address, token_type) DO UPDATE SET
				token_balance = user_pool_balances.token_balance + EXCLUDED.token_balance,
				belief_lock = EXCLUDED.belief_lock,
				entry_price_millionths = EXCLUDED.entry_price_millionths,
				updated_at = NOW()
			RETURNING token_balance, belief_lock
		`, userID, poolAddress, string(side), tokenDeltaMicro, result.Breakdown.NewLock, entryPriceMillionths).
			Scan(&result.TokenBalance, &result.BeliefLock)
		if err != nil {
			return TradeResult{}, fmt.Errorf("apply buy: %w", err)
		}

		if result.Breakdown.Skim > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents
				SET total_stake = total_stake + $2,
				    total_deposited = total_deposited + $2,
				    updated_at = NOW()
				WHERE user_id = $1
			`, userID, result.Breakdown.Skim); err != nil {
				return TradeResult{}, fmt.Errorf("apply skim: %w", err)
			}
		}
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE user_pool_balances
			SET token_balance = token_balance - $4, updated_at = NOW()
			WHERE user_id = $1 AND pool_address = $2 AND token_type = $3
			RETURNING token_balance, belief_lock
		`, userID, poolAddress, string(side), tokenDeltaMicro).
			Scan(&result.TokenBalance, &result.BeliefLock)
		if err == sql.ErrNoRows {
			return TradeResult{}, fmt.Errorf("sell with no position in %s %s: %w", poolAddress, side, ErrUserNotFound)
		}
		if err != nil {
			return TradeResult{}, fmt.Errorf("apply sell: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return TradeResult{}, fmt.Errorf("commit trade tx: %w", err)
	}

	l.observeSkim(result.Breakdown, tradeType)
	return result, nil
}

// --- row access helpers ---

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func readStake(ctx context.Context, q queryer, userID uuid.UUID) (int64, error) {
	return stakeWithSuffix(ctx, q, userID, "")
}

func lockedStake(ctx context.Context, tx *sql.Tx, userID uuid.UUID) (int64, error) {
	return stakeWithSuffix(ctx, tx, userID, " FOR UPDATE")
}

func stakeWithSuffix(ctx context.Context, q queryer, userID uuid.UUID, suffix string) (int64, error) {
	var totalStake int64
	err := q.QueryRowContext(ctx,
		`SELECT total_stake FROM agents WHERE user_id = $1`+suffix,
		userID,
	).Scan(&totalStake)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("user %s: %w", userID, ErrAgentNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("load stake: %w", err)
	}
	return totalStake, nil
}

func readOtherLocks(ctx context.Context, q queryer, userID uuid.UUID, excludePool string, excludeSide TokenType) (int64, error) {
	return otherLocksWithSuffix(ctx, q, userID, excludePool, excludeSide, "")
}

func lockedOtherLocks(ctx context.Context, tx *sql.Tx, userID uuid.UUID, excludePool string, excludeSide TokenType) (int64, error) {
	return otherLocksWithSuffix(ctx, tx, userID, excludePool, excludeSide, " FOR UPDATE")
}

// otherLocksWithSuffix sums belief_lock across the user's open
// positions, excluding the (pool, side) a proposed buy would supersede.
// A buy replaces the prior lock on its own pool/side rather than adding
// to it. Empty excludePool means sum everything. Locks on rows with
// token_balance = 0 are stale by definition and never counted.
func otherLocksWithSuffix(ctx context.Context, q queryer, userID uuid.UUID, excludePool string, excludeSide TokenType, suffix string) (int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT pool_address, token_type, belief_lock
		FROM user_pool_balances
		WHERE user_id = $1 AND token_balance > 0
	`+suffix, userID)
	if err != nil {
		return 0, fmt.Errorf("load locks: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var pool, side string
		var lock int64
		if err := rows.Scan(&pool, &side, &lock); err != nil {
			return 0, fmt.Errorf("scan lock row: %w", err)
		}
		if excludePool != "" && pool == excludePool && TokenType(side) == excludeSide {
			continue
		}
		total += lock
	}
	return total, rows.Err()
}

func (l *Ledger) observeSkim(b SkimBreakdown, tradeType TradeType) {
	if l.metrics == nil {
		return
	}
	l.metrics.SkimComputed.WithLabelValues(string(tradeType)).Inc()
	if b.Skim > 0 {
		l.metrics.SkimCollected.Inc()
		l.metrics.SkimMicroTotal.Add(float64(b.Skim))
	}
}
