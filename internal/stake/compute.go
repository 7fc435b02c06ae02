// Package stake computes belief locks, buy-time skims, and withdrawable
// balances over the relational mirror. Collateral is pooled: one global
// stake per agent spans every market they trade, with per-pool locks
// carved out of it.
package stake

import (
	"math/big"
)

// TokenType is a position side.
type TokenType string

const (
	TokenLong  TokenType = "LONG"
	TokenShort TokenType = "SHORT"
)

// TradeType distinguishes buys from sells. Only buys can increase the
// required collateral.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// BeliefWeightBps is the collateral weight applied to a buy: the lock on
// a position is 2% of its most recent buy amount.
const BeliefWeightBps = 200

// ExcessiveSkimThresholdBps flags a skim above 20% of the trade's own
// notional as excessive.
const ExcessiveSkimThresholdBps = 2_000

// BeliefLock returns the collateral lock for a buy of the given size,
// in micro-USD, rounded up. Rounding up keeps the account conservatively
// collateralized: the lock is never short by a fraction of a micro-unit.
func BeliefLock(tradeAmountMicro int64) int64 {
	if tradeAmountMicro <= 0 {
		return 0
	}
	// amount * 200 / 10_000, computed wide to survive extreme amounts.
	n := big.NewInt(tradeAmountMicro)
	n.Mul(n, big.NewInt(BeliefWeightBps))
	n.Add(n, big.NewInt(10_000-1))
	n.Div(n, big.NewInt(10_000))
	return n.Int64()
}

// SkimBreakdown is the result of a skim computation.
type SkimBreakdown struct {
	// NewLock is the lock this buy would establish on its pool/side,
	// superseding any prior lock there.
	NewLock int64

	// OtherLocks is the sum of locks on all other open positions.
	OtherLocks int64

	// RequiredTotal = OtherLocks + NewLock.
	RequiredTotal int64

	// TotalStake is the agent's current global stake.
	TotalStake int64

	// Skim = max(0, RequiredTotal - TotalStake).
	Skim int64
}

// ComputeSkim derives the skim for a proposed trade from already-loaded
// state. Sells return a zero breakdown: they never increase required
// collateral.
func ComputeSkim(totalStake, otherLocks, tradeAmountMicro int64, tradeType TradeType) SkimBreakdown {
	if tradeType != TradeBuy {
		return SkimBreakdown{TotalStake: totalStake, OtherLocks: otherLocks}
	}

	newLock := BeliefLock(tradeAmountMicro)
	required := otherLocks + newLock

	skim := required - totalStake
	if skim < 0 {
		skim = 0
	}

	return SkimBreakdown{
		NewLock:       newLock,
		OtherLocks:    otherLocks,
		RequiredTotal: required,
		TotalStake:    totalStake,
		Skim:          skim,
	}
}

// WarningCause explains why a skim was flagged as excessive.
type WarningCause string

const (
	// CauseUndercollateralized: the account's existing locks already
	// exceed its stake; the skim is mostly paying down that shortfall.
	CauseUndercollateralized WarningCause = "undercollateralized"

	// CauseNewPosition: the account is healthy, the skim is large only
	// because this trade opens new exposure relative to a small stake.
	CauseNewPosition WarningCause = "new_position"
)

// SkimWarning flags a proposed trade whose skim is out of proportion to
// its notional.
type SkimWarning struct {
	Excessive      bool
	Cause          WarningCause
	Recommendation string
}

// ClassifySkim inspects a breakdown and flags an excessive skim
// (> 20% of the trade's notional), distinguishing a globally
// under-collateralized account from one simply opening a new position.
func ClassifySkim(b SkimBreakdown, tradeAmountMicro int64) SkimWarning {
	if b.Skim == 0 || tradeAmountMicro <= 0 {
		return SkimWarning{}
	}

	// skim > amount * 20%  <=>  skim * 10_000 > amount * 2_000, wide.
	lhs := new(big.Int).Mul(big.NewInt(b.Skim), big.NewInt(10_000))
	rhs := new(big.Int).Mul(big.NewInt(tradeAmountMicro), big.NewInt(ExcessiveSkimThresholdBps))
	if lhs.Cmp(rhs) <= 0 {
		return SkimWarning{}
	}

	if b.OtherLocks > b.TotalStake {
		return SkimWarning{
			Excessive: true,
			Cause:     CauseUndercollateralized,
			Recommendation: "existing locks already exceed stake; deposit additional stake " +
				"or close positions before opening new ones",
		}
	}
	return SkimWarning{
		Excessive: true,
		Cause:     CauseNewPosition,
		Recommendation: "skim is large relative to this trade because it opens a new position " +
			"against a small stake; consider a smaller trade or a prior deposit",
	}
}
