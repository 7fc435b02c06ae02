package stake_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"BeliefLedger/internal/observability"
	"BeliefLedger/internal/stake"
	"BeliefLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestLedger(t *testing.T) (*stake.Ledger, *sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	log := observability.NewLoggerWithLevel("stake-test", zerolog.ErrorLevel)
	return stake.NewLedger(db, log, nil), db, cleanup
}

func seedAgent(t *testing.T, db *sql.DB, userID uuid.UUID, totalStake int64) uuid.UUID {
	t.Helper()
	agentID := uuid.New()
	_, err := db.Exec(`
		INSERT INTO agents (agent_id, user_id, total_stake, total_deposited)
		VALUES ($1, $2, $3, $3)
	`, agentID, userID, totalStake)
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return agentID
}

func seedPool(t *testing.T, db *sql.DB, addr string) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO pools (pool_address, s_long, s_short, sqrt_price_long_x96, sqrt_price_short_x96,
		                   r_long, r_short, vault_balance, current_epoch)
		VALUES ($1, 0, 0, 0, 0, 0, 0, 0, 0)
		ON CONFLICT (pool_address) DO NOTHING
	`, addr)
	if err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func seedPosition(t *testing.T, db *sql.DB, userID uuid.UUID, pool string, side stake.TokenType, balance, lock int64) {
	t.Helper()
	seedPool(t, db, pool)
	_, err := db.Exec(`
		INSERT INTO user_pool_balances (user_id, pool_address, token_type, token_balance, belief_lock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, pool_address, token_type) DO UPDATE SET
			token_balance = EXCLUDED.token_balance,
			belief_lock = EXCLUDED.belief_lock
	`, userID, pool, string(side), balance, lock)
	if err != nil {
		t.Fatalf("seed position: %v", err)
	}
}

func TestCalculateSkimAcrossPools(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 1_200_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 500_000, 1_000_000)

	ctx := context.Background()

	// Small buy on a second pool: covered, no skim.
	b, err := ledger.CalculateSkim(ctx, userID, "pool-b", stake.TokenShort, 500_000, stake.TradeBuy)
	if err != nil {
		t.Fatalf("calculate skim: %v", err)
	}
	if b.OtherLocks != 1_000_000 || b.Skim != 0 {
		t.Errorf("covered buy: %+v", b)
	}

	// Large buy on the second pool: 800,000 shortfall.
	b, err = ledger.CalculateSkim(ctx, userID, "pool-b", stake.TokenShort, 50_000_000, stake.TradeBuy)
	if err != nil {
		t.Fatalf("calculate skim: %v", err)
	}
	if b.Skim != 800_000 {
		t.Errorf("shortfall buy: %+v", b)
	}
}

func TestCalculateSkimSupersedesOwnLock(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 100_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 500_000, 90_000)

	// Re-buying the same pool/side replaces the 90,000 lock instead of
	// stacking on top of it.
	b, err := ledger.CalculateSkim(context.Background(), userID, "pool-a", stake.TokenLong, 1_000_000, stake.TradeBuy)
	if err != nil {
		t.Fatalf("calculate skim: %v", err)
	}
	if b.OtherLocks != 0 {
		t.Errorf("own lock counted as other: %+v", b)
	}
	if b.RequiredTotal != 20_000 || b.Skim != 0 {
		t.Errorf("superseded lock: %+v", b)
	}

	// The opposite side of the same pool does count.
	seedPosition(t, db, userID, "pool-a", stake.TokenShort, 100_000, 50_000)
	b, err = ledger.CalculateSkim(context.Background(), userID, "pool-a", stake.TokenLong, 1_000_000, stake.TradeBuy)
	if err != nil {
		t.Fatalf("calculate skim: %v", err)
	}
	if b.OtherLocks != 50_000 {
		t.Errorf("opposite side lock: %+v", b)
	}
}

func TestCalculateSkimMissingAgent(t *testing.T) {
	ledger, _, cleanup := newTestLedger(t)
	defer cleanup()

	_, err := ledger.CalculateSkim(context.Background(), uuid.New(), "pool-a", stake.TokenLong, 1_000, stake.TradeBuy)
	if !errors.Is(err, stake.ErrAgentNotFound) {
		t.Errorf("got %v, want ErrAgentNotFound", err)
	}
}

func TestWithdrawableGrossLocks(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 1_000_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 100, 300_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenShort, 100, 200_000)
	seedPosition(t, db, userID, "pool-b", stake.TokenLong, 100, 100_000)

	// LONG and SHORT locks both count; no netting.
	report, err := ledger.CalculateWithdrawable(context.Background(), userID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if report.TotalLocks != 600_000 || report.Withdrawable != 400_000 {
		t.Errorf("report: %+v", report)
	}
}

func TestWithdrawableCanGoNegative(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 100_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 100, 400_000)

	report, err := ledger.CalculateWithdrawable(context.Background(), userID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if report.Withdrawable != -300_000 {
		t.Errorf("negative withdrawable not surfaced: %+v", report)
	}
}

func TestWithdrawableIgnoresClosedPositions(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 500_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 0, 400_000) // stale lock

	report, err := ledger.CalculateWithdrawable(context.Background(), userID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if report.TotalLocks != 0 || report.Withdrawable != 500_000 {
		t.Errorf("stale lock counted: %+v", report)
	}
}

func TestCheckUnderwater(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	agentID := seedAgent(t, db, userID, 100_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 100, 250_000)

	ctx := context.Background()

	report, err := ledger.CheckUnderwater(ctx, userID, agentID)
	if err != nil {
		t.Fatalf("check underwater: %v", err)
	}
	if !report.Underwater || report.Shortfall != 150_000 {
		t.Errorf("report: %+v", report)
	}

	// Unknown agent id aborts rather than assuming infinite stake.
	_, err = ledger.CheckUnderwater(ctx, userID, uuid.New())
	if !errors.Is(err, stake.ErrAgentNotFound) {
		t.Errorf("got %v, want ErrAgentNotFound", err)
	}

	// Agent belonging to a different user is a caller error.
	otherUser := uuid.New()
	otherAgent := seedAgent(t, db, otherUser, 1)
	_, err = ledger.CheckUnderwater(ctx, userID, otherAgent)
	if !errors.Is(err, stake.ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}
}

func TestApplyTradeCollectsSkim(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 1_200_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 500_000, 1_000_000)
	seedPool(t, db, "pool-b")

	ctx := context.Background()

	result, err := ledger.ApplyTrade(ctx, userID, "pool-b", stake.TokenShort,
		50_000_000, 48_000_000, stake.TradeBuy, 480_000)
	if err != nil {
		t.Fatalf("apply trade: %v", err)
	}
	if result.Breakdown.Skim != 800_000 {
		t.Errorf("skim: %+v", result.Breakdown)
	}
	if result.TokenBalance != 48_000_000 || result.BeliefLock != 1_000_000 {
		t.Errorf("position: %+v", result)
	}

	// The skim landed in global stake.
	var totalStake int64
	if err := db.QueryRow(`SELECT total_stake FROM agents WHERE user_id = $1`, userID).Scan(&totalStake); err != nil {
		t.Fatalf("read stake: %v", err)
	}
	if totalStake != 2_000_000 {
		t.Errorf("total stake: got %d, want 2000000", totalStake)
	}

	// The account is now exactly collateralized: an immediate repeat of
	// the same buy supersedes its own lock and skims nothing.
	result, err = ledger.ApplyTrade(ctx, userID, "pool-b", stake.TokenShort,
		50_000_000, 48_000_000, stake.TradeBuy, 480_000)
	if err != nil {
		t.Fatalf("repeat trade: %v", err)
	}
	if result.Breakdown.Skim != 0 {
		t.Errorf("repeat skim: %+v", result.Breakdown)
	}
	if result.TokenBalance != 96_000_000 {
		t.Errorf("balance after repeat: %+v", result)
	}
}

func TestApplyTradeSellDecrementsOnly(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 1_000_000)
	seedPosition(t, db, userID, "pool-a", stake.TokenLong, 500_000, 20_000)

	ctx := context.Background()

	result, err := ledger.ApplyTrade(ctx, userID, "pool-a", stake.TokenLong,
		300_000, 300_000, stake.TradeSell, 0)
	if err != nil {
		t.Fatalf("apply sell: %v", err)
	}
	if result.Breakdown.Skim != 0 {
		t.Errorf("sell skimmed: %+v", result.Breakdown)
	}
	if result.TokenBalance != 200_000 {
		t.Errorf("balance: %+v", result)
	}

	// Selling the remainder zeroes the balance; the lock then drops out
	// of every lock summation.
	if _, err := ledger.ApplyTrade(ctx, userID, "pool-a", stake.TokenLong,
		200_000, 200_000, stake.TradeSell, 0); err != nil {
		t.Fatalf("close position: %v", err)
	}

	report, err := ledger.CalculateWithdrawable(ctx, userID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if report.TotalLocks != 0 || report.Withdrawable != 1_000_000 {
		t.Errorf("lock survived close: %+v", report)
	}

	// Selling with no position at all is an error.
	_, err = ledger.ApplyTrade(ctx, userID, "pool-zz", stake.TokenShort,
		1, 1, stake.TradeSell, 0)
	if !errors.Is(err, stake.ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}
}

func TestApplyTradeSerializesConcurrentBuys(t *testing.T) {
	ledger, db, cleanup := newTestLedger(t)
	defer cleanup()

	userID := uuid.New()
	seedAgent(t, db, userID, 0)
	for i := 0; i < 4; i++ {
		seedPool(t, db, fmt.Sprintf("pool-%d", i))
	}

	ctx := context.Background()

	// Four concurrent buys on distinct pools, each locking 20,000. Row
	// locking forces them to serialize, so every buy observes the stake
	// the previous one deposited and the skims sum exactly to the final
	// required total.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.ApplyTrade(ctx, userID, fmt.Sprintf("pool-%d", i),
				stake.TokenLong, 1_000_000, 1_000_000, stake.TradeBuy, 500_000)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}

	var totalStake int64
	if err := db.QueryRow(`SELECT total_stake FROM agents WHERE user_id = $1`, userID).Scan(&totalStake); err != nil {
		t.Fatalf("read stake: %v", err)
	}
	if totalStake != 80_000 {
		t.Errorf("total stake: got %d, want 80000 (4 locks of 20000)", totalStake)
	}

	report, err := ledger.CalculateWithdrawable(ctx, userID)
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	if report.Withdrawable != 0 {
		t.Errorf("over- or under-skimmed: %+v", report)
	}
}
