// Package mirror keeps the relational copy of the authoritative
// bonding-curve pool state in step with the ledger. Sync paths differ by
// caller contract: post-trade resync is queued and fire-and-forget,
// post-deployment sync blocks with bounded retries, and orphan recovery
// repairs pools that exist on-chain but are missing from the mirror.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// nativePerMicro converts the ledger's base units (1e9 per whole unit)
// to the mirror's micro-unit convention (1e6 per whole unit).
const nativePerMicro = 1_000

// PoolSnapshot is the Pool row shape. Sqrt prices exceed 64 bits and are
// carried as decimal strings end to end.
type PoolSnapshot struct {
	PoolAddress       string
	PostID            *string
	SLong             int64
	SShort            int64
	SqrtPriceLongX96  string
	SqrtPriceShortX96 string
	RLong             int64
	RShort            int64
	VaultBalance      int64
	CurrentEpoch      int64
	LastSyncedAt      time.Time
}

// SyncError wraps a transient fetch or store failure. Retryable; the
// retry policy lives in the caller, not here.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Op, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

var (
	// ErrEpochRegression is returned when a fetched snapshot carries a
	// lower epoch than the stored row. current_epoch is monotonic; a
	// regression means the fetch raced a settlement and must not be
	// written.
	ErrEpochRegression = errors.New("mirror: fetched epoch below stored epoch, refusing write")

	// ErrOrphanVaultUninitialized is returned by orphan recovery when
	// the on-chain account's vault is still the zero placeholder.
	// Terminal: deployment never completed, there is nothing to record.
	ErrOrphanVaultUninitialized = errors.New("mirror: orphaned pool vault not initialized")
)

// RecoveryOutcome distinguishes a recovery that inserted the row from
// one that found it already present.
type RecoveryOutcome int

const (
	RecoveryRecovered RecoveryOutcome = iota
	RecoveryAlreadyRecorded
)

func (o RecoveryOutcome) String() string {
	switch o {
	case RecoveryRecovered:
		return "recovered"
	case RecoveryAlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Mirror syncs authoritative pool accounts into the relational store.
type Mirror struct {
	db      *sql.DB
	fetcher chain.AccountFetcher
	queue   *ResyncQueue
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewMirror(db *sql.DB, fetcher chain.AccountFetcher, queue *ResyncQueue, log zerolog.Logger, metrics *observability.Metrics) *Mirror {
	return &Mirror{
		db:      db,
		fetcher: fetcher,
		queue:   queue,
		log:     log,
		metrics: metrics,
	}
}

// SnapshotFromAccount maps a typed on-chain account into the Pool row
// shape, converting native base units to micro-units. Pure; exported for
// tests and for the recovery path.
func SnapshotFromAccount(acct *chain.PoolAccount, now time.Time) PoolSnapshot {
	return PoolSnapshot{
		PoolAddress:       acct.Address.String(),
		SLong:             int64(acct.SLong / nativePerMicro),
		SShort:            int64(acct.SShort / nativePerMicro),
		SqrtPriceLongX96:  acct.SqrtPriceLongX96.String(),
		SqrtPriceShortX96: acct.SqrtPriceShortX96.String(),
		RLong:             int64(acct.RLong / nativePerMicro),
		RShort:            int64(acct.RShort / nativePerMicro),
		VaultBalance:      int64(acct.VaultBalance / nativePerMicro),
		CurrentEpoch:      int64(acct.CurrentEpoch),
		LastSyncedAt:      now,
	}
}

// SyncPool fetches the authoritative account and upserts the mirror row.
// Idempotent: with no intervening on-chain change the row is unchanged
// except last_synced_at. An epoch regression is refused.
func (m *Mirror) SyncPool(ctx context.Context, addr chain.Address) (*PoolSnapshot, error) {
	start := time.Now()

	acct, err := m.fetcher.FetchPoolAccount(ctx, addr)
	if err != nil {
		m.countSync("fetch_error")
		return nil, &SyncError{Op: "fetch " + addr.String(), Err: err}
	}

	snap := SnapshotFromAccount(acct, time.Now().UTC())
	if err := m.upsert(ctx, &snap); err != nil {
		if errors.Is(err, ErrEpochRegression) {
			m.countSync("stale_epoch")
			return nil, err
		}
		m.countSync("store_error")
		return nil, err
	}

	m.countSync("ok")
	if m.metrics != nil {
		m.metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}
	return &snap, nil
}

// SyncAfterTrade queues a resync for the pool. Fire-and-forget: it runs
// after the trade response has been returned and its failure must never
// fail or block the caller — a publish error is only logged.
func (m *Mirror) SyncAfterTrade(addr chain.Address) {
	if m.queue == nil {
		// No queue configured (tests, single-process dev): resync inline
		// on a detached context so the caller still never blocks.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := m.SyncPool(ctx, addr); err != nil {
				m.log.Warn().Err(err).Str("pool", addr.String()).Msg("post-trade resync failed")
			}
		}()
		return
	}

	if err := m.queue.Publish(context.Background(), addr); err != nil {
		m.log.Warn().Err(err).Str("pool", addr.String()).Msg("post-trade resync publish failed")
		if m.metrics != nil {
			m.metrics.ResyncPublishDrops.Inc()
		}
	}
}

// SyncAfterDeployment blocks until the freshly deployed pool is
// mirrored, retrying with exponential backoff. Returns the last error
// when all retries exhaust; callers treat exhaustion as a reportable
// failure, not a silent give-up.
func (m *Mirror) SyncAfterDeployment(ctx context.Context, addr chain.Address, maxRetries int) (*PoolSnapshot, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			if m.metrics != nil {
				m.metrics.SyncRetries.Inc()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		snap, err := m.SyncPool(ctx, addr)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		m.log.Warn().Err(err).
			Str("pool", addr.String()).
			Int("attempt", attempt).
			Int("max_retries", maxRetries).
			Msg("post-deployment sync attempt failed")
	}

	return nil, fmt.Errorf("sync after deployment exhausted %d attempts: %w", maxRetries, lastErr)
}

// backoffDelay returns the pre-attempt delay: min(1000 * 2^(attempt-2),
// 5000) ms before attempt 2, 3, ... (attempt 1 runs immediately).
func backoffDelay(attempt int) time.Duration {
	d := 1000 * time.Millisecond << (attempt - 2)
	if max := 5000 * time.Millisecond; d > max {
		d = max
	}
	return d
}

// RecoverOrphanedPool repairs a pool that is confirmed on-chain but
// absent from the mirror (crash between chain submission and the
// database write). Concurrent recovery attempts for the same pool
// converge: exactly one inserts, the other observes AlreadyRecorded.
func (m *Mirror) RecoverOrphanedPool(ctx context.Context, postID string, addr chain.Address) (RecoveryOutcome, *PoolSnapshot, error) {
	acct, err := m.fetcher.FetchPoolAccount(ctx, addr)
	if err != nil {
		m.countRecovery("error")
		return 0, nil, &SyncError{Op: "recover fetch " + addr.String(), Err: err}
	}

	if !acct.VaultInitialized() {
		m.countRecovery("vault_uninitialized")
		return 0, nil, fmt.Errorf("pool %s post %s: %w", addr, postID, ErrOrphanVaultUninitialized)
	}

	snap := SnapshotFromAccount(acct, time.Now().UTC())
	snap.PostID = &postID

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO pools
			(pool_address, post_id, s_long, s_short, sqrt_price_long_x96, sqrt_price_short_x96,
			 r_long, r_short, vault_balance, current_epoch, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pool_address) DO NOTHING
	`, snap.PoolAddress, snap.PostID, snap.SLong, snap.SShort,
		snap.SqrtPriceLongX96, snap.SqrtPriceShortX96,
		snap.RLong, snap.RShort, snap.VaultBalance, snap.CurrentEpoch, snap.LastSyncedAt)
	if err != nil {
		// ON CONFLICT swallows the duplicate key, but a concurrent
		// recovery can still surface 23505 through a partial index or
		// FK race; treat it as the row already existing.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			m.countRecovery("already_recorded")
			return RecoveryAlreadyRecorded, &snap, nil
		}
		m.countRecovery("error")
		return 0, nil, &SyncError{Op: "recover insert " + addr.String(), Err: err}
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		m.countRecovery("error")
		return 0, nil, &SyncError{Op: "recover insert " + addr.String(), Err: err}
	}

	if inserted == 0 {
		m.countRecovery("already_recorded")
		m.log.Info().Str("pool", addr.String()).Str("post_id", postID).Msg("orphan recovery: row already recorded")
		return RecoveryAlreadyRecorded, &snap, nil
	}

	m.countRecovery("recovered")
	m.log.Info().Str("pool", addr.String()).Str("post_id", postID).Msg("orphan recovery: pool row inserted")
	return RecoveryRecovered, &snap, nil
}

// upsert writes the snapshot, guarding epoch monotonicity in SQL: the
// conflict update only applies when the incoming epoch is not older.
func (m *Mirror) upsert(ctx context.Context, snap *PoolSnapshot) error {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO pools
			(pool_address, s_long, s_short, sqrt_price_long_x96, sqrt_price_short_x96,
			 r_long, r_short, vault_balance, current_epoch, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pool_address) DO UPDATE SET
			s_long = EXCLUDED.s_long,
			s_short = EXCLUDED.s_short,
			sqrt_price_long_x96 = EXCLUDED.sqrt_price_long_x96,
			sqrt_price_short_x96 = EXCLUDED.sqrt_price_short_x96,
			r_long = EXCLUDED.r_long,
			r_short = EXCLUDED.r_short,
			vault_balance = EXCLUDED.vault_balance,
			current_epoch = EXCLUDED.current_epoch,
			last_synced_at = EXCLUDED.last_synced_at
		WHERE pools.current_epoch <= EXCLUDED.current_epoch
	`, snap.PoolAddress, snap.SLong, snap.SShort,
		snap.SqrtPriceLongX96, snap.SqrtPriceShortX96,
		snap.RLong, snap.RShort, snap.VaultBalance, snap.CurrentEpoch, snap.LastSyncedAt)
	if err != nil {
		return &SyncError{Op: "upsert " + snap.PoolAddress, Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return &SyncError{Op: "upsert " + snap.PoolAddress, Err: err}
	}
	if n == 0 {
		return fmt.Errorf("pool %s epoch %d: %w", snap.PoolAddress, snap.CurrentEpoch, ErrEpochRegression)
	}
	return nil
}

// GetPool loads the mirrored row; sql.ErrNoRows passes through so the
// caller can distinguish "never synced" from failure.
func (m *Mirror) GetPool(ctx context.Context, addr chain.Address) (*PoolSnapshot, error) {
	var snap PoolSnapshot
	err := m.db.QueryRowContext(ctx, `
		SELECT pool_address, post_id, s_long, s_short,
		       sqrt_price_long_x96, sqrt_price_short_x96,
		       r_long, r_short, vault_balance, current_epoch, last_synced_at
		FROM pools WHERE pool_address = $1
	`, addr.String()).Scan(
		&snap.PoolAddress, &snap.PostID, &snap.SLong, &snap.SShort,
		&snap.SqrtPriceLongX96, &snap.SqrtPriceShortX96,
		&snap.RLong, &snap.RShort, &snap.VaultBalance, &snap.CurrentEpoch, &snap.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *Mirror) countSync(result string) {
	if m.metrics != nil {
		m.metrics.SyncTotal.WithLabelValues(result).Inc()
	}
}

func (m *Mirror) countRecovery(outcome string) {
	if m.metrics != nil {
		m.metrics.RecoveryOutcomes.WithLabelValues(outcome).Inc()
	}
}
