package mirror_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/mirror"
	"BeliefLedger/internal/observability"
	"BeliefLedger/internal/testutil"

	"github.com/rs/zerolog"
)

// fakeFetcher serves a programmable pool account.
type fakeFetcher struct {
	mu    sync.Mutex
	accts map[chain.Address]*chain.PoolAccount
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{accts: make(map[chain.Address]*chain.PoolAccount)}
}

func (f *fakeFetcher) set(acct *chain.PoolAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accts[acct.Address] = acct
}

func (f *fakeFetcher) FetchPoolAccount(_ context.Context, addr chain.Address) (*chain.PoolAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.accts[addr]
	if !ok {
		return nil, chain.ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func testAccount(addr chain.Address, epoch uint32) *chain.PoolAccount {
	var vault chain.Address
	vault[31] = 0x7f
	return &chain.PoolAccount{
		Address:           addr,
		Vault:             vault,
		SLong:             4_000_000_000,
		SShort:            4_000_000_000,
		RLong:             9_000_000_000,
		RShort:            9_000_000_000,
		VaultBalance:      18_000_000_000,
		SqrtPriceLongX96:  new(big.Int).Lsh(big.NewInt(1), 96),
		SqrtPriceShortX96: new(big.Int).Lsh(big.NewInt(1), 96),
		CurrentEpoch:      epoch,
	}
}

func newTestMirror(t *testing.T) (*mirror.Mirror, *fakeFetcher, func()) {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	fetcher := newFakeFetcher()
	log := observability.NewLoggerWithLevel("mirror-test", zerolog.ErrorLevel)
	m := mirror.NewMirror(db, fetcher, nil, log, nil)
	return m, fetcher, cleanup
}

func TestSyncPoolIdempotent(t *testing.T) {
	m, fetcher, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x11
	fetcher.set(testAccount(addr, 3))

	ctx := context.Background()

	first, err := m.SyncPool(ctx, addr)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	second, err := m.SyncPool(ctx, addr)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	// Rows identical except the sync timestamp.
	a, b := *first, *second
	a.LastSyncedAt, b.LastSyncedAt = time.Time{}, time.Time{}
	if a != b {
		t.Errorf("repeated sync changed row:\n first=%+v\nsecond=%+v", a, b)
	}
	if !second.LastSyncedAt.After(first.LastSyncedAt) {
		t.Errorf("last_synced_at did not advance: %v vs %v", first.LastSyncedAt, second.LastSyncedAt)
	}

	stored, err := m.GetPool(ctx, addr)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if stored.CurrentEpoch != 3 || stored.SLong != 4_000_000 {
		t.Errorf("stored row: %+v", stored)
	}
}

func TestSyncPoolRefusesEpochRegression(t *testing.T) {
	m, fetcher, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x22

	ctx := context.Background()

	fetcher.set(testAccount(addr, 8))
	if _, err := m.SyncPool(ctx, addr); err != nil {
		t.Fatalf("sync epoch 8: %v", err)
	}

	// A raced fetch observing epoch 7 must not overwrite epoch 8.
	fetcher.set(testAccount(addr, 7))
	_, err := m.SyncPool(ctx, addr)
	if err == nil {
		t.Fatal("expected epoch regression error")
	}

	stored, err := m.GetPool(ctx, addr)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if stored.CurrentEpoch != 8 {
		t.Errorf("epoch regressed in store: got %d, want 8", stored.CurrentEpoch)
	}
}

func TestRecoverOrphanedPoolRace(t *testing.T) {
	m, fetcher, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x33
	fetcher.set(testAccount(addr, 1))

	ctx := context.Background()

	outcomes := make([]mirror.RecoveryOutcome, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _, errs[i] = m.RecoverOrphanedPool(ctx, "post-33", addr)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("recovery %d failed: %v", i, err)
		}
	}

	recovered, already := 0, 0
	for _, o := range outcomes {
		switch o {
		case mirror.RecoveryRecovered:
			recovered++
		case mirror.RecoveryAlreadyRecorded:
			already++
		}
	}
	if recovered != 1 || already != 1 {
		t.Errorf("outcomes: recovered=%d already=%d, want 1/1", recovered, already)
	}

	if _, err := m.GetPool(ctx, addr); err != nil {
		t.Fatalf("pool row missing after recovery: %v", err)
	}
}

func TestRecoverOrphanedPoolRejectsUninitializedVault(t *testing.T) {
	m, fetcher, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x44

	acct := testAccount(addr, 0)
	acct.Vault = chain.Address{} // placeholder vault
	fetcher.set(acct)

	_, _, err := m.RecoverOrphanedPool(context.Background(), "post-44", addr)
	if err == nil {
		t.Fatal("expected rejection for uninitialized vault")
	}
}

func TestSyncAfterDeploymentRetriesThenSucceeds(t *testing.T) {
	m, fetcher, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x55

	// Account appears only after the first attempt has failed,
	// simulating RPC propagation delay after deployment.
	go func() {
		time.Sleep(200 * time.Millisecond)
		fetcher.set(testAccount(addr, 0))
	}()

	snap, err := m.SyncAfterDeployment(context.Background(), addr, 3)
	if err != nil {
		t.Fatalf("sync after deployment: %v", err)
	}
	if snap.CurrentEpoch != 0 {
		t.Errorf("epoch: got %d", snap.CurrentEpoch)
	}
}

func TestSyncAfterDeploymentExhaustsRetries(t *testing.T) {
	m, _, cleanup := newTestMirror(t)
	defer cleanup()

	var addr chain.Address
	addr[0] = 0x66 // never registered with the fetcher

	_, err := m.SyncAfterDeployment(context.Background(), addr, 2)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
}
