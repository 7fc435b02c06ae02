package chain

import (
	"context"
	"errors"
)

// ErrAccountNotFound is returned by AccountFetcher implementations when
// the address has no account on the ledger.
var ErrAccountNotFound = errors.New("chain: account not found")

// Signature identifies a submitted transaction on the ledger.
type Signature string

// Slot is the ledger slot a transaction was confirmed in.
type Slot uint64

// AccountFetcher fetches the authoritative pool account by address.
// Implementations wrap the ledger RPC endpoint; tests substitute fakes.
type AccountFetcher interface {
	FetchPoolAccount(ctx context.Context, addr Address) (*PoolAccount, error)
}

// Submitter submits raw signed transaction bytes and awaits
// confirmation. Submit and AwaitConfirmation are split because a
// confirmation timeout is not a submission failure — the transaction may
// still land.
type Submitter interface {
	Submit(ctx context.Context, rawTx []byte) (Signature, error)

	// AwaitConfirmation blocks until the transaction confirms, the
	// context expires, or the ledger reports on-chain execution failure.
	AwaitConfirmation(ctx context.Context, sig Signature) (Slot, error)
}

// ExecutionError reports a transaction that landed on the ledger but
// whose program returned an error. The signature is public record even
// though the transaction had no economic effect.
type ExecutionError struct {
	Signature Signature
	Slot      Slot
	Cause     string
}

func (e *ExecutionError) Error() string {
	return "transaction " + string(e.Signature) + " failed on-chain: " + e.Cause
}
