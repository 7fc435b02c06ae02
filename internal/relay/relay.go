// Package relay co-signs user-signed settlement and withdrawal
// transactions with the protocol authority key, submits them to the
// ledger, and waits a bounded time for confirmation. Each request walks
// a small state machine; the state reached is recorded on the outcome
// so callers and operators can tell a rejected transaction from one
// that is merely still in flight.
package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the furthest state a relay request reached.
type Status string

const (
	StatusReceived     Status = "received"
	StatusDeserialized Status = "deserialized"
	StatusCoSigned     Status = "co_signed"
	StatusSubmitted    Status = "submitted"
	StatusConfirmed    Status = "confirmed"
	StatusFailed       Status = "failed"

	// StatusTimedOut: submitted, confirmation wait expired. The
	// transaction may still land; the caller should poll by signature.
	// This is a 202-style outcome, not a failure.
	StatusTimedOut Status = "timed_out"
)

// RequestKind labels the operation being relayed.
type RequestKind string

const (
	KindSettlement RequestKind = "settlement"
	KindWithdrawal RequestKind = "withdrawal"
)

var (
	// ErrInsufficientFeeFunds: the fee payer cannot cover the network fee.
	ErrInsufficientFeeFunds = errors.New("relay: insufficient funds for transaction fee")

	// ErrTransactionExpired: the reference blockhash is stale; the
	// transaction must be rebuilt and re-signed.
	ErrTransactionExpired = errors.New("relay: transaction expired, rebuild and retry")

	// ErrSettlementCooldown: the ledger rejected the settlement because
	// the pool's cooldown window since its last settlement has not
	// elapsed. Deterministic, retryable after the window passes.
	ErrSettlementCooldown = errors.New("relay: settlement cooldown active for this pool")
)

// DeserializeError reports malformed transaction bytes. Terminal, and a
// client error: nothing on the server side can repair the payload.
type DeserializeError struct {
	Reason string
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("relay: malformed transaction: %s", e.Reason)
}

// CoSignError reports a failure to apply the protocol authority
// signature. Terminal, and a server configuration error.
type CoSignError struct {
	Reason string
}

func (e *CoSignError) Error() string {
	return fmt.Sprintf("relay: co-signing failed: %s", e.Reason)
}

// SubmissionError passes an unclassified submission failure through
// with the underlying message intact.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("relay: submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Outcome is the result of one relay request. Signature is set from
// StatusSubmitted onward; Slot only when confirmed.
type Outcome struct {
	RequestID uuid.UUID
	Kind      RequestKind
	Status    Status
	Signature chain.Signature
	Slot      chain.Slot
}

// Confirmed reports whether the transaction is known to have landed
// and executed successfully.
func (o Outcome) Confirmed() bool { return o.Status == StatusConfirmed }

// Pending reports the ambiguous case: submitted, outcome unknown.
func (o Outcome) Pending() bool { return o.Status == StatusTimedOut }

// Relay drives settlement and withdrawal transactions through
// co-signing, submission and confirmation.
type Relay struct {
	submitter      chain.Submitter
	authority      ed25519.PrivateKey
	confirmTimeout time.Duration
	log            zerolog.Logger
	metrics        *observability.Metrics
}

// DefaultConfirmTimeout bounds the single confirmation wait.
const DefaultConfirmTimeout = 30 * time.Second

func NewRelay(
	submitter chain.Submitter,
	authority ed25519.PrivateKey,
	confirmTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Relay {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Relay{
		submitter:      submitter,
		authority:      authority,
		confirmTimeout: confirmTimeout,
		log:            log,
		metrics:        metrics,
	}
}

// ExecuteSettlement relays a user-cosigned settlement transaction.
func (r *Relay) ExecuteSettlement(ctx context.Context, rawTx []byte) (Outcome, error) {
	return r.execute(ctx, KindSettlement, rawTx)
}

// ExecuteWithdrawal relays a user-cosigned withdrawal transaction.
func (r *Relay) ExecuteWithdrawal(ctx context.Context, rawTx []byte) (Outcome, error) {
	return r.execute(ctx, KindWithdrawal, rawTx)
}

func (r *Relay) execute(ctx context.Context, kind RequestKind, rawTx []byte) (Outcome, error) {
	started := time.Now()
	outcome := Outcome{
		RequestID: uuid.New(),
		Kind:      kind,
		Status:    StatusReceived,
	}
	defer func() {
		r.observe(kind, outcome.Status, time.Since(started))
	}()

	log := r.log.With().
		Str("request_id", outcome.RequestID.String()).
		Str("kind", string(kind)).
		Logger()

	tx, err := DeserializeTransaction(rawTx)
	if err != nil {
		outcome.Status = StatusFailed
		log.Warn().Err(err).Msg("transaction rejected at deserialization")
		return outcome, err
	}
	outcome.Status = StatusDeserialized

	signed, err := r.coSign(tx)
	if err != nil {
		outcome.Status = StatusFailed
		log.Error().Err(err).Msg("co-signing failed")
		return outcome, err
	}
	outcome.Status = StatusCoSigned

	sig, err := r.submitter.Submit(ctx, signed)
	if err != nil {
		outcome.Status = StatusFailed
		classified := classifySubmission(err)
		log.Warn().Err(classified).Msg("submission rejected")
		return outcome, classified
	}
	outcome.Status = StatusSubmitted
	outcome.Signature = sig

	confirmCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	defer cancel()

	slot, err := r.submitter.AwaitConfirmation(confirmCtx, sig)
	if err != nil {
		var execErr *chain.ExecutionError
		if errors.As(err, &execErr) {
			// Landed but the program rejected it. The signature is
			// public record, so it rides along with the error.
			outcome.Status = StatusFailed
			outcome.Slot = execErr.Slot
			log.Warn().
				Str("signature", string(sig)).
				Str("cause", execErr.Cause).
				Msg("transaction failed on-chain")
			return outcome, execErr
		}

		// Timeout or transient confirmation trouble: the transaction
		// may still land, so this is reported as pending, not failure.
		outcome.Status = StatusTimedOut
		log.Info().
			Str("signature", string(sig)).
			Dur("waited", time.Since(started)).
			Err(err).
			Msg("confirmation wait expired, transaction still in flight")
		return outcome, nil
	}

	outcome.Status = StatusConfirmed
	outcome.Slot = slot
	log.Info().
		Str("signature", string(sig)).
		Uint64("slot", uint64(slot)).
		Msg("transaction confirmed")
	return outcome, nil
}

// coSign fills the protocol authority's signature slot and reserializes.
func (r *Relay) coSign(tx *Transaction) ([]byte, error) {
	if len(r.authority) != ed25519.PrivateKeySize {
		return nil, &CoSignError{Reason: "protocol authority key not configured"}
	}
	if err := tx.Sign(r.authority); err != nil {
		return nil, &CoSignError{Reason: err.Error()}
	}
	return tx.Serialize(), nil
}

// classifySubmission maps the causes the ledger is known to emit onto
// typed errors. Unknown causes pass through verbatim.
func classifySubmission(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", ErrInsufficientFeeFunds, err)
	case strings.Contains(msg, "blockhash not found"), strings.Contains(msg, "expired"):
		return fmt.Errorf("%w: %v", ErrTransactionExpired, err)
	case strings.Contains(msg, "cooldown"):
		return fmt.Errorf("%w: %v", ErrSettlementCooldown, err)
	default:
		return &SubmissionError{Err: err}
	}
}

func (r *Relay) observe(kind RequestKind, status Status, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RelayOutcomes.WithLabelValues(string(kind), string(status)).Inc()
	r.metrics.RelayDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}
