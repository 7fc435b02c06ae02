package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/observability"

	"github.com/rs/zerolog"
)

// fakeSubmitter scripts submission and confirmation behavior.
type fakeSubmitter struct {
	submitErr  error
	confirmErr error
	blockUntil time.Duration // AwaitConfirmation blocks this long first
	slot       chain.Slot

	submitted []byte
}

func (f *fakeSubmitter) Submit(_ context.Context, rawTx []byte) (chain.Signature, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append([]byte(nil), rawTx...)
	return "sig-abc123", nil
}

func (f *fakeSubmitter) AwaitConfirmation(ctx context.Context, _ chain.Signature) (chain.Slot, error) {
	if f.blockUntil > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(f.blockUntil):
		}
	}
	if f.confirmErr != nil {
		return 0, f.confirmErr
	}
	return f.slot, nil
}

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

// userSignedTx builds a two-slot envelope with the user's signature in
// slot 0 and slot 1 open for the protocol authority.
func userSignedTx(t *testing.T, message []byte) []byte {
	t.Helper()
	_, userKey := testKeys(t)

	tx := &Transaction{
		Signatures: [][]byte{
			ed25519.Sign(userKey, message),
			make([]byte, signatureSize),
		},
		Message: message,
	}
	return tx.Serialize()
}

func newTestRelay(sub chain.Submitter, authority ed25519.PrivateKey, timeout time.Duration) *Relay {
	log := observability.NewLoggerWithLevel("relay-test", zerolog.Disabled)
	return NewRelay(sub, authority, timeout, log, nil)
}

func TestDeserializeTransactionRejectsDefects(t *testing.T) {
	valid := userSignedTx(t, []byte("settle pool 7"))

	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"zero slots", []byte{0, 1, 2}},
		{"too many slots", append([]byte{maxSignatures + 1}, make([]byte, 1024)...)},
		{"truncated signatures", valid[:40]},
		{"empty message", valid[:1+2*signatureSize]},
		{"unsigned", func() []byte {
			raw := append([]byte(nil), valid...)
			for i := 1; i < 1+2*signatureSize; i++ {
				raw[i] = 0
			}
			return raw
		}()},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := DeserializeTransaction(c.raw)
			var de *DeserializeError
			if !errors.As(err, &de) {
				t.Errorf("got %v, want DeserializeError", err)
			}
		})
	}
}

func TestTransactionSerializeRoundTrip(t *testing.T) {
	raw := userSignedTx(t, []byte("withdraw 500"))

	tx, err := DeserializeTransaction(raw)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if tx.FullySigned() {
		t.Error("open slot reported as signed")
	}
	if !bytes.Equal(tx.Serialize(), raw) {
		t.Error("serialize is not the inverse of deserialize")
	}
}

func TestExecuteSettlementConfirmed(t *testing.T) {
	_, authority := testKeys(t)
	sub := &fakeSubmitter{slot: 12345}
	r := newTestRelay(sub, authority, time.Second)

	message := []byte("settle pool 7 epoch 3")
	outcome, err := r.ExecuteSettlement(context.Background(), userSignedTx(t, message))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != StatusConfirmed || !outcome.Confirmed() {
		t.Errorf("outcome: %+v", outcome)
	}
	if outcome.Signature != "sig-abc123" || outcome.Slot != 12345 {
		t.Errorf("outcome: %+v", outcome)
	}
	if outcome.Kind != KindSettlement {
		t.Errorf("kind: %s", outcome.Kind)
	}

	// The submitted bytes carry the authority's signature over the
	// original message.
	signed, err := DeserializeTransaction(sub.submitted)
	if err != nil {
		t.Fatalf("deserialize submitted: %v", err)
	}
	if !signed.FullySigned() {
		t.Error("submitted transaction has an open slot")
	}
	authorityPub := authority.Public().(ed25519.PublicKey)
	if !ed25519.Verify(authorityPub, message, signed.Signatures[1]) {
		t.Error("authority signature does not verify")
	}
}

func TestExecuteRejectsMalformedBytes(t *testing.T) {
	_, authority := testKeys(t)
	r := newTestRelay(&fakeSubmitter{}, authority, time.Second)

	outcome, err := r.ExecuteSettlement(context.Background(), []byte{9, 9})
	var de *DeserializeError
	if !errors.As(err, &de) {
		t.Fatalf("got %v, want DeserializeError", err)
	}
	if outcome.Status != StatusFailed {
		t.Errorf("status: %s", outcome.Status)
	}
}

func TestExecuteCoSignFailures(t *testing.T) {
	raw := userSignedTx(t, []byte("settle"))

	// Missing authority key is a server configuration error.
	r := newTestRelay(&fakeSubmitter{}, nil, time.Second)
	_, err := r.ExecuteSettlement(context.Background(), raw)
	var ce *CoSignError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CoSignError", err)
	}

	// A transaction with no open slot cannot be co-signed.
	_, authority := testKeys(t)
	tx, _ := DeserializeTransaction(raw)
	if err := tx.Sign(authority); err != nil {
		t.Fatalf("fill slot: %v", err)
	}
	r = newTestRelay(&fakeSubmitter{}, authority, time.Second)
	_, err = r.ExecuteSettlement(context.Background(), tx.Serialize())
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want CoSignError", err)
	}
}

func TestExecuteClassifiesSubmissionErrors(t *testing.T) {
	_, authority := testKeys(t)
	raw := userSignedTx(t, []byte("settle"))

	cases := []struct {
		name      string
		submitErr error
		want      error
	}{
		{"fee funds", errors.New("Transaction simulation failed: insufficient funds for fee"), ErrInsufficientFeeFunds},
		{"expired", errors.New("Blockhash not found"), ErrTransactionExpired},
		{"cooldown", errors.New("custom program error: settlement cooldown not elapsed"), ErrSettlementCooldown},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := newTestRelay(&fakeSubmitter{submitErr: c.submitErr}, authority, time.Second)
			outcome, err := r.ExecuteSettlement(context.Background(), raw)
			if !errors.Is(err, c.want) {
				t.Errorf("got %v, want %v", err, c.want)
			}
			if outcome.Status != StatusFailed {
				t.Errorf("status: %s", outcome.Status)
			}
		})
	}

	// Anything unrecognized passes through with its message intact.
	opaque := errors.New("node is behind by 237 slots")
	r := newTestRelay(&fakeSubmitter{submitErr: opaque}, authority, time.Second)
	_, err := r.ExecuteSettlement(context.Background(), raw)
	var se *SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want SubmissionError", err)
	}
	if !errors.Is(err, opaque) {
		t.Error("underlying cause lost")
	}
}

func TestExecuteConfirmationTimeoutIsPending(t *testing.T) {
	_, authority := testKeys(t)
	sub := &fakeSubmitter{blockUntil: time.Minute}
	r := newTestRelay(sub, authority, 50*time.Millisecond)

	outcome, err := r.ExecuteWithdrawal(context.Background(), userSignedTx(t, []byte("withdraw")))
	if err != nil {
		t.Fatalf("timeout surfaced as error: %v", err)
	}
	if outcome.Status != StatusTimedOut || !outcome.Pending() {
		t.Errorf("outcome: %+v", outcome)
	}
	if outcome.Signature == "" {
		t.Error("signature missing from pending outcome")
	}
}

func TestExecuteOnChainFailureCarriesSignature(t *testing.T) {
	_, authority := testKeys(t)
	sub := &fakeSubmitter{confirmErr: &chain.ExecutionError{
		Signature: "sig-abc123",
		Slot:      900,
		Cause:     "custom program error: 0x1771",
	}}
	r := newTestRelay(sub, authority, time.Second)

	outcome, err := r.ExecuteSettlement(context.Background(), userSignedTx(t, []byte("settle")))
	var execErr *chain.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("got %v, want ExecutionError", err)
	}
	if execErr.Signature != "sig-abc123" {
		t.Errorf("signature: %s", execErr.Signature)
	}
	if outcome.Status != StatusFailed || outcome.Slot != 900 {
		t.Errorf("outcome: %+v", outcome)
	}
}
