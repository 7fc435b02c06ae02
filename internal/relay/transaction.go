package relay

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Wire format of a relayed transaction: one byte holding the signature
// slot count, that many 64-byte signature slots, then the signed
// message. The builder leaves the protocol authority's slot zeroed; the
// user's slot arrives filled.
const (
	signatureSize = 64
	maxSignatures = 8
)

// Transaction is a partially signed transaction envelope.
type Transaction struct {
	Signatures [][]byte
	Message    []byte
}

// DeserializeTransaction parses and validates raw transaction bytes.
// Every defect is a *DeserializeError; no partially parsed transaction
// is ever returned.
func DeserializeTransaction(raw []byte) (*Transaction, error) {
	if len(raw) == 0 {
		return nil, &DeserializeError{Reason: "empty payload"}
	}

	count := int(raw[0])
	if count == 0 {
		return nil, &DeserializeError{Reason: "zero signature slots"}
	}
	if count > maxSignatures {
		return nil, &DeserializeError{Reason: fmt.Sprintf("%d signature slots exceeds maximum %d", count, maxSignatures)}
	}

	need := 1 + count*signatureSize
	if len(raw) <= need {
		return nil, &DeserializeError{Reason: fmt.Sprintf("truncated: %d bytes, need signatures plus a non-empty message", len(raw))}
	}

	tx := &Transaction{
		Signatures: make([][]byte, count),
		Message:    append([]byte(nil), raw[need:]...),
	}

	filled := 0
	for i := 0; i < count; i++ {
		slot := append([]byte(nil), raw[1+i*signatureSize:1+(i+1)*signatureSize]...)
		tx.Signatures[i] = slot
		if !isZeroSig(slot) {
			filled++
		}
	}

	// The user signs before the relay does. An envelope with no
	// signature at all was never authorized by anyone.
	if filled == 0 {
		return nil, &DeserializeError{Reason: "no signer has signed the transaction"}
	}

	return tx, nil
}

// Sign writes the key's signature over the message into the first open
// slot. Fails when every slot is already occupied.
func (tx *Transaction) Sign(key ed25519.PrivateKey) error {
	for i, slot := range tx.Signatures {
		if isZeroSig(slot) {
			tx.Signatures[i] = ed25519.Sign(key, tx.Message)
			return nil
		}
	}
	return errors.New("no open signature slot")
}

// FullySigned reports whether every slot holds a signature.
func (tx *Transaction) FullySigned() bool {
	for _, slot := range tx.Signatures {
		if isZeroSig(slot) {
			return false
		}
	}
	return true
}

// Serialize emits the wire form. Exact inverse of
// DeserializeTransaction for any valid envelope.
func (tx *Transaction) Serialize() []byte {
	out := make([]byte, 0, 1+len(tx.Signatures)*signatureSize+len(tx.Message))
	out = append(out, byte(len(tx.Signatures)))
	for _, slot := range tx.Signatures {
		out = append(out, slot...)
	}
	return append(out, tx.Message...)
}

func isZeroSig(sig []byte) bool {
	for _, b := range sig {
		if b != 0 {
			return false
		}
	}
	return true
}
