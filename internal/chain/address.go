// Package chain holds the collaborator surfaces toward the authoritative
// ledger: typed decoding of the bonding-curve pool account, the
// interfaces the mirror and relay consume to fetch accounts and submit
// transactions, and the JSON-RPC client implementing them.
package chain

import (
	"encoding/hex"
	"fmt"
)

// Address is a raw 32-byte ledger account identifier.
type Address [32]byte

// zeroAddress is the placeholder used before a vault is initialized.
var zeroAddress Address

// String renders the address as lowercase hex. The mirror uses this form
// as the pool_address key.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the all-zero placeholder.
func (a Address) IsZero() bool {
	return a == zeroAddress
}

// ParseAddress parses the hex form produced by String.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address: %w", err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("parse address: got %d bytes, want %d", len(raw), len(a))
	}
	copy(a[:], raw)
	return a, nil
}

// AddressFromBytes copies a raw 32-byte identifier (e.g. the pool field
// of a settlement record) into an Address.
func AddressFromBytes(b [32]byte) Address {
	return Address(b)
}
