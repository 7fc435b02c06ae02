package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// PoolAccount is the typed view of the authoritative bonding-curve pool
// account. Supplies and reserves are native base units (1e9 per whole
// token / whole USD); sqrt prices are unsigned Q96 fixed point.
type PoolAccount struct {
	Address           Address
	Vault             Address
	SLong             uint64
	SShort            uint64
	RLong             uint64
	RShort            uint64
	VaultBalance      uint64
	SqrtPriceLongX96  *big.Int
	SqrtPriceShortX96 *big.Int
	CurrentEpoch      uint32
	BeliefWeightBps   uint32
}

// VaultInitialized reports whether the vault address has been set. A
// zero vault means the account was created but deployment never
// finished; the mirror must not record such a pool.
func (p *PoolAccount) VaultInitialized() bool {
	return !p.Vault.IsZero()
}

// poolAccountSize is the exact byte length of the account as laid out by
// the on-chain program. The schema is externally owned; a fetched
// account of any other size means the description here is out of date
// and decoding must fail loudly rather than misinterpret bytes.
const poolAccountSize = 136

// Pool account field offsets, little-endian. u32 fields occupy 8-byte
// slots (4 value + 4 alignment pad), matching the settlement record
// convention.
var poolAccountLayout = []struct {
	name   string
	offset int
	width  int
}{
	{"discriminator", 0, 8},
	{"vault", 8, 32},
	{"s_long", 40, 8},
	{"s_short", 48, 8},
	{"r_long", 56, 8},
	{"r_short", 64, 8},
	{"vault_balance", 72, 8},
	{"sqrt_price_long_x96", 80, 16},
	{"sqrt_price_short_x96", 96, 16},
	{"current_epoch", 112, 4},
	{"belief_weight_bps", 120, 4},
	{"reserved", 128, 8},
}

// AccountSizeError reports a fetched account whose byte length disagrees
// with the layout description.
type AccountSizeError struct {
	Address Address
	Got     int
	Want    int
}

func (e *AccountSizeError) Error() string {
	return fmt.Sprintf("pool account %s: size mismatch, got %d bytes, want %d (schema description stale?)",
		e.Address, e.Got, e.Want)
}

// DecodePoolAccount parses raw account bytes into a PoolAccount. The
// size check is strict in both directions.
func DecodePoolAccount(addr Address, data []byte) (*PoolAccount, error) {
	if len(data) != poolAccountSize {
		return nil, &AccountSizeError{Address: addr, Got: len(data), Want: poolAccountSize}
	}

	acct := &PoolAccount{Address: addr}
	for _, f := range poolAccountLayout {
		field := data[f.offset : f.offset+f.width]
		switch f.name {
		case "discriminator", "reserved":
			// opaque
		case "vault":
			copy(acct.Vault[:], field)
		case "s_long":
			acct.SLong = binary.LittleEndian.Uint64(field)
		case "s_short":
			acct.SShort = binary.LittleEndian.Uint64(field)
		case "r_long":
			acct.RLong = binary.LittleEndian.Uint64(field)
		case "r_short":
			acct.RShort = binary.LittleEndian.Uint64(field)
		case "vault_balance":
			acct.VaultBalance = binary.LittleEndian.Uint64(field)
		case "sqrt_price_long_x96":
			acct.SqrtPriceLongX96 = u128LE(field)
		case "sqrt_price_short_x96":
			acct.SqrtPriceShortX96 = u128LE(field)
		case "current_epoch":
			acct.CurrentEpoch = binary.LittleEndian.Uint32(field[:4])
		case "belief_weight_bps":
			acct.BeliefWeightBps = binary.LittleEndian.Uint32(field[:4])
		}
	}

	return acct, nil
}

// u128LE reads a 16-byte little-endian unsigned integer. big.Int wants
// big-endian, so the bytes are reversed into a scratch buffer.
func u128LE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}
