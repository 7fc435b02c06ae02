// Package pricing converts on-chain fixed-point encodings into display
// prices and derives bonding-curve LONG/SHORT prices from token supplies.
//
// All intermediate arithmetic stays in big.Int; values only become
// shopspring decimals at the final step, so repeated conversions cannot
// accumulate float rounding drift. Every function is pure — no I/O, no
// clocks, no globals — so the package can be fuzz-tested in isolation.
package pricing

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// MillionthsScale is the fixed-point scale shared with the on-chain
// program: 1_000_000 represents 1.0.
const MillionthsScale = 1_000_000

var (
	// ErrNilSqrtPrice is returned when the Q96 input is missing.
	ErrNilSqrtPrice = errors.New("pricing: sqrt price is nil")

	// ErrNegativeSqrtPrice is returned for a negative Q96 input. The
	// encoding is unsigned; a negative value means the caller
	// misinterpreted the account bytes.
	ErrNegativeSqrtPrice = errors.New("pricing: sqrt price is negative")

	// ErrNegativeSupply is returned when a token supply is negative.
	ErrNegativeSupply = errors.New("pricing: token supply is negative")
)

// q96 = 2^96, the denominator of the Q96 sqrt-price encoding.
var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// displayPrecision bounds the digits produced at the decimal boundary.
// Millionths precision plus headroom for display rounding.
const displayPrecision = 12

// PriceFromSqrtX96 computes (sqrtPriceX96 / 2^96)^2 as a display decimal.
//
// The square is taken in integer space first — (x^2) / (2^192) — so the
// only precision loss is the final decimal division. Converting to a
// float before squaring loses low bits for realistic pool prices.
func PriceFromSqrtX96(sqrtPriceX96 *big.Int) (decimal.Decimal, error) {
	if sqrtPriceX96 == nil {
		return decimal.Zero, ErrNilSqrtPrice
	}
	if sqrtPriceX96.Sign() < 0 {
		return decimal.Zero, ErrNegativeSqrtPrice
	}

	num := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	den := new(big.Int).Mul(q96, q96)

	return ratioToDecimal(num, den), nil
}

// LongPrice returns the bonding-curve price of the LONG token for the
// given supplies (integer micro-units). Prices follow supply share, so
// LongPrice + ShortPrice == 1 by construction. An empty pool (both
// supplies zero) prices both sides at 0.5.
func LongPrice(sLong, sShort int64) (decimal.Decimal, error) {
	num, den, err := supplyShare(sLong, sShort)
	if err != nil {
		return decimal.Zero, err
	}
	return ratioToDecimal(num, den), nil
}

// ShortPrice returns the bonding-curve price of the SHORT token. See
// LongPrice for the empty-pool convention.
func ShortPrice(sLong, sShort int64) (decimal.Decimal, error) {
	num, den, err := supplyShare(sShort, sLong)
	if err != nil {
		return decimal.Zero, err
	}
	return ratioToDecimal(num, den), nil
}

// MarketPrediction returns the market-implied probability that the
// belief resolves relevant, derived from current supplies. Display only:
// settlement always uses the ledger's own bd_score, never this value.
func MarketPrediction(sLong, sShort int64) (decimal.Decimal, error) {
	return LongPrice(sLong, sShort)
}

// MarketPredictionMillionths is MarketPrediction in fixed-point
// millionths, rounded half-up, for storage and API payloads.
func MarketPredictionMillionths(sLong, sShort int64) (int64, error) {
	num, den, err := supplyShare(sLong, sShort)
	if err != nil {
		return 0, err
	}
	return ratioToMillionths(num, den), nil
}

// LongPriceMillionths returns LongPrice in fixed-point millionths.
func LongPriceMillionths(sLong, sShort int64) (int64, error) {
	return MarketPredictionMillionths(sLong, sShort)
}

// ShortPriceMillionths returns ShortPrice in fixed-point millionths.
func ShortPriceMillionths(sLong, sShort int64) (int64, error) {
	num, den, err := supplyShare(sShort, sLong)
	if err != nil {
		return 0, err
	}
	return ratioToMillionths(num, den), nil
}

// supplyShare returns (side, sLong+sShort) as big.Ints, with the
// empty-pool case mapped to 1/2.
func supplyShare(side, other int64) (num, den *big.Int, err error) {
	if side < 0 || other < 0 {
		return nil, nil, ErrNegativeSupply
	}
	if side == 0 && other == 0 {
		return big.NewInt(1), big.NewInt(2), nil
	}
	num = big.NewInt(side)
	den = new(big.Int).Add(big.NewInt(side), big.NewInt(other))
	return num, den, nil
}

// ratioToDecimal divides num/den producing a display decimal. den must
// be positive; callers guarantee this.
func ratioToDecimal(num, den *big.Int) decimal.Decimal {
	n := decimal.NewFromBigInt(num, 0)
	d := decimal.NewFromBigInt(den, 0)
	return n.DivRound(d, displayPrecision)
}

// ratioToMillionths divides num/den into fixed-point millionths with
// half-up rounding, all in integer space.
func ratioToMillionths(num, den *big.Int) int64 {
	scaled := new(big.Int).Mul(num, big.NewInt(MillionthsScale))
	q, r := new(big.Int).QuoRem(scaled, den, new(big.Int))

	// Half-up: bump when 2*remainder >= denominator.
	r.Lsh(r, 1)
	if r.CmpAbs(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}
