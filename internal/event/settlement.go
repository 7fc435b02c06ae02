package event

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// SettlementDiscriminator tags a settlement record. The decoder treats
// the value as opaque but refuses records carrying anything else.
var SettlementDiscriminator = [8]byte{0xd6, 0x21, 0x8b, 0x4e, 0x17, 0xa9, 0x3c, 0x52}

// MillionthsScale is the fixed-point scale of bd_score, f_long, f_short
// and q: 1_000_000 represents 1.0.
const MillionthsScale = 1_000_000

// SettlementRecord is the decoded view of one settlement event.
type SettlementRecord struct {
	Pool              [32]byte
	Epoch             uint32
	BDScoreMillionths uint32
	RLongBefore       uint64
	RShortBefore      uint64
	RLongAfter        uint64
	RShortAfter       uint64
	FLongMillionths   uint32
	FShortMillionths  uint32
	QMillionths       uint32
}

// MalformedEventError reports a buffer that cannot be a settlement
// record. Decoding never produces a partial record alongside it.
type MalformedEventError struct {
	Reason string
	Size   int
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed settlement event: %s (buffer size %d)", e.Reason, e.Size)
}

// IsMalformed reports whether err is a MalformedEventError.
func IsMalformed(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}

// ErrZeroReserves is returned when an implied-relevance denominator is
// zero. Callers must report it; the value is undefined, not 0.
var ErrZeroReserves = errors.New("event: implied relevance undefined, total reserve is zero")

// DecodeSettlement parses a settlement record using the given layout.
// It fails with MalformedEventError on a short buffer or an unexpected
// discriminator, without attempting a partial decode. Extra trailing
// bytes are tolerated (the ledger appends padding on some transports).
func DecodeSettlement(buf []byte, layout Layout) (*SettlementRecord, error) {
	if len(buf) < layout.Size {
		return nil, &MalformedEventError{
			Reason: fmt.Sprintf("buffer shorter than %d-byte record", layout.Size),
			Size:   len(buf),
		}
	}

	disc := layout.mustField(FieldDiscriminator)
	if !bytes.Equal(buf[disc.Offset:disc.Offset+disc.Width], SettlementDiscriminator[:]) {
		return nil, &MalformedEventError{Reason: "discriminator mismatch", Size: len(buf)}
	}

	rec := &SettlementRecord{
		Epoch:             readU32(buf, layout.mustField(FieldEpoch)),
		BDScoreMillionths: readU32(buf, layout.mustField(FieldBDScore)),
		RLongBefore:       readU64(buf, layout.mustField(FieldRLongBefore)),
		RShortBefore:      readU64(buf, layout.mustField(FieldRShortBefore)),
		RLongAfter:        readU64(buf, layout.mustField(FieldRLongAfter)),
		RShortAfter:       readU64(buf, layout.mustField(FieldRShortAfter)),
		FLongMillionths:   readU32(buf, layout.mustField(FieldFLong)),
		FShortMillionths:  readU32(buf, layout.mustField(FieldFShort)),
		QMillionths:       readU32(buf, layout.mustField(FieldQ)),
	}

	pool := layout.mustField(FieldPool)
	copy(rec.Pool[:], buf[pool.Offset:pool.Offset+pool.Width])

	if rec.BDScoreMillionths > MillionthsScale {
		return nil, &MalformedEventError{
			Reason: fmt.Sprintf("bd_score %d exceeds scale %d", rec.BDScoreMillionths, MillionthsScale),
			Size:   len(buf),
		}
	}

	return rec, nil
}

// EncodeSettlement is the exact inverse of DecodeSettlement:
// DecodeSettlement(EncodeSettlement(r)) == r for every valid record.
// Alignment padding encodes as zero bytes.
func EncodeSettlement(rec *SettlementRecord, layout Layout) []byte {
	buf := make([]byte, layout.Size)

	disc := layout.mustField(FieldDiscriminator)
	copy(buf[disc.Offset:], SettlementDiscriminator[:])

	pool := layout.mustField(FieldPool)
	copy(buf[pool.Offset:], rec.Pool[:])

	writeU32(buf, layout.mustField(FieldEpoch), rec.Epoch)
	writeU32(buf, layout.mustField(FieldBDScore), rec.BDScoreMillionths)
	writeU64(buf, layout.mustField(FieldRLongBefore), rec.RLongBefore)
	writeU64(buf, layout.mustField(FieldRShortBefore), rec.RShortBefore)
	writeU64(buf, layout.mustField(FieldRLongAfter), rec.RLongAfter)
	writeU64(buf, layout.mustField(FieldRShortAfter), rec.RShortAfter)
	writeU32(buf, layout.mustField(FieldFLong), rec.FLongMillionths)
	writeU32(buf, layout.mustField(FieldFShort), rec.FShortMillionths)
	writeU32(buf, layout.mustField(FieldQ), rec.QMillionths)

	return buf
}

// ImpliedRelevanceMillionths computes r_long / (r_long + r_short) in
// fixed-point millionths, rounded half-up. Undefined when both reserves
// are zero.
func ImpliedRelevanceMillionths(rLong, rShort uint64) (int64, error) {
	if rLong == 0 && rShort == 0 {
		return 0, ErrZeroReserves
	}

	// Widen before scaling; reserves are micro-USD u64 and both the sum
	// and the product with the millionths scale can exceed 64 bits.
	num := new(big.Int).SetUint64(rLong)
	num.Mul(num, big.NewInt(MillionthsScale))
	den := new(big.Int).SetUint64(rLong)
	den.Add(den, new(big.Int).SetUint64(rShort))

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	r.Lsh(r, 1)
	if r.Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64(), nil
}

// ImpliedBefore returns the pre-settlement implied relevance for audit
// logs.
func (r *SettlementRecord) ImpliedBefore() (int64, error) {
	return ImpliedRelevanceMillionths(r.RLongBefore, r.RShortBefore)
}

// ImpliedAfter returns the post-settlement implied relevance.
func (r *SettlementRecord) ImpliedAfter() (int64, error) {
	return ImpliedRelevanceMillionths(r.RLongAfter, r.RShortAfter)
}

func readU32(buf []byte, f Field) uint32 {
	return binary.LittleEndian.Uint32(buf[f.Offset : f.Offset+4])
}

func readU64(buf []byte, f Field) uint64 {
	return binary.LittleEndian.Uint64(buf[f.Offset : f.Offset+8])
}

func writeU32(buf []byte, f Field, v uint32) {
	binary.LittleEndian.PutUint32(buf[f.Offset:f.Offset+4], v)
}

func writeU64(buf []byte, f Field, v uint64) {
	binary.LittleEndian.PutUint64(buf[f.Offset:f.Offset+8], v)
}
