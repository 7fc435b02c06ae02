// Package event encodes and decodes the binary settlement records emitted
// by the authoritative bonding-curve program at epoch boundaries.
//
// The record layout is owned by the on-chain program and changes over
// time, so it is expressed here as a versioned, data-driven description
// (field name -> offset/width) rather than hard-coded struct offsets. A
// layout revision is a data update, not a decoder rewrite.
package event

import (
	"fmt"
	"sort"
)

// Field describes one fixed-position field in a binary record. Width is
// the encoded width in bytes; alignment padding shows up as gaps between
// consecutive fields, never inside one.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// Layout is a versioned description of a fixed-size binary record.
type Layout struct {
	Version int
	Size    int
	Fields  []Field
}

// Settlement record field names, shared between the layout description
// and the codec.
const (
	FieldDiscriminator = "discriminator"
	FieldPool          = "pool"
	FieldEpoch         = "epoch"
	FieldBDScore       = "bd_score_millionths"
	FieldRLongBefore   = "r_long_before"
	FieldRShortBefore  = "r_short_before"
	FieldRLongAfter    = "r_long_after"
	FieldRShortAfter   = "r_short_after"
	FieldFLong         = "f_long_millionths"
	FieldFShort        = "f_short_millionths"
	FieldQ             = "q_millionths"
)

// SettlementLayoutV1 is the current on-chain settlement record layout.
// u32 fields occupy 8-byte slots (4 bytes value + 4 bytes alignment pad);
// the pad is the gap to the next field's offset.
var SettlementLayoutV1 = Layout{
	Version: 1,
	Size:    112,
	Fields: []Field{
		{Name: FieldDiscriminator, Offset: 0, Width: 8},
		{Name: FieldPool, Offset: 8, Width: 32},
		{Name: FieldEpoch, Offset: 40, Width: 4},
		{Name: FieldBDScore, Offset: 48, Width: 4},
		{Name: FieldRLongBefore, Offset: 56, Width: 8},
		{Name: FieldRShortBefore, Offset: 64, Width: 8},
		{Name: FieldRLongAfter, Offset: 72, Width: 8},
		{Name: FieldRShortAfter, Offset: 80, Width: 8},
		{Name: FieldFLong, Offset: 88, Width: 4},
		{Name: FieldFShort, Offset: 96, Width: 4},
		{Name: FieldQ, Offset: 104, Width: 4},
	},
}

// Validate checks the layout for overlapping or out-of-bounds fields and
// duplicate names. Called once at package init; a broken description is
// a programming error, not a runtime condition.
func (l Layout) Validate() error {
	seen := make(map[string]bool, len(l.Fields))
	fields := make([]Field, len(l.Fields))
	copy(fields, l.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Offset < fields[j].Offset })

	prevEnd := 0
	for _, f := range fields {
		if seen[f.Name] {
			return fmt.Errorf("layout v%d: duplicate field %q", l.Version, f.Name)
		}
		seen[f.Name] = true

		if f.Width <= 0 {
			return fmt.Errorf("layout v%d: field %q has width %d", l.Version, f.Name, f.Width)
		}
		if f.Offset < prevEnd {
			return fmt.Errorf("layout v%d: field %q at offset %d overlaps previous field", l.Version, f.Name, f.Offset)
		}
		if f.Offset+f.Width > l.Size {
			return fmt.Errorf("layout v%d: field %q exceeds record size %d", l.Version, f.Name, l.Size)
		}
		prevEnd = f.Offset + f.Width
	}
	return nil
}

// Field returns the named field description.
func (l Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// mustField panics on a missing field. Only used against validated
// layouts whose field sets are fixed at compile time.
func (l Layout) mustField(name string) Field {
	f, ok := l.Field(name)
	if !ok {
		panic(fmt.Sprintf("layout v%d: missing field %q", l.Version, name))
	}
	return f
}

func init() {
	if err := SettlementLayoutV1.Validate(); err != nil {
		panic(err)
	}
}
