// Package fixedpoint implements the compact 32-bit price representation
// used on the wire and inside the matching engine.
//
// Layout: [4-bit tick power][28-bit mantissa]. The tick power is a base-10
// exponent in [-8, 7] stored biased by +8 in the top nibble; the decoded
// value is mantissa * 10^tickPower. Four bytes instead of a float64 halves
// market-data bandwidth and keeps arithmetic exact.
package fixedpoint

import (
	"errors"
	"math/bits"
)

const (
	mantissaBits         = 28
	mantissaMask  uint32 = 1<<mantissaBits - 1 // 0x0FFFFFFF
	powerMask     uint32 = ^mantissaMask       // 0xF0000000
	powerBias            = 8
	encodedLen           = 4

	// MaxMantissa is the largest representable mantissa (268,435,455).
	MaxMantissa uint32 = mantissaMask

	// MinTickPower and MaxTickPower bound the base-10 exponent.
	MinTickPower int8 = -8
	MaxTickPower int8 = 7
)

var (
	ErrRange          = errors.New("fixedpoint: value out of range")
	ErrOverflow       = errors.New("fixedpoint: mantissa overflow")
	ErrMalformedInput = errors.New("fixedpoint: malformed encoding")
)

// pow10 holds 10^n for every representable power spread (0..15).
var pow10 = [16]uint64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
	100_000_000, 1_000_000_000, 10_000_000_000, 100_000_000_000,
	1_000_000_000_000, 10_000_000_000_000, 100_000_000_000_000,
	1_000_000_000_000_000,
}

// Price is a fixed-point financial value packed into a single uint32.
// The zero value decodes as mantissa 0 at tick power -8.
type Price uint32

// Quantity shares the price representation and is non-negative by
// construction (filled quantity bookkeeping lives on the order).
type Quantity = Price

// New packs mantissa and tickPower, rejecting out-of-range inputs.
func New(mantissa uint32, tickPower int8) (Price, error) {
	if mantissa > MaxMantissa {
		return 0, ErrRange
	}
	if tickPower < MinTickPower || tickPower > MaxTickPower {
		return 0, ErrRange
	}
	return pack(mantissa, tickPower), nil
}

func pack(mantissa uint32, tickPower int8) Price {
	biased := uint32(int32(tickPower)+powerBias) & 0xF
	return Price(biased<<mantissaBits | mantissa&mantissaMask)
}

// Mantissa extracts the 28-bit mantissa.
func (p Price) Mantissa() uint32 { return uint32(p) & mantissaMask }

// TickPower extracts the base-10 exponent.
func (p Price) TickPower() int8 {
	return int8(uint32(p)>>mantissaBits&0xF) - powerBias
}

// IsZero reports whether the decoded value is zero, at any tick power.
func (p Price) IsZero() bool { return p.Mantissa() == 0 }

// Bytes returns the little-endian 4-byte wire form. No allocation beyond
// the returned array; callers copy it straight into network buffers.
func (p Price) Bytes() [4]byte {
	v := uint32(p)
	return [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// FromBytes decodes the 4-byte wire form produced by Bytes.
func FromBytes(b []byte) (Price, error) {
	if len(b) != encodedLen {
		return 0, ErrMalformedInput
	}
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return Price(v), nil
}

// FromBytesBatch decodes a packed sequence of 4-byte prices. The result is
// identical to decoding each element with FromBytes in order.
func FromBytesBatch(b []byte) ([]Price, error) {
	if len(b)%encodedLen != 0 {
		return nil, ErrMalformedInput
	}
	out := make([]Price, 0, len(b)/encodedLen)
	for off := 0; off < len(b); off += encodedLen {
		p, err := FromBytes(b[off : off+encodedLen])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// normalize scales both mantissas to the finer of the two tick powers.
// A mantissa that no longer fits 28 bits after scaling cannot be part of a
// representable result at that power, so normalize reports overflow.
func normalize(a, b Price) (am, bm uint64, tickPower int8, err error) {
	pa, pb := a.TickPower(), b.TickPower()
	am, bm = uint64(a.Mantissa()), uint64(b.Mantissa())
	switch {
	case pa == pb:
		return am, bm, pa, nil
	case pa > pb:
		am *= pow10[pa-pb]
		if am > uint64(MaxMantissa) {
			return 0, 0, 0, ErrOverflow
		}
		return am, bm, pb, nil
	default:
		bm *= pow10[pb-pa]
		if bm > uint64(MaxMantissa) {
			return 0, 0, 0, ErrOverflow
		}
		return am, bm, pa, nil
	}
}

// Add returns p+o at their common (finer) tick power.
func (p Price) Add(o Price) (Price, error) {
	am, bm, power, err := normalize(p, o)
	if err != nil {
		return 0, err
	}
	sum := am + bm
	if sum > uint64(MaxMantissa) {
		return 0, ErrOverflow
	}
	return pack(uint32(sum), power), nil
}

// Sub returns p-o at their common (finer) tick power. A negative result
// is not representable and reports overflow.
func (p Price) Sub(o Price) (Price, error) {
	am, bm, power, err := normalize(p, o)
	if err != nil {
		return 0, err
	}
	if am < bm {
		return 0, ErrOverflow
	}
	return pack(uint32(am-bm), power), nil
}

// MulScalar returns p*k at p's tick power.
func (p Price) MulScalar(k uint32) (Price, error) {
	prod := uint64(p.Mantissa()) * uint64(k)
	if prod > uint64(MaxMantissa) {
		return 0, ErrOverflow
	}
	return pack(uint32(prod), p.TickPower()), nil
}

// Cmp compares decoded values, not raw bits, so prices at different tick
// powers order correctly. The cross-scaled product can exceed 64 bits
// (2^28 * 10^15), hence the 128-bit compare.
func (p Price) Cmp(o Price) int {
	pa, pb := p.TickPower(), o.TickPower()
	am, bm := uint64(p.Mantissa()), uint64(o.Mantissa())

	var ahi, bhi uint64
	switch {
	case pa > pb:
		ahi, am = bits.Mul64(am, pow10[pa-pb])
	case pb > pa:
		bhi, bm = bits.Mul64(bm, pow10[pb-pa])
	}
	switch {
	case ahi != bhi:
		if ahi < bhi {
			return -1
		}
		return 1
	case am < bm:
		return -1
	case am > bm:
		return 1
	default:
		return 0
	}
}

// Equal reports value equality across tick powers.
func (p Price) Equal(o Price) bool { return p.Cmp(o) == 0 }

// Rescale re-expresses p exactly at the given tick power. Precision-losing
// conversions are refused: a truncated mantissa would break replay
// determinism downstream.
func (p Price) Rescale(tickPower int8) (Price, error) {
	if tickPower < MinTickPower || tickPower > MaxTickPower {
		return 0, ErrRange
	}
	cur := p.TickPower()
	m := uint64(p.Mantissa())
	switch {
	case tickPower == cur:
		return p, nil
	case tickPower < cur:
		m *= pow10[cur-tickPower]
		if m > uint64(MaxMantissa) {
			return 0, ErrOverflow
		}
		return pack(uint32(m), tickPower), nil
	default:
		div := pow10[tickPower-cur]
		if m%div != 0 {
			return 0, ErrRange
		}
		return pack(uint32(m/div), tickPower), nil
	}
}
