package fixedpoint

import "github.com/shopspring/decimal"

// Decimal converts p to an arbitrary-precision decimal for display and
// boundary parsing. The hot matching path never touches this.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p.Mantissa()), int32(p.TickPower()))
}

// String renders the decoded value, e.g. mantissa 10000 at power -2 -> "100".
func (p Price) String() string { return p.Decimal().String() }

// FromDecimal packs d at the given tick power. Values that d cannot express
// exactly at that power are rejected.
func FromDecimal(d decimal.Decimal, tickPower int8) (Price, error) {
	if tickPower < MinTickPower || tickPower > MaxTickPower {
		return 0, ErrRange
	}
	scaled := d.Shift(int32(-tickPower))
	if !scaled.IsInteger() {
		return 0, ErrRange
	}
	m := scaled.IntPart()
	if m < 0 || m > int64(MaxMantissa) {
		return 0, ErrRange
	}
	return pack(uint32(m), tickPower), nil
}

// Parse reads a decimal string ("100.25") into a price at tickPower.
func Parse(s string, tickPower int8) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrMalformedInput
	}
	return FromDecimal(d, tickPower)
}
