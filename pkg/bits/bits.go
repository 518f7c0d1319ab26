// Package bits holds the small bit helpers shared by the codec and the
// reader state machine. Bit positions are 1-based, as in the ISO and PC/SC
// documents (bit 1 is the least significant bit).
package bits

// Unsigned covers the flag words used across the module: APDU bytes and
// 32-bit PC/SC reader state masks.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func width[T Unsigned]() uint {
	var zero T
	n := uint(0)
	for v := ^zero; v != 0; v >>= 1 {
		n++
	}
	return n
}

// Bit returns a value with only the n-th bit set, or 0 when n is out of range.
func Bit[T Unsigned](n uint) T {
	if n < 1 || n > width[T]() {
		return 0
	}
	return T(1) << (n - 1)
}

// IsSet checks if the n-th bit is set.
func IsSet[T Unsigned](v T, n uint) bool {
	return v&Bit[T](n) != 0
}

// Set returns v with the n-th bit set.
func Set[T Unsigned](v T, n uint) T {
	return v | Bit[T](n)
}

// GetRange extracts the value held between bits high and low (inclusive).
// Example: GetRange(uint8(0b00001100), 4, 3) returns 3.
func GetRange[T Unsigned](v T, high, low uint) T {
	if high < low || high > width[T]() || low < 1 {
		return 0
	}
	w := high - low + 1
	var mask T
	if w == width[T]() {
		mask = ^T(0)
	} else {
		mask = T(1)<<w - 1
	}
	return (v >> (low - 1)) & mask
}

// Changed reports whether any bit of mask differs between prev and next.
func Changed[T Unsigned](prev, next, mask T) bool {
	return (prev^next)&mask != 0
}

// Rising reports whether a bit of mask changed and is now set in next.
// It is the edge test used on reader state words: a state counts as entered
// only when it flipped and is currently asserted.
func Rising[T Unsigned](prev, next, mask T) bool {
	return Changed(prev, next, mask) && next&mask != 0
}
