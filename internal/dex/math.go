package dex

import "math/bits"

// mulUint64 returns a*b and false if the product does not fit in 64 bits
func mulUint64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}
