package memutils

import "golang.org/x/exp/slices"

// powersOfTwo holds every power of two representable in a uint32
var powersOfTwo = []uint32{
	1 << 0, 1 << 1, 1 << 2, 1 << 3, 1 << 4, 1 << 5, 1 << 6, 1 << 7,
	1 << 8, 1 << 9, 1 << 10, 1 << 11, 1 << 12, 1 << 13, 1 << 14, 1 << 15,
	1 << 16, 1 << 17, 1 << 18, 1 << 19, 1 << 20, 1 << 21, 1 << 22, 1 << 23,
	1 << 24, 1 << 25, 1 << 26, 1 << 27, 1 << 28, 1 << 29, 1 << 30, 1 << 31,
}

// CeilLog2 returns the exponent of the smallest power of two that is greater than or equal
// to value. Values of 0 and 1 return 0, and anything above 1<<31 is clamped to 31.
func CeilLog2(value uint32) uint32 {
	index, _ := slices.BinarySearch(powersOfTwo, value)
	if index >= len(powersOfTwo) {
		return uint32(len(powersOfTwo) - 1)
	}

	return uint32(index)
}

// CeilPow2 returns the smallest power of two that is greater than or equal to value, clamped
// to the range [1, 1<<31].
func CeilPow2(value uint32) uint32 {
	return powersOfTwo[CeilLog2(value)]
}
