package mathx

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func Clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// CoordHash mixes a chunk coordinate into a 64-bit key used for shard selection.
//
// Each axis is sign-extended to 64 bits and multiplied by its own large odd
// constant, the three products are XORed, and the result goes through the
// murmur3 fmix64 avalanche (shift 33, multiply, shift 33). The final mix keeps
// neighbouring coordinates along one axis from landing in the same shard.
// The function is stable across versions and platforms.
func CoordHash(x, y, z int32) uint64 {
	h := uint64(int64(x)) * 73856093
	h ^= uint64(int64(y)) * 19349663
	h ^= uint64(int64(z)) * 83492791

	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}
