package fingerprint

// SimHash computes a 32-bit summary of hashes: bit i is set when more than
// half of the hashes have bit i set. Encodes of the same recording share the
// per-bit majorities and so collide; it is only a pre-filter.
func SimHash(hashes []int32) uint32 {
	if len(hashes) == 0 {
		return 0
	}

	var counts [32]int
	for _, h := range hashes {
		v := uint32(h)
		for bit := 0; bit < 32; bit++ {
			if v&(1<<bit) != 0 {
				counts[bit]++
			}
		}
	}

	var result uint32
	for bit, c := range counts {
		if 2*c > len(hashes) {
			result |= 1 << bit
		}
	}
	return result
}
