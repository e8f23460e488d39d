package fingerprint

const (
	// NumQueryBits is the number of most-significant bits kept per query hash
	NumQueryBits = 28

	// QueryBitMask keeps the NumQueryBits most-significant bits of a hash
	QueryBitMask uint32 = ((1 << NumQueryBits) - 1) << (32 - NumQueryBits)

	// SilenceHash is the hash chromaprint emits for digital silence
	SilenceHash uint32 = 627964279

	DefaultQuerySize  = 120
	DefaultQueryStart = 80
)

// ExtractQuery selects up to size distinct masked hashes for an index
// lookup, starting around offset start. Silence hashes are skipped and the
// selection order is preserved.
func ExtractQuery(hashes []int32, size, start int) []uint32 {
	if size <= 0 {
		return []uint32{}
	}

	cleanSize := 0
	for _, h := range hashes {
		if uint32(h) != SilenceHash {
			cleanSize++
		}
	}
	if cleanSize == 0 {
		return []uint32{}
	}

	startIdx := max(0, min(cleanSize-size, start))

	query := make([]uint32, 0, size)
	seen := make(map[uint32]struct{}, size)
	for i := startIdx; i < len(hashes) && len(query) < size; i++ {
		h := uint32(hashes[i])
		if h == SilenceHash {
			continue
		}
		h &= QueryBitMask
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		query = append(query, h)
	}
	return query
}

// DefaultQuery is ExtractQuery with the default size and start offset.
func DefaultQuery(hashes []int32) []uint32 {
	return ExtractQuery(hashes, DefaultQuerySize, DefaultQueryStart)
}

// UniqueCount returns the number of distinct hash values.
func UniqueCount(hashes []int32) int {
	seen := make(map[int32]struct{}, len(hashes))
	for _, h := range hashes {
		seen[h] = struct{}{}
	}
	return len(seen)
}
