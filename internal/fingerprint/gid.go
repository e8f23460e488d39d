package fingerprint

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// GIDNamespace is the UUIDv5 namespace for fingerprint GIDs
var GIDNamespace = uuid.MustParse("df7bef46-416e-4c57-a877-39b54325ef03")

// ComputeGID derives a stable identifier from the algorithm version and the
// hash values, so identical fingerprints get identical GIDs.
func ComputeGID(version uint8, hashes []int32) uuid.UUID {
	data := make([]byte, 4+4*len(hashes))
	binary.LittleEndian.PutUint32(data[0:4], uint32(version))
	for i, h := range hashes {
		binary.LittleEndian.PutUint32(data[4+4*i:], uint32(h))
	}
	return uuid.NewSHA1(GIDNamespace, data)
}
