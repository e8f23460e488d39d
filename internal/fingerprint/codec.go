// Package fingerprint holds the pure functions that operate on fingerprint
// hash arrays: the binary codec, query extraction, simhash and the
// alignment scorer used to decide whether two fingerprints match.
package fingerprint

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Binary fingerprint format v1:
//
//	+--------+--------+--------+--------+
//	| magic  | format | ver    | diffs  |
//	+--------+--------+--------+--------+
//	| 2B     | 1B     | 1B     | 4B[]   |
//	+--------+--------+--------+--------+
//
// The diffs are XOR differences between consecutive hashes (the first hash is
// XORed against 0) stored as little-endian 32-bit integers. The whole buffer
// is zstd compressed by Compress.
const (
	// Magic is "Fp" read as a little-endian uint16
	Magic uint16 = uint16('F') | uint16('p')<<8

	// FormatVersion is the version of the binary layout
	FormatVersion uint8 = 1

	headerSize = 4

	// maxDecodedSize caps zstd output to keep corrupt input from allocating
	// unbounded memory. 16M hashes is far beyond any real recording.
	maxDecodedSize = 64 << 20
)

var (
	// ErrDecode indicates the compressed payload could not be decompressed
	ErrDecode = errors.New("fingerprint decode error")

	// ErrFormat indicates a decompressed payload with the wrong magic,
	// an unsupported format version or a truncated body
	ErrFormat = errors.New("fingerprint format error")
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	// EncodeAll/DecodeAll are safe for concurrent use on a shared instance
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("fingerprint: zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic(fmt.Sprintf("fingerprint: zstd decoder: %v", err))
	}
}

// Encode writes hashes in the uncompressed binary format.
func Encode(hashes []int32, version uint8) []byte {
	buf := make([]byte, headerSize+4*len(hashes))
	binary.LittleEndian.PutUint16(buf[0:2], Magic)
	buf[2] = FormatVersion
	buf[3] = version

	var last uint32
	for i, h := range hashes {
		v := uint32(h)
		binary.LittleEndian.PutUint32(buf[headerSize+4*i:], v^last)
		last = v
	}
	return buf
}

// Decode parses the uncompressed binary format. The header is validated
// before any payload byte is interpreted.
func Decode(data []byte) ([]int32, uint8, error) {
	if len(data) < headerSize {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrFormat, len(data))
	}
	if magic := binary.LittleEndian.Uint16(data[0:2]); magic != Magic {
		return nil, 0, fmt.Errorf("%w: invalid magic %#x, expected %#x", ErrFormat, magic, Magic)
	}
	if format := data[2]; format != FormatVersion {
		return nil, 0, fmt.Errorf("%w: unsupported format version %d, expected %d", ErrFormat, format, FormatVersion)
	}
	version := data[3]

	body := data[headerSize:]
	if len(body)%4 != 0 {
		return nil, 0, fmt.Errorf("%w: payload length %d is not a multiple of 4", ErrFormat, len(body))
	}

	hashes := make([]int32, len(body)/4)
	var last uint32
	for i := range hashes {
		last ^= binary.LittleEndian.Uint32(body[4*i:])
		hashes[i] = int32(last)
	}
	return hashes, version, nil
}

// Compress encodes hashes and compresses the result with zstd.
func Compress(hashes []int32, version uint8) []byte {
	return encoder.EncodeAll(Encode(hashes, version), nil)
}

// CompressUnsigned is Compress for hashes in their unsigned interpretation.
func CompressUnsigned(hashes []uint32, version uint8) []byte {
	return Compress(ToSigned(hashes), version)
}

// Decompress reverses Compress and returns the hashes together with the
// fingerprint algorithm version stored in the header.
func Decompress(data []byte) ([]int32, uint8, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Decode(raw)
}

// DecompressUnsigned is Decompress returning the unsigned interpretation.
func DecompressUnsigned(data []byte) ([]uint32, uint8, error) {
	hashes, version, err := Decompress(data)
	if err != nil {
		return nil, 0, err
	}
	return ToUnsigned(hashes), version, nil
}

// ToUnsigned reinterprets hashes as unsigned 32-bit values.
func ToUnsigned(hashes []int32) []uint32 {
	out := make([]uint32, len(hashes))
	for i, h := range hashes {
		out[i] = uint32(h)
	}
	return out
}

// ToSigned maps unsigned hashes to their two's-complement signed value.
func ToSigned(hashes []uint32) []int32 {
	out := make([]int32, len(hashes))
	for i, h := range hashes {
		out[i] = int32(h)
	}
	return out
}
