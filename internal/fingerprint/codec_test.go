package fingerprint

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayout(t *testing.T) {
	data := Encode([]int32{1, 2, 3}, 99)

	expected := []byte{
		'F', 'p', FormatVersion, 99,
		1, 0, 0, 0,
		3, 0, 0, 0,
		1, 0, 0, 0,
	}
	assert.Equal(t, expected, data)

	hashes, version, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, hashes)
	assert.Equal(t, uint8(99), version)
}

func TestCompressRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, n := range []int{1, 2, 17, 1000, 12000} {
		signed := make([]int32, n)
		unsigned := make([]uint32, n)
		for i := range signed {
			signed[i] = int32(rng.Uint32())
			unsigned[i] = rng.Uint32()
		}
		version := uint8(rng.IntN(256))

		hashes, v, err := Decompress(Compress(signed, version))
		require.NoError(t, err)
		assert.Equal(t, signed, hashes)
		assert.Equal(t, version, v)

		uhashes, v, err := DecompressUnsigned(CompressUnsigned(unsigned, version))
		require.NoError(t, err)
		assert.Equal(t, unsigned, uhashes)
		assert.Equal(t, version, v)
	}
}

func TestCompressEmpty(t *testing.T) {
	hashes, version, err := Decompress(Compress(nil, 1))
	require.NoError(t, err)
	assert.Empty(t, hashes)
	assert.Equal(t, uint8(1), version)
}

func TestSignedUnsignedMapping(t *testing.T) {
	hashes, _, err := Decompress(CompressUnsigned([]uint32{0xFFFFFFFF, 0x80000000, 7}, 1))
	require.NoError(t, err)
	assert.Equal(t, []int32{-1, -2147483648, 7}, hashes)

	assert.Equal(t, []uint32{0xFFFFFFFF, 7}, ToUnsigned([]int32{-1, 7}))
	assert.Equal(t, []int32{-1, 7}, ToSigned([]uint32{0xFFFFFFFF, 7}))
}

func TestDecompressRejectsBadInput(t *testing.T) {
	valid := Encode([]int32{1, 2, 3}, 1)

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'X'

	badFormat := append([]byte(nil), valid...)
	badFormat[2] = FormatVersion + 1

	tests := []struct {
		name string
		raw  []byte
	}{
		{"wrong magic", badMagic},
		{"wrong format version", badFormat},
		{"short header", valid[:3]},
		{"truncated payload", valid[:len(valid)-1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decompress(encoder.EncodeAll(tt.raw, nil))
			assert.ErrorIs(t, err, ErrFormat)
		})
	}

	t.Run("not zstd", func(t *testing.T) {
		_, _, err := Decompress([]byte("definitely not a zstd frame"))
		assert.ErrorIs(t, err, ErrDecode)
	})
}
