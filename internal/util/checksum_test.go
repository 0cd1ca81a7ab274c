package util

import (
	"testing"

	"github.com/devrev/shelfdb/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnseal(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed := Seal(tt.data)
			assert.Len(t, sealed, len(tt.data)+4)

			payload, err := Unseal(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.data, payload)
		})
	}
}

func TestUnsealDetectsCorruption(t *testing.T) {
	sealed := Seal([]byte("test data for checksum validation"))
	sealed[0] ^= 0xFF

	_, err := Unseal(sealed)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeChecksumFailed, errors.GetCode(err))
}

func TestUnsealTooShort(t *testing.T) {
	_, err := Unseal([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestHashRoundTrip(t *testing.T) {
	h := Blake2Sum([]byte("block"))
	assert.False(t, h.IsZero())
	assert.Equal(t, h, Blake2SumParts([]byte("bl"), []byte("ock")))

	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func BenchmarkSeal(b *testing.B) {
	data := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Seal(data)
	}
}
