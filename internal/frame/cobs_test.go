package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCOBSRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00},
		{0x01},
		{0x00, 0x00, 0x00},
		{0x01, 0x02, 0x03, 0x00, 0x04},
		bytes.Repeat([]byte{0x07}, 300),
		bytes.Repeat([]byte{0x00}, 300),
	}
	for _, data := range cases {
		encoded := cobsEncode(data)
		assert.True(t, encoded[len(encoded)-1] == 0, "encoded frame must end with zero terminator")
		decoded, err := cobsDecode(encoded)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestCOBSRoundTripLarge(t *testing.T) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}
	encoded := cobsEncode(data)
	decoded, err := cobsDecode(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestCOBSDecodeMissingTerminator(t *testing.T) {
	_, err := cobsDecode([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrMissingTerminator)
}

func TestCOBSDecodeInvalidCode(t *testing.T) {
	_, err := cobsDecode([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestCOBSDecodeBlockOverrun(t *testing.T) {
	_, err := cobsDecode([]byte{0x05, 0x01, 0x02, 0x00})
	assert.ErrorIs(t, err, ErrBlockOverrun)
}
