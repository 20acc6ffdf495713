package p2p

import (
	"bytes"
	"testing"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeBytes(t *testing.T) {
	var infoHash models.Hash
	copy(infoHash[:], bytes.Repeat([]byte{0x01}, 20))
	h := NewHandshake(infoHash, "PEERID12340000000000")

	expected := []byte{0x13}
	expected = append(expected, "BitTorrent protocol"...)
	expected = append(expected, make([]byte, 8)...)
	expected = append(expected, infoHash[:]...)
	expected = append(expected, "PEERID12340000000000"...)

	encoded := h.Bytes()
	assert.Len(t, encoded, 68)
	assert.Equal(t, expected, encoded)

	decoded, err := DecodeHandshake(encoded)
	require.NoError(t, err)
	assert.Equal(t, infoHash, decoded.InfoHash)
	assert.Equal(t, "PEERID12340000000000", string(decoded.PeerID[:]))
}

func TestDecodeHandshakeErrors(t *testing.T) {
	valid := NewHandshake(models.Hash{}, "PEERID12340000000000").Bytes()

	var tests = []struct {
		name  string
		given func() []byte
	}{
		{
			name:  "short buffer",
			given: func() []byte { return valid[:67] },
		},
		{
			name:  "long buffer",
			given: func() []byte { return append(append([]byte{}, valid...), 0) },
		},
		{
			name: "wrong protocol length",
			given: func() []byte {
				b := append([]byte{}, valid...)
				b[0] = 18
				return b
			},
		},
		{
			name: "wrong protocol name",
			given: func() []byte {
				b := append([]byte{}, valid...)
				b[1] = 'b'
				return b
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHandshake(tt.given())
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}
