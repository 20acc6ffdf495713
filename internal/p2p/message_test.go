package p2p

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages(values []uint32) []Message {
	messages := []Message{
		KeepAlive,
		{ID: models.MessageIDChoke},
		{ID: models.MessageIDUnchoke},
		{ID: models.MessageIDInterested},
		{ID: models.MessageIDNotInterested},
		NewBitfield([]byte{0xff, 0x80}),
		{ID: models.MessageIDPort, Port: 6881},
	}
	for _, v := range values {
		messages = append(messages,
			NewHave(v),
			NewRequest(v, v/2, math.MaxUint32-v),
			NewCancel(math.MaxUint32-v, v, v/3),
			NewPiece(v, v/7, []byte{byte(v), 0x00, 0x01}),
		)
	}
	return messages
}

func TestMessageRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 255, 1 << 16, math.MaxUint32 - 1, math.MaxUint32}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 32; i++ {
		values = append(values, r.Uint32())
	}

	for _, m := range sampleMessages(values) {
		encoded := m.Bytes()
		assert.Equal(t, uint32(len(encoded)-4), binary.BigEndian.Uint32(encoded), m.String())

		decoded, err := DecodeMessage(encoded)
		require.NoError(t, err, m.String())
		assert.Equal(t, m, decoded)
	}
}

func TestMessageEncoding(t *testing.T) {
	var tests = []struct {
		name     string
		message  Message
		expected []byte
	}{
		{
			name:     "keep-alive is a bare zero length",
			message:  KeepAlive,
			expected: []byte{0, 0, 0, 0},
		},
		{
			name:     "interested has no payload",
			message:  Message{ID: models.MessageIDInterested},
			expected: []byte{0, 0, 0, 1, 2},
		},
		{
			name:     "have carries the piece index",
			message:  NewHave(7),
			expected: []byte{0, 0, 0, 5, 4, 0, 0, 0, 7},
		},
		{
			name:     "request carries index, begin and length",
			message:  NewRequest(1, 2, 3),
			expected: []byte{0, 0, 0, 13, 6, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3},
		},
		{
			name:     "piece carries the block",
			message:  NewPiece(1, 0, []byte("ab")),
			expected: []byte{0, 0, 0, 11, 7, 0, 0, 0, 1, 0, 0, 0, 0, 'a', 'b'},
		},
		{
			name:     "bitfield is raw bytes",
			message:  NewBitfield([]byte{0xc0}),
			expected: []byte{0, 0, 0, 2, 5, 0xc0},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.message.Bytes())
		})
	}
}

func TestDecodeMessageLengthMismatch(t *testing.T) {
	for _, m := range sampleMessages([]uint32{0, 9, math.MaxUint32}) {
		encoded := m.Bytes()

		longer := append(append([]byte{}, encoded...), 0x00)
		_, err := DecodeMessage(longer)
		assert.ErrorIs(t, err, ErrFormat, "trailing byte after %s", m)

		declared := append([]byte{}, encoded...)
		binary.BigEndian.PutUint32(declared, binary.BigEndian.Uint32(encoded)+1)
		_, err = DecodeMessage(declared)
		assert.ErrorIs(t, err, ErrFormat, "overstated length of %s", m)
	}
}

func TestDecodeMessageWrongPayload(t *testing.T) {
	frame := func(id byte, payload ...byte) []byte {
		buf := make([]byte, 5, 5+len(payload))
		binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
		buf[4] = id
		return append(buf, payload...)
	}

	var tests = []struct {
		name  string
		frame []byte
	}{
		{name: "choke with payload", frame: frame(0, 1)},
		{name: "short have", frame: frame(4, 0, 0, 1)},
		{name: "long have", frame: frame(4, 0, 0, 0, 1, 2)},
		{name: "short request", frame: frame(6, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 1)},
		{name: "short cancel", frame: frame(8, 0)},
		{name: "piece without header", frame: frame(7, 0, 0, 0, 1)},
		{name: "port with one byte", frame: frame(9, 1)},
		{name: "unknown id", frame: frame(42)},
		{name: "no length prefix", frame: []byte{0, 0}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.frame)
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestSplitFrame(t *testing.T) {
	encoded := NewRequest(1, 0, 16384).Bytes()

	for i := 0; i < len(encoded); i++ {
		_, ok, err := SplitFrame(encoded[:i])
		assert.NoError(t, err)
		assert.False(t, ok, "prefix of %d bytes", i)
	}

	n, ok, err := SplitFrame(append(encoded, NewHave(2).Bytes()...))
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len(encoded), n)

	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, MaxMessageLength+1)
	_, _, err = SplitFrame(oversized)
	assert.ErrorIs(t, err, ErrFormat)
}
