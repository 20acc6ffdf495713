package p2p

import (
	"bytes"
	"fmt"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

const (
	protocolName = "BitTorrent protocol"
	// HandshakeLength is the fixed size of the handshake frame.
	HandshakeLength = 49 + len(protocolName)
)

type Handshake struct {
	InfoHash models.Hash
	PeerID   [20]byte
}

func NewHandshake(infoHash models.Hash, peerID string) Handshake {
	h := Handshake{InfoHash: infoHash}
	copy(h.PeerID[:], peerID)
	return h
}

// handshake request to bytes
func (h Handshake) Bytes() []byte {
	buf := make([]byte, 0, HandshakeLength)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLength {
		return Handshake{}, fmt.Errorf("%w: handshake of %d bytes, want %d", ErrFormat, len(buf), HandshakeLength)
	}
	if int(buf[0]) != len(protocolName) || !bytes.Equal(buf[1:20], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("%w: unexpected protocol name", ErrFormat)
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
