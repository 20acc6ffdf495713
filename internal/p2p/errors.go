package p2p

import "errors"

var (
	// ErrFormat reports a malformed frame or handshake.
	ErrFormat = errors.New("format error")
	// ErrProtocol reports a peer acting outside the expected message sequence.
	ErrProtocol = errors.New("protocol error")
)
