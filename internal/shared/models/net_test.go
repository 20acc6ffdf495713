package models

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddrReadFromBytes(t *testing.T) {
	var a Addr
	err := a.ReadFromBytes([]byte{127, 0, 0, 1, 0x1a, 0xe1})
	assert.Nil(t, err)
	assert.True(t, net.IPv4(127, 0, 0, 1).Equal(a.IP))
	assert.Equal(t, uint16(6881), a.Port)
	assert.Equal(t, "127.0.0.1:6881", a.String())

	assert.ErrorIs(t, a.ReadFromBytes([]byte{1, 2, 3}), ErrInvalidAddr)
}

func TestPeerKey(t *testing.T) {
	p := Peer{Addr: Addr{IP: net.IPv4(10, 0, 0, 1), Port: 80}}
	assert.Equal(t, "10.0.0.1:80", p.Key())
	p.PeerID = "abcdefghjkABCDEFGHJK"
	assert.Equal(t, "abcdefghjkABCDEFGHJK", p.Key())
}
