package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3
	udpMaxPeers       = 200
)

var udpEvents = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

// UDPGetter speaks the UDP tracker protocol (BEP 15).
type UDPGetter struct {
	timeout time.Duration
}

func NewUDPGetter(timeout time.Duration) PeersGetter {
	return UDPGetter{timeout: timeout}
}

func (u UDPGetter) Announce(ctx context.Context, announce string, req Request) (Response, error) {
	tracker, err := url.Parse(announce)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", tracker.Host)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	transactionID := rand.Uint32()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)
	if _, err = conn.Write(buf); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	if err = checkUDPHeader(resp[:n], udpActionConnect, transactionID, 16); err != nil {
		return Response{}, err
	}
	connectionID := binary.BigEndian.Uint64(resp[8:16])

	buf = make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID)
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEvents[req.Event])
	// ip 0: the tracker uses the packet's source address
	binary.BigEndian.PutUint32(buf[84:88], 0)
	binary.BigEndian.PutUint32(buf[88:92], transactionID)
	binary.BigEndian.PutUint32(buf[92:96], udpMaxPeers)
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	if _, err = conn.Write(buf); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}

	resp = make([]byte, 20+udpMaxPeers*6)
	n, err = conn.Read(resp)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
	}
	resp = resp[:n]
	if n >= 8 && binary.BigEndian.Uint32(resp[0:4]) == udpActionError {
		return Response{}, fmt.Errorf("%w: %s", ErrFailure, string(resp[8:]))
	}
	if err = checkUDPHeader(resp, udpActionAnnounce, transactionID, 20); err != nil {
		return Response{}, err
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peerData := resp[20:]
	peerData = peerData[:len(peerData)-len(peerData)%6]

	peers := make([]models.Peer, 0, len(peerData)/6)
	for ; len(peerData) > 0; peerData = peerData[6:] {
		var addr models.Addr
		if err = addr.ReadFromBytes(peerData[:6]); err != nil {
			return Response{}, fmt.Errorf("%w: %v", ErrTracker, err)
		}
		peers = append(peers, models.Peer{Addr: addr})
	}

	return Response{Interval: time.Duration(interval) * time.Second, Peers: peers}, nil
}

func checkUDPHeader(resp []byte, action, transactionID uint32, minLen int) error {
	if len(resp) < minLen {
		return fmt.Errorf("%w: short udp response of %d bytes", ErrTracker, len(resp))
	}
	if got := binary.BigEndian.Uint32(resp[0:4]); got != action {
		return fmt.Errorf("%w: unexpected udp action %d", ErrTracker, got)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != transactionID {
		return fmt.Errorf("%w: transaction id mismatch", ErrTracker)
	}
	return nil
}
