package engine

import (
	"context"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/WendelHime/simplebt/internal/tracker"
)

// DialFunc opens an outbound connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Config struct {
	// Port is the TCP port to listen on; 0 picks a free one.
	Port       uint16
	ListenHost string
	// AnnounceIP is reported to the tracker as our address.
	AnnounceIP string
	PeerID     string
	OutputDir  string

	// MaxInFlight bounds the outstanding requests per connection.
	MaxInFlight int
	// DefaultInterval is used until the tracker provides one.
	DefaultInterval time.Duration

	TrustExisting bool
	// KeepSeeding keeps a finished download running until cancelled.
	KeepSeeding bool

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Progress io.Writer
	Tracker  tracker.Tracker
	Dial     DialFunc
}

func (c Config) withDefaults() Config {
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	if c.AnnounceIP == "" {
		c.AnnounceIP = "127.0.0.1"
	}
	if c.PeerID == "" {
		c.PeerID = GeneratePeerID()
	}
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 3600 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.Progress == nil {
		c.Progress = io.Discard
	}
	if c.Dial == nil {
		var dialer net.Dialer
		c.Dial = dialer.DialContext
	}
	return c
}

const peerIDPrefix = "-SB0100-"

// GeneratePeerID returns a 20 character peer id with a client prefix.
func GeneratePeerID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	peerID := make([]byte, 20)
	copy(peerID, peerIDPrefix)
	for i := len(peerIDPrefix); i < len(peerID); i++ {
		peerID[i] = charset[r.Intn(len(charset))]
	}

	return string(peerID)
}
