package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

var (
	// ErrTracker covers transport failures and malformed responses.
	ErrTracker = errors.New("tracker error")
	// ErrFailure is an explicit failure reported by the tracker.
	ErrFailure = errors.New("tracker failure")
)

type Request struct {
	InfoHash   models.Hash
	PeerID     string
	IP         string
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

type Response struct {
	Interval time.Duration
	Peers    []models.Peer
}

type Tracker interface {
	Announce(ctx context.Context, req Request) (Response, error)
	WithHTTPClient(client *http.Client) Tracker
}

type PeersGetter interface {
	Announce(ctx context.Context, announce string, req Request) (Response, error)
}

type tracker struct {
	AnnounceURL string
	HTTPClient  PeersGetter
	UDPClient   PeersGetter
}

func NewTracker(announceURL string) Tracker {
	return &tracker{
		AnnounceURL: announceURL,
		HTTPClient:  NewHTTPGetter(&http.Client{Timeout: 60 * time.Second}),
		UDPClient:   NewUDPGetter(15 * time.Second),
	}
}

func (t *tracker) WithHTTPClient(client *http.Client) Tracker {
	t.HTTPClient = NewHTTPGetter(client)
	return t
}

func (t *tracker) Announce(ctx context.Context, req Request) (Response, error) {
	if t.AnnounceURL == "" {
		return Response{}, fmt.Errorf("%w: announce url is empty", ErrTracker)
	}
	switch {
	case strings.HasPrefix(t.AnnounceURL, "http"):
		return t.HTTPClient.Announce(ctx, t.AnnounceURL, req)
	case strings.HasPrefix(t.AnnounceURL, "udp"):
		return t.UDPClient.Announce(ctx, t.AnnounceURL, req)
	default:
		return Response{}, fmt.Errorf("%w: unsupported protocol in %q", ErrTracker, t.AnnounceURL)
	}
}
