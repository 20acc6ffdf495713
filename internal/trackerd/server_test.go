package trackerd

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/WendelHime/simplebt/internal/tracker"
	"github.com/gin-gonic/gin"
	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	s := New(30*time.Second, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func request(peerID string, port uint16, event tracker.Event) tracker.Request {
	var hash models.Hash
	copy(hash[:], "aaaaaaaaaaaaaaaaaaaa")
	return tracker.Request{
		InfoHash: hash,
		PeerID:   peerID,
		IP:       "127.0.0.1",
		Port:     port,
		Left:     10,
		Event:    event,
	}
}

func TestAnnounceSwarm(t *testing.T) {
	_, srv := newTestServer(t)
	client := tracker.NewTracker(srv.URL + "/announce")
	ctx := context.Background()

	resp, err := client.Announce(ctx, request("peer-a-0000000000000", 7001, tracker.EventStarted))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, resp.Interval)
	assert.Empty(t, resp.Peers)

	resp, err = client.Announce(ctx, request("peer-b-0000000000000", 7002, tracker.EventStarted))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "peer-a-0000000000000", resp.Peers[0].PeerID)
	assert.Equal(t, "127.0.0.1:7001", resp.Peers[0].Addr.String())

	resp, err = client.Announce(ctx, request("peer-a-0000000000000", 7001, tracker.EventNone))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "peer-b-0000000000000", resp.Peers[0].PeerID)

	_, err = client.Announce(ctx, request("peer-b-0000000000000", 7002, tracker.EventStopped))
	require.NoError(t, err)

	resp, err = client.Announce(ctx, request("peer-a-0000000000000", 7001, tracker.EventCompleted))
	require.NoError(t, err)
	assert.Empty(t, resp.Peers)
}

func TestAnnounceRejected(t *testing.T) {
	var tests = []struct {
		name  string
		setup func(t *testing.T, srv *httptest.Server) error
	}{
		{
			name: "invalid port",
			setup: func(t *testing.T, srv *httptest.Server) error {
				_, err := tracker.NewTracker(srv.URL+"/announce").Announce(context.Background(), request("peer-a-0000000000000", 0, tracker.EventStarted))
				return err
			},
		},
		{
			name: "missing peer id",
			setup: func(t *testing.T, srv *httptest.Server) error {
				_, err := tracker.NewTracker(srv.URL+"/announce").Announce(context.Background(), request("", 7001, tracker.EventStarted))
				return err
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, srv := newTestServer(t)
			err := tt.setup(t, srv)
			assert.ErrorIs(t, err, tracker.ErrFailure)
		})
	}
}

func TestAnnounceShortInfoHash(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/announce?info_hash=abc&peer_id=x&port=7001")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := bencode.Decode(resp.Body)
	require.NoError(t, err)
	dict, ok := raw.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "missing or invalid info_hash", dict["failure"])
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPeersExcludesRequester(t *testing.T) {
	s, _ := newTestServer(t)
	var hash models.Hash
	for _, id := range []string{"c", "a", "b"} {
		s.register(hash, models.Peer{PeerID: id})
	}

	peers := s.Peers(hash, "b")
	require.Len(t, peers, 2)
	assert.Equal(t, "a", peers[0].PeerID)
	assert.Equal(t, "c", peers[1].PeerID)

	s.remove(hash, "a")
	s.remove(hash, "c")
	s.remove(hash, "b")
	assert.Empty(t, s.Peers(hash, ""))
}
