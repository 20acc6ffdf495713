// Package trackerd is a small in-memory HTTP tracker. It keeps one swarm per
// info hash and answers announces with every other registered peer.
package trackerd

import (
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/WendelHime/simplebt/internal/tracker"
	"github.com/gin-gonic/gin"
)

type Server struct {
	mu       sync.Mutex
	interval time.Duration
	swarms   map[models.Hash]map[string]models.Peer
	log      *slog.Logger
}

func New(interval time.Duration, logger *slog.Logger) *Server {
	return &Server{
		interval: interval,
		swarms:   make(map[models.Hash]map[string]models.Peer),
		log:      logger,
	}
}

func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/announce", s.announce)

	return router
}

func (s *Server) announce(c *gin.Context) {
	var infoHash models.Hash
	rawHash := c.Query("info_hash")
	if len(rawHash) != len(infoHash) {
		s.failure(c, "missing or invalid info_hash")
		return
	}
	copy(infoHash[:], rawHash)

	peerID := c.Query("peer_id")
	if peerID == "" {
		s.failure(c, "missing peer_id")
		return
	}

	port, err := strconv.Atoi(c.Query("port"))
	if err != nil || port <= 0 || port > 65535 {
		s.failure(c, "invalid port")
		return
	}

	ip := net.ParseIP(c.Query("ip"))
	if ip == nil {
		ip = net.ParseIP(c.ClientIP())
	}
	if ip == nil {
		s.failure(c, "cannot determine peer ip")
		return
	}

	peer := models.Peer{Addr: models.Addr{IP: ip, Port: uint16(port)}, PeerID: peerID}
	event := tracker.Event(c.Query("event"))
	s.log.Info("announce",
		slog.String("info_hash", infoHash.String()),
		slog.String("peer", peer.Addr.String()),
		slog.String("event", string(event)),
		slog.String("left", c.Query("left")),
	)

	if event == tracker.EventStopped {
		s.remove(infoHash, peerID)
	} else {
		s.register(infoHash, peer)
	}

	resp := tracker.Response{Interval: s.interval, Peers: s.Peers(infoHash, peerID)}
	c.Header("Content-Type", "text/plain")
	c.Status(http.StatusOK)
	if err := tracker.EncodeResponse(c.Writer, resp); err != nil {
		s.log.Error("encoding announce response", slog.Any("error", err))
	}
}

func (s *Server) failure(c *gin.Context, reason string) {
	s.log.Warn("announce rejected", slog.String("reason", reason), slog.String("client", c.ClientIP()))
	c.Header("Content-Type", "text/plain")
	c.Status(http.StatusOK)
	if err := tracker.EncodeFailure(c.Writer, reason); err != nil {
		s.log.Error("encoding failure response", slog.Any("error", err))
	}
}

func (s *Server) register(infoHash models.Hash, peer models.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swarm, ok := s.swarms[infoHash]
	if !ok {
		swarm = make(map[string]models.Peer)
		s.swarms[infoHash] = swarm
	}
	swarm[peer.PeerID] = peer
}

func (s *Server) remove(infoHash models.Hash, peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swarm, ok := s.swarms[infoHash]
	if !ok {
		return
	}
	delete(swarm, peerID)
	if len(swarm) == 0 {
		delete(s.swarms, infoHash)
	}
}

// Peers lists the swarm of infoHash ordered by peer id, leaving out exclude.
func (s *Server) Peers(infoHash models.Hash, exclude string) []models.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]models.Peer, 0, len(s.swarms[infoHash]))
	for id, p := range s.swarms[infoHash] {
		if id == exclude {
			continue
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return peers
}
