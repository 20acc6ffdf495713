// Package engine runs the peer-wire event loop: it owns the listening
// socket, every peer session, the piece store and the announce timer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/WendelHime/simplebt/internal/p2p"
	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/WendelHime/simplebt/internal/storage"
	"github.com/WendelHime/simplebt/internal/tracker"
	"github.com/schollz/progressbar/v3"
)

const (
	readBufferSize = 32 * 1024
	eventQueueSize = 64
	stopTimeout    = 5 * time.Second
)

// Counters are the transfer totals reported to the tracker.
type Counters struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

type eventKind int

const (
	eventAccepted eventKind = iota
	eventAcceptFailed
	eventDialed
	eventDialFailed
	eventData
	eventClosed
)

// event is everything the helper goroutines report to the control loop.
type event struct {
	kind eventKind
	id   p2p.SessionID
	conn net.Conn
	data []byte
	err  error
}

type Engine struct {
	cfg       Config
	meta      models.Metafile
	geometry  models.Geometry
	handshake p2p.Handshake
	store     *storage.Store
	ledger    *ledger
	tracker   tracker.Tracker
	bar       *progressbar.ProgressBar
	log       *slog.Logger

	listener net.Listener
	events   chan event
	done     chan struct{}
	wg       sync.WaitGroup

	sessions map[p2p.SessionID]*p2p.Session
	byPeer   map[string]p2p.SessionID
	nextID   p2p.SessionID
	peers    []models.Peer
	interval time.Duration

	// downloader is set when the store started incomplete.
	downloader         bool
	started            bool
	completedAnnounced bool
	completedAttempted bool

	mu       sync.Mutex
	counters Counters
}

// New opens the output file and the listening socket. Failures here are
// fatal to the caller; everything after Run starts is contained per session.
func New(meta models.Metafile, cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	geometry, err := models.NewGeometry(meta.Info.Length, meta.Info.PieceLength)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrIO, err)
	}
	path := filepath.Join(cfg.OutputDir, meta.Info.Name)
	logger.Info("opening output file", slog.String("path", path), slog.Int("pieces", geometry.NumPieces))
	store, err := storage.Open(path, geometry, meta.Info.HashTable(), storage.Options{TrustExisting: cfg.TrustExisting}, logger)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenHost, strconv.Itoa(int(cfg.Port))))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}

	trk := cfg.Tracker
	if trk == nil {
		trk = tracker.NewTracker(meta.Announce)
	}

	left := store.Left()
	bar := progressbar.NewOptions64(geometry.FileLength,
		progressbar.OptionSetWriter(cfg.Progress),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
	)
	_ = bar.Set64(geometry.FileLength - left)

	return &Engine{
		cfg:        cfg,
		meta:       meta,
		geometry:   geometry,
		handshake:  p2p.NewHandshake(meta.InfoHash, cfg.PeerID),
		store:      store,
		ledger:     newLedger(store.Bitfield(), geometry.NumPieces),
		tracker:    trk,
		bar:        bar,
		log:        logger.With(slog.String("peer_id", cfg.PeerID)),
		listener:   listener,
		events:     make(chan event, eventQueueSize),
		done:       make(chan struct{}),
		sessions:   make(map[p2p.SessionID]*p2p.Session),
		byPeer:     make(map[string]p2p.SessionID),
		interval:   cfg.DefaultInterval,
		downloader: !store.Complete(),
		counters:   Counters{Left: left},
	}, nil
}

// Addr is the bound listening address.
func (e *Engine) Addr() net.Addr {
	return e.listener.Addr()
}

func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

func (e *Engine) addUploaded(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.Uploaded += int64(n)
}

func (e *Engine) addDownloaded(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters.Downloaded += int64(n)
	e.counters.Left = e.store.Left()
}

// Run drives the event loop until ctx is cancelled, a fatal error occurs or,
// for a downloader, the file is complete and the tracker has been told so.
// Run may be called once; it releases the socket and the file on return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.wg.Add(1)
	go e.acceptLoop()

	e.announce(ctx)
	timer := time.NewTimer(e.interval)
	defer timer.Stop()

	for {
		if e.finished() {
			e.log.Info("download complete", slog.String("file", e.meta.Info.Name))
			return nil
		}

		select {
		case <-ctx.Done():
			e.log.Info("shutting down", slog.Any("reason", ctx.Err()))
			return nil
		case <-timer.C:
			e.announce(ctx)
			timer.Reset(e.interval)
		case ev := <-e.events:
			if err := e.handle(ev); err != nil {
				e.log.Error("fatal engine error", slog.Any("error", err))
				return err
			}
		}

		if e.downloader && e.store.Complete() && !e.completedAttempted {
			e.completedAttempted = true
			e.announce(ctx)
		}
	}
}

func (e *Engine) finished() bool {
	return e.downloader && !e.cfg.KeepSeeding && e.store.Complete() && e.completedAnnounced
}

func (e *Engine) handle(ev event) error {
	switch ev.kind {
	case eventAcceptFailed:
		return fmt.Errorf("accepting connections: %w", ev.err)
	case eventAccepted:
		e.nextID++
		s := p2p.NewInbound(e.nextID, ev.conn, e.geometry.NumPieces)
		s.WriteTimeout = e.cfg.WriteTimeout
		e.sessions[s.ID] = s
		e.log.Info("accepted connection", slog.String("addr", s.Addr), slog.Uint64("session", uint64(s.ID)))
		e.startReader(s.ID, ev.conn)
	case eventDialed:
		s, ok := e.sessions[ev.id]
		if !ok {
			ev.conn.Close()
			return nil
		}
		s.Attach(ev.conn)
		e.log.Info("connected to peer", slog.String("addr", s.Addr), slog.Uint64("session", uint64(s.ID)))
		if err := s.SendHandshake(e.handshake); err != nil {
			e.closeSession(s, err)
			return nil
		}
		e.startReader(s.ID, ev.conn)
	case eventDialFailed:
		if s, ok := e.sessions[ev.id]; ok {
			e.closeSession(s, ev.err)
		}
	case eventData:
		s, ok := e.sessions[ev.id]
		if !ok {
			return nil
		}
		return e.receive(s, ev.data)
	case eventClosed:
		if s, ok := e.sessions[ev.id]; ok {
			e.closeSession(s, ev.err)
		}
	}
	return nil
}

// emit hands ev to the control loop unless the engine is shutting down.
func (e *Engine) emit(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.done:
			default:
				e.emit(event{kind: eventAcceptFailed, err: err})
			}
			return
		}
		if !e.emit(event{kind: eventAccepted, conn: conn}) {
			conn.Close()
			return
		}
	}
}

func (e *Engine) startReader(id p2p.SessionID, conn net.Conn) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				if !e.emit(event{kind: eventData, id: id, data: data}) {
					return
				}
			}
			if err != nil {
				e.emit(event{kind: eventClosed, id: id, err: err})
				return
			}
		}
	}()
}

func (e *Engine) dial(ctx context.Context, peer models.Peer) {
	e.nextID++
	s := p2p.NewOutbound(e.nextID, peer.Addr.String(), e.geometry.NumPieces)
	s.WriteTimeout = e.cfg.WriteTimeout
	s.RemotePeerID = peer.PeerID
	e.sessions[s.ID] = s
	e.byPeer[peer.Key()] = s.ID

	e.log.Info("dialing peer", slog.String("addr", s.Addr), slog.Uint64("session", uint64(s.ID)))
	e.wg.Add(1)
	go func(id p2p.SessionID, addr string) {
		defer e.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
		defer cancel()
		conn, err := e.cfg.Dial(dialCtx, "tcp", addr)
		if err != nil {
			e.emit(event{kind: eventDialFailed, id: id, err: err})
			return
		}
		if !e.emit(event{kind: eventDialed, id: id, conn: conn}) {
			conn.Close()
		}
	}(s.ID, s.Addr)
}

// connectPeers opens sessions to every known peer we are not linked to yet.
// A complete store has nothing to fetch, so it only waits for inbound peers.
func (e *Engine) connectPeers(ctx context.Context) {
	if e.store.Complete() {
		return
	}
	for _, peer := range e.peers {
		if peer.PeerID == e.cfg.PeerID {
			continue
		}
		if _, ok := e.byPeer[peer.Key()]; ok {
			continue
		}
		e.dial(ctx, peer)
	}
}

func (e *Engine) closeSession(s *p2p.Session, cause error) {
	for _, index := range s.DropOutstanding() {
		e.ledger.Release(index)
	}
	_ = s.Close()
	delete(e.sessions, s.ID)
	for key, id := range e.byPeer {
		if id == s.ID {
			delete(e.byPeer, key)
		}
	}

	attrs := []any{slog.String("addr", s.Addr), slog.Uint64("session", uint64(s.ID))}
	if cause == nil || errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		e.log.Info("session closed", attrs...)
		return
	}
	e.log.Warn("session closed", append(attrs, slog.Any("error", cause))...)
}

func (e *Engine) announce(ctx context.Context) {
	ev := tracker.EventNone
	switch {
	case !e.started:
		ev = tracker.EventStarted
	case e.downloader && e.store.Complete() && !e.completedAnnounced:
		ev = tracker.EventCompleted
	}

	resp, err := e.tracker.Announce(ctx, e.announceRequest(ev))
	if err != nil {
		e.log.Warn("announce failed", slog.String("event", string(ev)), slog.Any("error", err))
		return
	}

	e.started = true
	if ev == tracker.EventCompleted {
		e.completedAnnounced = true
	}
	if resp.Interval > 0 {
		e.interval = resp.Interval
	}
	e.peers = resp.Peers
	e.log.Info("announced",
		slog.String("event", string(ev)),
		slog.Int("peers", len(resp.Peers)),
		slog.Duration("interval", e.interval),
	)

	e.connectPeers(ctx)
}

func (e *Engine) announceRequest(ev tracker.Event) tracker.Request {
	counters := e.Counters()
	port := e.cfg.Port
	if addr, ok := e.listener.Addr().(*net.TCPAddr); ok {
		port = uint16(addr.Port)
	}
	return tracker.Request{
		InfoHash:   e.meta.InfoHash,
		PeerID:     e.cfg.PeerID,
		IP:         e.cfg.AnnounceIP,
		Port:       port,
		Uploaded:   counters.Uploaded,
		Downloaded: counters.Downloaded,
		Left:       counters.Left,
		Event:      ev,
	}
}

func (e *Engine) shutdown() {
	close(e.done)
	e.listener.Close()
	for _, s := range e.sessions {
		_ = s.Close()
	}
	e.wg.Wait()
	// accepted or dialed connections may still sit in the queue
drain:
	for {
		select {
		case ev := <-e.events:
			if ev.conn != nil {
				ev.conn.Close()
			}
		default:
			break drain
		}
	}

	if e.started {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if _, err := e.tracker.Announce(ctx, e.announceRequest(tracker.EventStopped)); err != nil {
			e.log.Warn("stop announce failed", slog.Any("error", err))
		}
		cancel()
	}

	_ = e.bar.Finish()
	if err := e.store.Close(); err != nil {
		e.log.Error("closing output file", slog.Any("error", err))
	}
}
