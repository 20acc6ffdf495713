package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/WendelHime/simplebt/internal/p2p"
	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/WendelHime/simplebt/internal/storage"
)

// receive buffers data for s and dispatches every complete frame in arrival
// order. Only storage failures are returned; anything else closes s alone.
func (e *Engine) receive(s *p2p.Session, data []byte) error {
	s.Feed(data)
	for s.State != p2p.StateClosed {
		var err error
		if s.State == p2p.StateAwaitingHandshake {
			h, ok, rerr := s.ReadHandshake()
			if rerr != nil {
				err = fmt.Errorf("%w: %v", p2p.ErrProtocol, rerr)
			} else if !ok {
				return nil
			} else {
				err = e.onHandshake(s, h)
			}
		} else {
			m, ok, rerr := s.ReadMessage()
			if rerr != nil {
				err = rerr
			} else if !ok {
				return nil
			} else {
				err = e.dispatch(s, m)
			}
		}

		if err != nil {
			if errors.Is(err, storage.ErrIO) {
				return err
			}
			e.closeSession(s, err)
		}
	}
	return nil
}

func (e *Engine) onHandshake(s *p2p.Session, h p2p.Handshake) error {
	if h.InfoHash != e.meta.InfoHash {
		return fmt.Errorf("%w: handshake for info hash %s", p2p.ErrProtocol, h.InfoHash)
	}
	peerID := string(h.PeerID[:])
	if peerID == e.cfg.PeerID {
		return fmt.Errorf("%w: connected to ourselves", p2p.ErrProtocol)
	}

	s.RemotePeerID = peerID
	if _, ok := e.byPeer[peerID]; !ok {
		e.byPeer[peerID] = s.ID
	}
	s.State = p2p.StateAwaitingBitfield
	e.log.Info("handshake complete",
		slog.Uint64("session", uint64(s.ID)),
		slog.String("remote_peer_id", peerID),
		slog.Bool("initiated_by_us", s.InitiatedByUs),
	)

	if s.InitiatedByUs {
		return s.Send(p2p.NewBitfield(e.store.Bitfield()))
	}
	// the inbound side sends its bitfield once it has seen the remote one
	return s.SendHandshake(e.handshake)
}

func (e *Engine) dispatch(s *p2p.Session, m p2p.Message) error {
	if s.State == p2p.StateAwaitingBitfield {
		s.State = p2p.StateSteady
		if m.ID != models.MessageIDBitfield {
			e.log.Debug("no bitfield from peer", slog.Uint64("session", uint64(s.ID)), slog.String("message", m.ID.String()))
		}
	}

	switch m.ID {
	case models.MessageIDChoke:
		s.PeerChoking = true
		for _, index := range s.DropOutstanding() {
			e.ledger.Release(index)
		}
	case models.MessageIDUnchoke:
		s.PeerChoking = false
		return e.requestMore(s)
	case models.MessageIDInterested:
		s.PeerInterested = true
		return s.Send(p2p.Message{ID: models.MessageIDUnchoke})
	case models.MessageIDNotInterested:
		s.PeerInterested = false
	case models.MessageIDHave:
		return e.onHave(s, int(m.Index))
	case models.MessageIDBitfield:
		return e.onBitfield(s, m.Bitfield)
	case models.MessageIDRequest:
		return e.onRequest(s, m)
	case models.MessageIDPiece:
		return e.onPiece(s, m)
	case models.MessageIDCancel, models.MessageIDPort, models.MessageIDKeepAlive:
		// no request queue to cancel from and no DHT
	}
	return nil
}

func (e *Engine) onHave(s *p2p.Session, index int) error {
	if index >= e.geometry.NumPieces {
		return fmt.Errorf("%w: have for piece %d of %d", p2p.ErrProtocol, index, e.geometry.NumPieces)
	}
	s.Remote.Set(index)
	if !e.ledger.Needs(index) {
		return nil
	}
	if !s.AmInterested {
		return e.sendInterested(s)
	}
	return e.requestMore(s)
}

func (e *Engine) onBitfield(s *p2p.Session, bitfield []byte) error {
	if len(bitfield) != e.geometry.BitmapBytes {
		return fmt.Errorf("%w: bitfield of %d bytes, want %d", p2p.ErrProtocol, len(bitfield), e.geometry.BitmapBytes)
	}
	s.Remote = models.Bitfield(bitfield)

	if !s.InitiatedByUs {
		if err := s.Send(p2p.NewBitfield(e.store.Bitfield())); err != nil {
			return err
		}
		if !s.AmInterested && e.ledger.Wants(s.Remote) {
			return e.sendInterested(s)
		}
		return nil
	}
	if !e.store.Complete() && !s.AmInterested {
		return e.sendInterested(s)
	}
	return e.requestMore(s)
}

func (e *Engine) sendInterested(s *p2p.Session) error {
	s.AmInterested = true
	return s.Send(p2p.Message{ID: models.MessageIDInterested})
}

func (e *Engine) onRequest(s *p2p.Session, m p2p.Message) error {
	index := int(m.Index)
	if !e.store.IsComplete(index) {
		return fmt.Errorf("%w: request for missing piece %d", p2p.ErrProtocol, index)
	}
	block, err := e.store.ReadBlock(index, int64(m.Begin), int64(m.Length))
	if errors.Is(err, storage.ErrOutOfRange) {
		return fmt.Errorf("%w: %v", p2p.ErrProtocol, err)
	}
	if err != nil {
		return err
	}

	if err = s.Send(p2p.NewPiece(m.Index, m.Begin, block)); err != nil {
		return err
	}
	e.addUploaded(len(block))
	e.log.Debug("served block", slog.Uint64("session", uint64(s.ID)), slog.Int("piece", index), slog.Int("length", len(block)))
	return nil
}

// requestMore fills the session's request window from the ledger.
func (e *Engine) requestMore(s *p2p.Session) error {
	if s.PeerChoking || e.store.Complete() {
		return nil
	}
	for s.Outstanding() < e.cfg.MaxInFlight {
		index, ok := e.ledger.Next(s.Remote)
		if !ok {
			return nil
		}
		s.AddOutstanding(index)
		if err := e.sendRequest(s, index); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendRequest(s *p2p.Session, index int) error {
	size := e.geometry.PieceSize(index)
	e.log.Debug("requesting piece", slog.Uint64("session", uint64(s.ID)), slog.Int("piece", index))
	return s.Send(p2p.NewRequest(uint32(index), 0, uint32(size)))
}

func (e *Engine) onPiece(s *p2p.Session, m p2p.Message) error {
	index := int(m.Index)
	expected := s.LastRequested()
	if expected < 0 {
		return fmt.Errorf("%w: piece %d without a request", p2p.ErrProtocol, index)
	}

	if !s.IsOutstanding(index) {
		e.log.Warn("unexpected piece, requesting again",
			slog.Uint64("session", uint64(s.ID)),
			slog.Int("piece", index),
			slog.Int("expected", expected),
		)
		e.ledger.Retry(expected)
		return e.sendRequest(s, expected)
	}

	if m.Begin != 0 || !e.store.Verify(index, m.Block) {
		e.log.Warn("piece failed verification, requesting again",
			slog.Uint64("session", uint64(s.ID)),
			slog.Int("piece", index),
		)
		e.ledger.Retry(index)
		return e.sendRequest(s, index)
	}

	s.RemoveOutstanding(index)
	if err := e.store.WriteBlock(index, 0, m.Block); err != nil {
		return err
	}
	e.store.MarkComplete(index)
	e.ledger.Complete(index)
	e.addDownloaded(len(m.Block))
	_ = e.bar.Add64(int64(len(m.Block)))
	e.log.Info("piece verified",
		slog.Int("piece", index),
		slog.Int("amount_pieces", e.geometry.NumPieces),
		slog.Int64("left", e.Counters().Left),
	)

	e.broadcastHave(s, index)
	return e.requestMore(s)
}

// broadcastHave tells every other handshaken session about index.
func (e *Engine) broadcastHave(from *p2p.Session, index int) {
	have := p2p.NewHave(uint32(index))
	for _, other := range e.sessions {
		if other == from || !other.HandshakeDone() {
			continue
		}
		if err := other.Send(have); err != nil {
			e.closeSession(other, err)
		}
	}
}
