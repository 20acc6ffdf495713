package p2p

import (
	"net"
	"slices"
	"time"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

type State int

const (
	StateConnecting State = iota
	StateAwaitingHandshake
	StateAwaitingBitfield
	StateSteady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting handshake"
	case StateAwaitingBitfield:
		return "awaiting bitfield"
	case StateSteady:
		return "steady"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionID identifies one live connection inside the engine.
type SessionID uint64

// Session is the per-connection protocol state. It is not safe for
// concurrent use; the engine's control loop is its only owner.
type Session struct {
	ID             SessionID
	Addr           string
	InitiatedByUs  bool
	State          State
	RemotePeerID   string
	Remote         models.Bitfield
	PeerChoking    bool
	PeerInterested bool
	AmInterested   bool

	// WriteTimeout bounds every Send; zero means no deadline.
	WriteTimeout time.Duration

	outstanding []int
	recv        []byte
	conn        net.Conn
}

// NewOutbound creates a session we initiate; it stays Connecting until Attach.
func NewOutbound(id SessionID, addr string, numPieces int) *Session {
	return &Session{
		ID:            id,
		Addr:          addr,
		InitiatedByUs: true,
		State:         StateConnecting,
		Remote:        models.NewBitfield(numPieces),
		PeerChoking:   true,
	}
}

// NewInbound creates a session for an accepted connection. The remote side
// speaks first, so it starts out waiting for their handshake.
func NewInbound(id SessionID, conn net.Conn, numPieces int) *Session {
	return &Session{
		ID:          id,
		Addr:        conn.RemoteAddr().String(),
		State:       StateAwaitingHandshake,
		Remote:      models.NewBitfield(numPieces),
		PeerChoking: true,
		conn:        conn,
	}
}

// Attach binds the connected socket to an outbound session.
func (s *Session) Attach(conn net.Conn) {
	s.conn = conn
	s.State = StateAwaitingHandshake
}

func (s *Session) Conn() net.Conn {
	return s.conn
}

// Feed appends bytes read from the transport to the receive buffer.
func (s *Session) Feed(data []byte) {
	s.recv = append(s.recv, data...)
}

// Buffered is the number of received bytes not yet decoded.
func (s *Session) Buffered() int {
	return len(s.recv)
}

func (s *Session) consume(n int) []byte {
	frame := s.recv[:n]
	s.recv = s.recv[n:]
	if len(s.recv) == 0 {
		s.recv = nil
	}
	return frame
}

// ReadHandshake decodes the handshake once all of its bytes are buffered.
func (s *Session) ReadHandshake() (Handshake, bool, error) {
	if len(s.recv) < HandshakeLength {
		return Handshake{}, false, nil
	}
	h, err := DecodeHandshake(s.consume(HandshakeLength))
	return h, true, err
}

// ReadMessage decodes the next length-prefixed frame if it is fully buffered.
func (s *Session) ReadMessage() (Message, bool, error) {
	n, ok, err := SplitFrame(s.recv)
	if err != nil || !ok {
		return Message{}, false, err
	}
	m, err := DecodeMessage(s.consume(n))
	return m, true, err
}

func (s *Session) Send(m Message) error {
	return s.write(m.Bytes())
}

func (s *Session) SendHandshake(h Handshake) error {
	return s.write(h.Bytes())
}

func (s *Session) write(b []byte) error {
	if s.conn == nil {
		return net.ErrClosed
	}
	if s.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(b)
	return err
}

// AddOutstanding records a request sent on this connection.
func (s *Session) AddOutstanding(index int) {
	s.outstanding = append(s.outstanding, index)
}

func (s *Session) RemoveOutstanding(index int) bool {
	i := slices.Index(s.outstanding, index)
	if i < 0 {
		return false
	}
	s.outstanding = slices.Delete(s.outstanding, i, i+1)
	return true
}

func (s *Session) IsOutstanding(index int) bool {
	return slices.Contains(s.outstanding, index)
}

func (s *Session) Outstanding() int {
	return len(s.outstanding)
}

// LastRequested is the most recently requested piece still outstanding, or -1.
func (s *Session) LastRequested() int {
	if len(s.outstanding) == 0 {
		return -1
	}
	return s.outstanding[len(s.outstanding)-1]
}

// DropOutstanding forgets every outstanding request and returns their indices.
func (s *Session) DropOutstanding() []int {
	dropped := s.outstanding
	s.outstanding = nil
	return dropped
}

// HandshakeDone reports whether the handshake exchange has completed.
func (s *Session) HandshakeDone() bool {
	return s.State == StateAwaitingBitfield || s.State == StateSteady
}

func (s *Session) Close() error {
	s.State = StateClosed
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
