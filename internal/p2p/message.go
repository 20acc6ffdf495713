package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

// MaxMessageLength bounds the declared length of a single frame.
const MaxMessageLength = 1 << 25

const lengthPrefix = 4

type Message struct {
	ID       models.MessageID
	Index    uint32
	Begin    uint32
	Length   uint32
	Bitfield []byte
	Block    []byte
	Port     uint16
}

var KeepAlive = Message{ID: models.MessageIDKeepAlive}

func NewHave(index uint32) Message {
	return Message{ID: models.MessageIDHave, Index: index}
}

func NewBitfield(bitfield []byte) Message {
	return Message{ID: models.MessageIDBitfield, Bitfield: bitfield}
}

func NewRequest(index, begin, length uint32) Message {
	return Message{ID: models.MessageIDRequest, Index: index, Begin: begin, Length: length}
}

func NewCancel(index, begin, length uint32) Message {
	return Message{ID: models.MessageIDCancel, Index: index, Begin: begin, Length: length}
}

func NewPiece(index, begin uint32, block []byte) Message {
	return Message{ID: models.MessageIDPiece, Index: index, Begin: begin, Block: block}
}

func (m Message) payloadLength() int {
	switch m.ID {
	case models.MessageIDHave:
		return 4
	case models.MessageIDBitfield:
		return len(m.Bitfield)
	case models.MessageIDRequest, models.MessageIDCancel:
		return 12
	case models.MessageIDPiece:
		return 8 + len(m.Block)
	case models.MessageIDPort:
		return 2
	default:
		return 0
	}
}

// Bytes encodes the message with its 4-byte big-endian length prefix.
func (m Message) Bytes() []byte {
	if m.ID == models.MessageIDKeepAlive {
		return make([]byte, lengthPrefix)
	}

	length := 1 + m.payloadLength()
	buf := make([]byte, lengthPrefix+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(m.ID)

	payload := buf[5:]
	switch m.ID {
	case models.MessageIDHave:
		binary.BigEndian.PutUint32(payload, m.Index)
	case models.MessageIDBitfield:
		copy(payload, m.Bitfield)
	case models.MessageIDRequest, models.MessageIDCancel:
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case models.MessageIDPiece:
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	case models.MessageIDPort:
		binary.BigEndian.PutUint16(payload, m.Port)
	}
	return buf
}

func (m Message) String() string {
	switch m.ID {
	case models.MessageIDHave:
		return fmt.Sprintf("have(%d)", m.Index)
	case models.MessageIDRequest, models.MessageIDCancel:
		return fmt.Sprintf("%s(%d, %d, %d)", m.ID, m.Index, m.Begin, m.Length)
	case models.MessageIDPiece:
		return fmt.Sprintf("piece(%d, %d, %d bytes)", m.Index, m.Begin, len(m.Block))
	default:
		return m.ID.String()
	}
}

// SplitFrame reports the size of the first complete frame in buf. ok is false
// while the length prefix or the declared payload is still incomplete.
func SplitFrame(buf []byte) (n int, ok bool, err error) {
	if len(buf) < lengthPrefix {
		return 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf)
	if length > MaxMessageLength {
		return 0, false, fmt.Errorf("%w: frame length %d exceeds %d", ErrFormat, length, MaxMessageLength)
	}
	n = lengthPrefix + int(length)
	if len(buf) < n {
		return 0, false, nil
	}
	return n, true, nil
}

// DecodeMessage decodes exactly one frame, length prefix included.
func DecodeMessage(frame []byte) (Message, error) {
	if len(frame) < lengthPrefix {
		return Message{}, fmt.Errorf("%w: frame shorter than its length prefix", ErrFormat)
	}
	length := binary.BigEndian.Uint32(frame)
	if int64(len(frame)-lengthPrefix) != int64(length) {
		return Message{}, fmt.Errorf("%w: declared length %d, got %d bytes", ErrFormat, length, len(frame)-lengthPrefix)
	}
	if length == 0 {
		return KeepAlive, nil
	}

	m := Message{ID: models.MessageID(frame[4])}
	payload := frame[5:]
	expect := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("%w: %s payload of %d bytes, want %d", ErrFormat, m.ID, len(payload), n)
		}
		return nil
	}

	switch m.ID {
	case models.MessageIDChoke, models.MessageIDUnchoke, models.MessageIDInterested, models.MessageIDNotInterested:
		if err := expect(0); err != nil {
			return Message{}, err
		}
	case models.MessageIDHave:
		if err := expect(4); err != nil {
			return Message{}, err
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case models.MessageIDBitfield:
		m.Bitfield = append([]byte{}, payload...)
	case models.MessageIDRequest, models.MessageIDCancel:
		if err := expect(12); err != nil {
			return Message{}, err
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case models.MessageIDPiece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("%w: piece payload of %d bytes", ErrFormat, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = append([]byte{}, payload[8:]...)
	case models.MessageIDPort:
		if err := expect(2); err != nil {
			return Message{}, err
		}
		m.Port = binary.BigEndian.Uint16(payload)
	default:
		return Message{}, fmt.Errorf("%w: unknown message id %d", ErrFormat, frame[4])
	}
	return m, nil
}
