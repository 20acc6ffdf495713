package models

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDPort
)

// MessageIDKeepAlive marks the zero-length frame, which carries no id on the wire.
const MessageIDKeepAlive MessageID = 255

func (id MessageID) String() string {
	switch id {
	case MessageIDChoke:
		return "choke"
	case MessageIDUnchoke:
		return "unchoke"
	case MessageIDInterested:
		return "interested"
	case MessageIDNotInterested:
		return "not interested"
	case MessageIDHave:
		return "have"
	case MessageIDBitfield:
		return "bitfield"
	case MessageIDRequest:
		return "request"
	case MessageIDPiece:
		return "piece"
	case MessageIDCancel:
		return "cancel"
	case MessageIDPort:
		return "port"
	case MessageIDKeepAlive:
		return "keep-alive"
	default:
		return "unknown"
	}
}
