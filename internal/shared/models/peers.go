package models

type Peer struct {
	Addr   Addr
	PeerID string
}

// Key identifies the logical peer: its peer id when the tracker gave one,
// otherwise its address.
func (p Peer) Key() string {
	if p.PeerID != "" {
		return p.PeerID
	}
	return p.Addr.String()
}
