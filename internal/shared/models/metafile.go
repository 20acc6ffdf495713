package models

import "encoding/hex"

type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int64  `bencode:"length"`
	PieceLength  int64  `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
}

// HashTable returns the concatenated 20-byte piece digests.
func (i Info) HashTable() []byte {
	return []byte(i.Pieces)
}

type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
