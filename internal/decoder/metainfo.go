package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/zeebo/bencode"
)

var ErrInvalidMetafile = errors.New("invalid metafile")

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

// serialization struct the represents the structure of a .torrent file
// it is not immediately usable, so it can be converted to a Metafile struct
type bencodeTorrent struct {
	// URL of tracker server to get peers from
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	// Info is parsed as a RawMessage to ensure that the final info_hash is
	// correct even in the case of the info dictionary being an unexpected shape
	Info bencode.RawMessage `bencode:"info"`
}

func (decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	var bt bencodeTorrent
	err := bencode.NewDecoder(torrent).Decode(&bt)
	if err != nil {
		return response, fmt.Errorf("%w: %v", ErrInvalidMetafile, err)
	}
	if len(bt.Info) == 0 {
		return response, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetafile)
	}

	response.Announce = bt.Announce
	response.AnnounceList = bt.AnnounceList
	response.InfoHash = calculateInfoHash(bt.Info)
	err = bencode.DecodeBytes(bt.Info, &response.Info)
	if err != nil {
		return response, fmt.Errorf("%w: info: %v", ErrInvalidMetafile, err)
	}

	geometry, err := models.NewGeometry(response.Info.Length, response.Info.PieceLength)
	if err != nil {
		return response, fmt.Errorf("%w: %v", ErrInvalidMetafile, err)
	}

	response.Info.PiecesHashes, err = calculatePiecesHashes(response.Info.Pieces)
	if err != nil {
		return response, err
	}
	if len(response.Info.PiecesHashes) != geometry.NumPieces {
		return response, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrInvalidMetafile, len(response.Info.PiecesHashes), geometry.NumPieces)
	}

	return response, nil
}

func calculateInfoHash(info []byte) models.Hash {
	return sha1.Sum(info)
}

func calculatePiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces length %d is not a multiple of 20", ErrInvalidMetafile, len(pieces))
	}

	piecesHashes := make([]models.Hash, 0, len(pieces)/20)
	for i := 0; i < len(pieces); i += 20 {
		var hash models.Hash
		copy(hash[:], pieces[i:i+20])
		piecesHashes = append(piecesHashes, hash)
	}

	return piecesHashes, nil
}

type encodedInfo struct {
	Length      int64  `bencode:"length"`
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
}

type encodedTorrent struct {
	Announce string             `bencode:"announce"`
	Info     bencode.RawMessage `bencode:"info"`
}

// Encode writes meta as a single-file descriptor. The returned metafile has
// InfoHash and PiecesHashes filled in from the encoded info dictionary.
func Encode(w io.Writer, meta models.Metafile) (models.Metafile, error) {
	info, err := bencode.EncodeBytes(encodedInfo{
		Length:      meta.Info.Length,
		Name:        meta.Info.Name,
		PieceLength: meta.Info.PieceLength,
		Pieces:      meta.Info.Pieces,
	})
	if err != nil {
		return meta, err
	}

	out, err := bencode.EncodeBytes(encodedTorrent{Announce: meta.Announce, Info: info})
	if err != nil {
		return meta, err
	}
	if _, err := w.Write(out); err != nil {
		return meta, err
	}

	meta.InfoHash = calculateInfoHash(info)
	meta.Info.PiecesHashes, err = calculatePiecesHashes(meta.Info.Pieces)
	return meta, err
}

// NewMetafile describes content split into pieceLength pieces.
func NewMetafile(announce, name string, pieceLength int64, content []byte) models.Metafile {
	var pieces bytes.Buffer
	for begin := int64(0); begin < int64(len(content)); begin += pieceLength {
		end := min(begin+pieceLength, int64(len(content)))
		sum := sha1.Sum(content[begin:end])
		pieces.Write(sum[:])
	}

	return models.Metafile{
		Announce: announce,
		Info: models.Info{
			Name:        name,
			Length:      int64(len(content)),
			PieceLength: pieceLength,
			Pieces:      pieces.String(),
		},
	}
}
