package models

import "errors"

var ErrInvalidGeometry = errors.New("invalid piece geometry")

// Geometry is derived once from the descriptor and never changes.
type Geometry struct {
	FileLength  int64
	PieceLength int64
	NumPieces   int
	BitmapBytes int
}

func NewGeometry(fileLength, pieceLength int64) (Geometry, error) {
	if pieceLength <= 0 || fileLength < 0 {
		return Geometry{}, ErrInvalidGeometry
	}
	numPieces := fileLength / pieceLength
	if fileLength%pieceLength != 0 {
		numPieces++
	}
	return Geometry{
		FileLength:  fileLength,
		PieceLength: pieceLength,
		NumPieces:   int(numPieces),
		BitmapBytes: int((numPieces + 7) / 8),
	}, nil
}

// PieceSize is pieceLength for every piece but the last, which holds the remainder.
func (g Geometry) PieceSize(index int) int64 {
	if index < 0 || index >= g.NumPieces {
		return 0
	}
	if index == g.NumPieces-1 {
		return g.FileLength - g.PieceLength*int64(g.NumPieces-1)
	}
	return g.PieceLength
}

func (g Geometry) Offset(index int) int64 {
	return int64(index) * g.PieceLength
}
