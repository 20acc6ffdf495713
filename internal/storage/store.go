package storage

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/WendelHime/simplebt/internal/shared/models"
)

var (
	// ErrIO wraps failures of the backing file.
	ErrIO = errors.New("storage i/o error")
	// ErrOutOfRange reports a piece, offset or length outside the file.
	ErrOutOfRange = errors.New("block out of range")
)

type Options struct {
	// TrustExisting marks every piece complete when a correctly sized file
	// already exists, without reading it back.
	TrustExisting bool
}

// Store maps pieces onto one backing file and tracks which pieces are verified.
type Store struct {
	mu       sync.RWMutex
	f        *os.File
	geometry models.Geometry
	hashes   []byte
	have     models.Bitfield
	log      *slog.Logger
}

// Open creates or reuses the file at path. A missing or mis-sized file is
// (re)sized to the full length and starts with nothing complete.
func Open(path string, geometry models.Geometry, hashes []byte, opts Options, logger *slog.Logger) (*Store, error) {
	if len(hashes) != geometry.NumPieces*20 {
		return nil, fmt.Errorf("%w: %d hash bytes for %d pieces", models.ErrInvalidGeometry, len(hashes), geometry.NumPieces)
	}

	existing := false
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() && info.Size() == geometry.FileLength {
		existing = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if !existing {
		if err := f.Truncate(geometry.FileLength); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	s := &Store{
		f:        f,
		geometry: geometry,
		hashes:   hashes,
		have:     models.NewBitfield(geometry.NumPieces),
		log:      logger,
	}

	switch {
	case existing && opts.TrustExisting:
		for i := 0; i < geometry.NumPieces; i++ {
			s.have.Set(i)
		}
		logger.Info("trusting existing file", slog.String("path", path))
	case existing:
		if err := s.verifyExisting(); err != nil {
			f.Close()
			return nil, err
		}
		logger.Info("verified existing file", slog.String("path", path), slog.Int("complete", s.have.Count(geometry.NumPieces)), slog.Int("pieces", geometry.NumPieces))
	}

	return s, nil
}

func (s *Store) verifyExisting() error {
	for i := 0; i < s.geometry.NumPieces; i++ {
		block, err := s.ReadBlock(i, 0, s.geometry.PieceSize(i))
		if err != nil {
			return err
		}
		if s.Verify(i, block) {
			s.have.Set(i)
		}
	}
	return nil
}

func (s *Store) Geometry() models.Geometry {
	return s.geometry
}

func (s *Store) checkRange(index int, offset, length int64) error {
	if index < 0 || index >= s.geometry.NumPieces {
		return fmt.Errorf("%w: piece %d of %d", ErrOutOfRange, index, s.geometry.NumPieces)
	}
	if offset < 0 || length < 0 || offset+length > s.geometry.PieceSize(index) {
		return fmt.Errorf("%w: [%d, %d) of piece %d", ErrOutOfRange, offset, offset+length, index)
	}
	return nil
}

func (s *Store) ReadBlock(index int, offset, length int64) ([]byte, error) {
	if err := s.checkRange(index, offset, length); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := make([]byte, length)
	_, err := s.f.ReadAt(buf, s.geometry.Offset(index)+offset)
	if err != nil && !(errors.Is(err, io.EOF) && length == 0) {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return buf, nil
}

// WriteBlock stores data at its place in the file. It does not verify it.
func (s *Store) WriteBlock(index int, offset int64, data []byte) error {
	if err := s.checkRange(index, offset, int64(len(data))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(data, s.geometry.Offset(index)+offset); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Verify reports whether block hashes to the descriptor's digest for index.
func (s *Store) Verify(index int, block []byte) bool {
	if index < 0 || index >= s.geometry.NumPieces {
		return false
	}
	sum := sha1.Sum(block)
	return bytes.Equal(sum[:], s.hashes[index*20:index*20+20])
}

func (s *Store) MarkComplete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.have.Set(index)
}

func (s *Store) IsComplete(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.Has(index)
}

// Complete reports whether every piece is verified.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.All(s.geometry.NumPieces)
}

// Bitfield returns a copy of the local availability in wire order.
func (s *Store) Bitfield() models.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.have.Clone()
}

// Left is the number of bytes still missing.
func (s *Store) Left() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var left int64
	for i := 0; i < s.geometry.NumPieces; i++ {
		if !s.have.Has(i) {
			left += s.geometry.PieceSize(i)
		}
	}
	return left
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return s.f.Close()
}
