package storage

import (
	"bytes"
	"crypto/sha1"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/WendelHime/simplebt/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture splits content into pieces of pieceLength and returns the digest table.
func fixture(t *testing.T, content []byte, pieceLength int64) (models.Geometry, []byte) {
	t.Helper()
	geometry, err := models.NewGeometry(int64(len(content)), pieceLength)
	require.NoError(t, err)

	var hashes []byte
	for i := 0; i < geometry.NumPieces; i++ {
		begin := geometry.Offset(i)
		sum := sha1.Sum(content[begin : begin+geometry.PieceSize(i)])
		hashes = append(hashes, sum[:]...)
	}
	return geometry, hashes
}

func TestOpenCreatesSizedFile(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 10)
	geometry, hashes := fixture(t, content, 32)
	path := filepath.Join(t.TempDir(), "out.bin")

	s, err := Open(path, geometry, hashes, Options{}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
	assert.False(t, s.Complete())
	assert.Equal(t, int64(100), s.Left())
	assert.Equal(t, models.Bitfield{0x00}, s.Bitfield())
	assert.Equal(t, geometry, s.Geometry())
}

func TestVerify(t *testing.T) {
	content := make([]byte, 128)
	for i := range content {
		content[i] = byte(i)
	}
	geometry, hashes := fixture(t, content, 40)
	s, err := Open(filepath.Join(t.TempDir(), "out.bin"), geometry, hashes, Options{}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < geometry.NumPieces; i++ {
		begin := geometry.Offset(i)
		block := append([]byte{}, content[begin:begin+geometry.PieceSize(i)]...)
		assert.True(t, s.Verify(i, block), "piece %d", i)

		for bit := 0; bit < len(block)*8; bit++ {
			block[bit/8] ^= 1 << (bit % 8)
			assert.False(t, s.Verify(i, block), "piece %d bit %d", i, bit)
			block[bit/8] ^= 1 << (bit % 8)
		}
	}
	assert.False(t, s.Verify(geometry.NumPieces, content[:8]))
	assert.False(t, s.Verify(0, content[40:80]))
}

func TestWriteReadAndComplete(t *testing.T) {
	content := []byte("the last piece is shorter")
	geometry, hashes := fixture(t, content, 10)
	s, err := Open(filepath.Join(t.TempDir(), "out.bin"), geometry, hashes, Options{}, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteBlock(2, 0, content[20:]))
	block, err := s.ReadBlock(2, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, content[20:], block)

	assert.False(t, s.IsComplete(2))
	s.MarkComplete(2)
	assert.True(t, s.IsComplete(2))
	assert.Equal(t, int64(20), s.Left())

	// completion is sticky regardless of later writes
	require.NoError(t, s.WriteBlock(2, 0, []byte("xxxxx")))
	assert.True(t, s.IsComplete(2))
	s.MarkComplete(2)
	assert.True(t, s.IsComplete(2))

	_, err = s.ReadBlock(2, 0, 6)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.ReadBlock(3, 0, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.ReadBlock(-1, 0, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, s.WriteBlock(0, 5, make([]byte, 6)), ErrOutOfRange)
}

func TestOpenExistingFile(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 64)
	geometry, hashes := fixture(t, content, 16)

	var tests = []struct {
		name   string
		setup  func(t *testing.T, path string)
		opts   Options
		assert func(t *testing.T, s *Store)
	}{
		{
			name: "intact file is verified complete",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, content, 0644))
			},
			assert: func(t *testing.T, s *Store) {
				assert.True(t, s.Complete())
				assert.Equal(t, int64(0), s.Left())
			},
		},
		{
			name: "corrupted piece is not trusted",
			setup: func(t *testing.T, path string) {
				corrupted := append([]byte{}, content...)
				corrupted[20] = 0x00
				require.NoError(t, os.WriteFile(path, corrupted, 0644))
			},
			assert: func(t *testing.T, s *Store) {
				assert.False(t, s.Complete())
				assert.False(t, s.IsComplete(1))
				assert.True(t, s.IsComplete(0))
				assert.Equal(t, int64(16), s.Left())
			},
		},
		{
			name: "trusted file skips verification",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, make([]byte, 64), 0644))
			},
			opts: Options{TrustExisting: true},
			assert: func(t *testing.T, s *Store) {
				assert.True(t, s.Complete())
			},
		},
		{
			name: "mis-sized file starts empty",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, content[:10], 0644))
			},
			opts: Options{TrustExisting: true},
			assert: func(t *testing.T, s *Store) {
				assert.False(t, s.IsComplete(0))
				assert.Equal(t, int64(64), s.Left())
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "existing.bin")
			tt.setup(t, path)
			s, err := Open(path, geometry, hashes, tt.opts, discardLogger())
			require.NoError(t, err)
			defer s.Close()
			tt.assert(t, s)
		})
	}
}

func TestOpenRejectsShortHashTable(t *testing.T) {
	geometry, err := models.NewGeometry(40, 10)
	require.NoError(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "x"), geometry, make([]byte, 60), Options{}, discardLogger())
	assert.ErrorIs(t, err, models.ErrInvalidGeometry)
}
