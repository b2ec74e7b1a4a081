package cacheio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/mrklcache/internal/errs"
)

func TestCreateSizesSparseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	f, err := Create(path, 4096)
	require.NoError(t, err)
	defer f.Close()

	require.EqualValues(t, 4096, f.Size())

	buf := make([]byte, 16)
	n, err := f.ReadAt(buf, 100)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, make([]byte, 16), buf, "unwritten region reads as zero")
}

func TestCreateRejectsSizeMismatchOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	f, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Create(path, 8192)
	require.Error(t, err)
	require.Equal(t, errs.Corrupt, errs.KindOf(err))
}

func TestWriteAtRejectsOutOfBoundsRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	f, err := Create(path, 8)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("123456789"), 0)
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	f, err := Create(path, 16)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("ABCD"), 4)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	buf := make([]byte, 4)
	_, err = f.ReadAt(buf, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("ABCD"), buf)
}

func TestOpenReadsBackExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.bin")
	f, err := Create(path, 32)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 32, reopened.Size())
}
