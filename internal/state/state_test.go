package state

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/mrklcache/internal/errs"
	"github.com/scigolib/mrklcache/internal/reftree"
)

func buildTestTree(t *testing.T) *reftree.Tree {
	t.Helper()
	tr, err := reftree.Build(bytes.NewReader([]byte("ABCDEFGHIJ")), 10, 4)
	require.NoError(t, err)
	return tr
}

func TestCreateEmptyStartsAllInvalid(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")

	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	for i := uint64(0); i < st.Geometry().NLeaves(); i++ {
		require.False(t, st.IsValid(i))
	}
	_, err = st.ToRef()
	require.Error(t, err)
	require.Equal(t, errs.InvalidState, errs.KindOf(err))
}

func TestSaveIfValidRejectsHashMismatch(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	committed := false
	ok, err := st.SaveIfValid(0, []byte("WRONG"), func([]byte) error {
		committed = true
		return nil
	})
	require.False(t, ok)
	require.Error(t, err)
	require.Equal(t, errs.Integrity, errs.KindOf(err))
	require.False(t, committed, "commit must not run after a hash mismatch")
	require.False(t, st.IsValid(0))
}

func TestSaveIfValidRollsBackOnCommitFailure(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.SaveIfValid(0, []byte("ABCD"), func([]byte) error {
		return errs.New(errs.Io, "disk full")
	})
	require.False(t, ok)
	require.Error(t, err)
	require.False(t, st.IsValid(0))
}

func TestSaveIfValidSetsBitAndPersists(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)

	ok, err := st.SaveIfValid(0, []byte("ABCD"), func([]byte) error { return nil })
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, st.IsValid(0))
	require.False(t, st.IsValid(1))

	require.NoError(t, st.Close())

	reloaded, err := Load(path, 4)
	require.NoError(t, err)
	defer reloaded.Close()
	require.True(t, reloaded.IsValid(0))
	require.False(t, reloaded.IsValid(1))
}

func TestSaveIfValidRejectsOutOfRangeIndex(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	_, err = st.SaveIfValid(99, []byte("x"), func([]byte) error { return nil })
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestToRefSucceedsOnceAllLeavesValid(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	leaves := [][]byte{[]byte("ABCD"), []byte("EFGH"), []byte("IJ")}
	for i, data := range leaves {
		ok, err := st.SaveIfValid(uint64(i), data, func([]byte) error { return nil })
		require.NoError(t, err)
		require.True(t, ok)
	}

	ref, err := st.ToRef()
	require.NoError(t, err)
	require.Equal(t, tr.FileDigest(), ref.FileDigest())
}

func TestValidChunksSnapshotIsIndependent(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	snap := st.ValidChunks()
	require.Zero(t, snap.Count())

	_, err = st.SaveIfValid(0, []byte("ABCD"), func([]byte) error { return nil })
	require.NoError(t, err)

	require.Zero(t, snap.Count(), "prior snapshot must not observe later commits")
	require.EqualValues(t, 1, st.ValidChunks().Count())
}

func TestLoadRejectsChunkSizeMismatch(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = Load(path, 1024)
	require.Error(t, err)
	require.Equal(t, errs.Corrupt, errs.KindOf(err))
}

func TestFlushIsIdempotent(t *testing.T) {
	tr := buildTestTree(t)
	path := filepath.Join(t.TempDir(), "content.mrkl")
	st, err := CreateEmpty(tr, path)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Flush())
	require.NoError(t, st.Flush())
}
