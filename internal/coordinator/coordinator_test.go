package coordinator

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scigolib/mrklcache/internal/cacheio"
	"github.com/scigolib/mrklcache/internal/reftree"
	"github.com/scigolib/mrklcache/internal/scheduler"
	"github.com/scigolib/mrklcache/internal/state"
	"github.com/scigolib/mrklcache/internal/transport"
)

// rangeServer serves byte ranges out of content and counts requests,
// keyed by the Range header value, so tests can assert de-duplication.
type rangeServer struct {
	mu      sync.Mutex
	content []byte
	counts  map[string]int
	gate    chan struct{} // if non-nil, every handler blocks on it before responding
}

func newRangeServer(content []byte) *rangeServer {
	return &rangeServer{content: content, counts: map[string]int{}}
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rangeHdr := r.Header.Get("Range")
	s.mu.Lock()
	s.counts[rangeHdr]++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	var start, end int
	if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.content)))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(s.content[start : end+1])
}

func (s *rangeServer) requestCount(rangeHdr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[rangeHdr]
}

func setupMirror(t *testing.T, content []byte, chunkSize uint64) (*reftree.Tree, *state.State, *cacheio.File) {
	t.Helper()
	dir := t.TempDir()

	tr, err := reftree.Build(bytes.NewReader(content), uint64(len(content)), chunkSize)
	require.NoError(t, err)

	st, err := state.CreateEmpty(tr, filepath.Join(dir, "mirror.mrkl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cache, err := cacheio.Create(filepath.Join(dir, "mirror.cache"), uint64(len(content)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return tr, st, cache
}

func TestEnsureCoveringFetchesVerifiesAndCommits(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	tr, st, cache := setupMirror(t, content, 4)

	srv := newRangeServer(content)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	tr2 := transport.New()
	c := New(tr.Geometry(), tr, st, cache, tr2, scheduler.LeafOnly{}, httpSrv.URL)

	require.NoError(t, c.EnsureCovering(t.Context(), 0, uint64(len(content))))

	for i := uint64(0); i < 4; i++ {
		require.True(t, st.IsValid(i))
	}
	got := make([]byte, len(content))
	_, err := cache.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestEnsureCoveringSkipsAlreadyValidLeaves(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	tr, st, cache := setupMirror(t, content, 4)

	// Pre-commit leaf 0 directly, bypassing the coordinator.
	ok, err := st.SaveIfValid(0, content[0:4], func(d []byte) error {
		_, werr := cache.WriteAt(d, 0)
		return werr
	})
	require.NoError(t, err)
	require.True(t, ok)

	srv := newRangeServer(content)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	tr2 := transport.New()
	c := New(tr.Geometry(), tr, st, cache, tr2, scheduler.LeafOnly{}, httpSrv.URL)

	require.NoError(t, c.EnsureCovering(t.Context(), 0, uint64(len(content))))

	require.Equal(t, 0, srv.requestCount("bytes=0-3"), "already-valid leaf 0 must never be fetched")
	require.Equal(t, 1, srv.requestCount("bytes=4-7"))
}

func TestEnsureCoveringDedupesConcurrentFetchesOfSameNode(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	tr, st, cache := setupMirror(t, content, 4)

	srv := newRangeServer(content)
	srv.gate = make(chan struct{})
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	tr2 := transport.New()
	coalescing := scheduler.NewCoalescing(4) // whole file coalesces to one node
	c := New(tr.Geometry(), tr, st, cache, tr2, coalescing, httpSrv.URL)

	const callers = 5
	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.EnsureCovering(t.Context(), 0, uint64(len(content))); err != nil {
				failures.Add(1)
			}
		}()
	}

	close(srv.gate) // release every request at once; singleflight should collapse them to one
	wg.Wait()

	require.Zero(t, failures.Load())
	require.Equal(t, 1, srv.requestCount(fmt.Sprintf("bytes=0-%d", len(content)-1)))
	for i := uint64(0); i < 4; i++ {
		require.True(t, st.IsValid(i))
	}
}

func TestEnsureCoveringIntegrityFailureLeavesBitUnset(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	tr, st, cache := setupMirror(t, content, 4)

	corrupted := append([]byte(nil), content...)
	corrupted[0] = 'X' // corrupts leaf 0's bytes without changing length

	srv := newRangeServer(corrupted)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	tr2 := transport.New()
	c := New(tr.Geometry(), tr, st, cache, tr2, scheduler.LeafOnly{}, httpSrv.URL)

	err := c.EnsureCovering(t.Context(), 0, 4)
	require.Error(t, err)
	require.False(t, st.IsValid(0))
	require.EqualValues(t, 1, c.IntegrityFailures())
}
