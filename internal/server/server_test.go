package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproto"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproxy"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/rpc"
)

const yayCommit = "0123456789abcdef0123456789abcdef01234567"

type noUpstream struct{}

func (noUpstream) NegotiatePack(context.Context, *gitproto.UploadRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("0008NAK\n")), nil
}

func newServer(t *testing.T, opts Options) *Server {
	t.Helper()
	b := index.NewBuilder(3)
	require.NoError(t, b.Add(models.IndexEntry{
		State:  models.BranchState{Name: "yay", HeadCommit: yayCommit, SyncedAt: time.Now()},
		Record: &models.PackageRecord{PackageBase: "yay", Packages: []models.Package{{Name: "yay", Version: "12.0-1"}}},
	}))
	idx := index.New()
	require.NoError(t, idx.Publish(b.Build()))

	cache, err := gitproxy.NewPackCache(4, 1<<20)
	require.NoError(t, err)
	if opts.ArchiveURL == "" {
		opts.ArchiveURL = "https://github.com/archlinux/aur/archive/%s.tar.gz"
	}
	return New(idx, gitproxy.New(idx, noUpstream{}, cache, gitproxy.Options{}), rpc.New(idx, rpc.Options{}), opts)
}

func serve(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSnapshotRedirect(t *testing.T) {
	s := newServer(t, Options{})

	rec := serve(t, s, http.MethodGet, "/cgit/aur.git/snapshot/yay.tar.gz", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://github.com/archlinux/aur/archive/"+yayCommit+".tar.gz", rec.Header().Get("Location"))

	for _, path := range []string{"/cgit/aur.git/snapshot/paru.tar.gz", "/cgit/aur.git/snapshot/yay.zip", "/cgit/aur.git/snapshot/.tar.gz"} {
		rec = serve(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestRPCRoutes(t *testing.T) {
	s := newServer(t, Options{})
	for _, path := range []string{"/rpc", "/rpc/", "/rpc.php"} {
		rec := serve(t, s, http.MethodGet, path+"?v=5&type=info&arg=yay", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var env struct {
			ResultCount int `json:"resultcount"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, 1, env.ResultCount, path)
	}
}

func TestRequestID(t *testing.T) {
	s := newServer(t, Options{})
	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)

	rec = serve(t, s, http.MethodGet, "/healthz", http.Header{requestIDHeader: {"abc"}})
	assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, float64(3), health["generation"])
	assert.Equal(t, float64(1), health["packages"])
}

func TestGitRoutes(t *testing.T) {
	s := newServer(t, Options{})
	rec := serve(t, s, http.MethodGet, "/yay.git/info/refs?service=git-upload-pack", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), yayCommit+" refs/heads/master")

	rec = serve(t, s, http.MethodGet, "/paru.git/info/refs?service=git-upload-pack", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	s := newServer(t, Options{})
	serve(t, s, http.MethodGet, "/rpc?v=5&type=info&arg=yay", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "amm_rpc_requests_total")
}

func TestCORS(t *testing.T) {
	s := newServer(t, Options{CORS: true})
	rec := serve(t, s, http.MethodOptions, "/rpc", http.Header{
		"Origin":                        {"https://example.com"},
		"Access-Control-Request-Method": {"GET"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, s, http.MethodGet, "/rpc?v=5&type=info&arg=yay", nil)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	plain := newServer(t, Options{})
	rec = serve(t, plain, http.MethodGet, "/rpc?v=5&type=info&arg=yay", nil)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeShutsDownGracefully(t *testing.T) {
	s := newServer(t, Options{})
	l1, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l1, l2) }()

	for _, l := range []net.Listener{l1, l2} {
		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunRequiresBind(t *testing.T) {
	s := newServer(t, Options{})
	assert.Error(t, s.Run(context.Background()))
}
