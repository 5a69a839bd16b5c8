package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/pktline"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/config"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/store"
)

const (
	yayCommit  = "1111111111111111111111111111111111111111"
	paruCommit = "2222222222222222222222222222222222222222"
	mainCommit = "3333333333333333333333333333333333333333"
)

var srcinfos = map[string]string{
	yayCommit: `pkgbase = yay
	pkgdesc = Yet another yogurt. Pacman wrapper and AUR helper written in go.
	pkgver = 12.4.2
	pkgrel = 1
	url = https://github.com/Jguer/yay
	arch = x86_64
	license = GPL-3.0-or-later
	makedepends = go>=1.21
	depends = pacman>6.1
	depends = git

pkgname = yay
`,
	paruCommit: `pkgbase = paru
	pkgdesc = Feature packed AUR helper
	pkgver = 2.0.4
	pkgrel = 1
	url = https://github.com/morganamilo/paru
	arch = x86_64
	license = GPL-3.0-or-later
	depends = git
	depends = pacman

pkgname = paru
`,
}

// fakeGitHub serves the mirror's ref advertisement and answers .SRCINFO
// blob queries.
type fakeGitHub struct {
	mu      sync.Mutex
	refs    map[string]string
	queries int
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/archlinux/aur.git/info/refs":
		ar := packp.NewAdvRefs()
		ar.Prefix = [][]byte{[]byte("# service=git-upload-pack"), pktline.Flush}
		for name, sha := range f.refs {
			ar.References["refs/heads/"+name] = plumbing.NewHash(sha)
		}
		w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
		ar.Encode(w)
	case "/graphql":
		f.queries++
		var req struct {
			Variables map[string]any `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		repo := map[string]any{}
		for k, v := range req.Variables {
			if !strings.HasPrefix(k, "e") {
				continue
			}
			commit, _, _ := strings.Cut(v.(string), ":")
			if text, ok := srcinfos[commit]; ok {
				repo["x"+k[1:]] = map[string]string{"text": text}
			} else {
				repo["x"+k[1:]] = nil
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"repository": repo}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeGitHub) setRefs(refs map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = refs
}

func (f *fakeGitHub) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func writeConfig(t *testing.T, upstreamURL, dbPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`github_token: ghp_test
db_path: %s
upstream:
  git_url: %s/archlinux/aur.git
  graphql_url: %s/graphql
  max_retries: 1
  retry_wait_min: 1ms
  retry_wait_max: 5ms
  requests_per_second: 0
`, dbPath, upstreamURL, upstreamURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestSyncAndServe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration tests in short mode")
	}
	for _, env := range []string{config.EnvToken, config.EnvFallbackToken, config.EnvDBPath} {
		t.Setenv(env, "")
	}

	gh := &fakeGitHub{refs: map[string]string{"main": mainCommit, "yay": yayCommit, "paru": paruCommit}}
	upstreamSrv := httptest.NewServer(gh)
	defer upstreamSrv.Close()

	dbPath := filepath.Join(t.TempDir(), "aur-meta.db")
	cfgPath := writeConfig(t, upstreamSrv.URL, dbPath)

	// First pass indexes both packages.
	out, err := execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "2 added")

	st, err := store.New(dbPath)
	require.NoError(t, err)
	gen, err := st.Generation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	st.Close()

	// Nothing moved: no blob queries, nothing published.
	queries := gh.queryCount()
	out, err = execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err, out)
	assert.Equal(t, queries, gh.queryCount())
	assert.Contains(t, out, "2 unchanged")

	// Serve until cancelled.
	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		cmd := NewRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetArgs([]string{"--config", cfgPath, "serve", "--bind", addr})
		done <- cmd.ExecuteContext(ctx)
	}()

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	t.Run("RPC", func(t *testing.T) {
		resp, err := http.Get(base + "/rpc?v=5&type=search&by=depends&arg=git")
		require.NoError(t, err)
		defer resp.Body.Close()
		var env struct {
			ResultCount int `json:"resultcount"`
			Results     []struct {
				Name    string `json:"Name"`
				Version string `json:"Version"`
			} `json:"results"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
		require.Equal(t, 2, env.ResultCount)
		assert.Equal(t, "paru", env.Results[0].Name)
		assert.Equal(t, "12.4.2-1", env.Results[1].Version)
	})

	t.Run("Snapshot", func(t *testing.T) {
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
		resp, err := client.Get(base + "/cgit/aur.git/snapshot/paru.tar.gz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
		assert.Equal(t, "https://github.com/archlinux/aur/archive/"+paruCommit+".tar.gz", resp.Header.Get("Location"))
	})

	t.Run("GitLsRemote", func(t *testing.T) {
		git, err := exec.LookPath("git")
		if err != nil {
			t.Skip("git not available, skipping")
		}
		var stdout, stderr bytes.Buffer
		cmd := exec.Command(git, "ls-remote", base+"/yay.git")
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1", "HOME="+t.TempDir())
		cmd.Stdout, cmd.Stderr = &stdout, &stderr
		require.NoError(t, cmd.Run(), stderr.String())
		assert.Equal(t, yayCommit+"\tHEAD\n"+yayCommit+"\trefs/heads/master\n", stdout.String())

		cmd = exec.Command(git, "ls-remote", base+"/main.git")
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1", "HOME="+t.TempDir())
		assert.Error(t, cmd.Run(), "the mirror's main branch is not a package")
	})

	// A sync from another process is picked up by the running server.
	gh.setRefs(map[string]string{"main": mainCommit, "yay": yayCommit})
	out, err = execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 removed")

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/paru.git/info/refs?service=git-upload-pack")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "graceful shutdown exits cleanly")
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
