// Package server assembles the HTTP surface of the mirror: the RPC
// endpoint, the snapshot redirector, the per-package Git repositories and
// the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproxy"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/rpc"
)

const (
	snapshotSuffix         = ".tar.gz"
	defaultShutdownTimeout = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Bind []string
	// ArchiveURL is a format string taking the commit hash.
	ArchiveURL      string
	CORS            bool
	ShutdownTimeout time.Duration
}

// Server routes requests to the edge handlers.
type Server struct {
	index   *index.Index
	opts    Options
	handler http.Handler
}

// New builds the router.
func New(idx *index.Index, git *gitproxy.Server, rpcHandler *rpc.Handler, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Server{index: idx, opts: opts}

	r := mux.NewRouter()
	compressed := gzhttp.GzipHandler(rpcHandler)
	for _, path := range []string{"/rpc", "/rpc/", "/rpc.php"} {
		r.Handle(path, compressed).Methods(http.MethodGet, http.MethodPost)
	}
	r.HandleFunc("/cgit/aur.git/snapshot/{name}", s.snapshot).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	git.Register(r)

	var h http.Handler = r
	if opts.CORS {
		h = allowCORS(h)
	}
	s.handler = logRequests(h)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// snapshot redirects a package tarball request to the upstream archive of
// the indexed commit.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(mux.Vars(r)["name"], snapshotSuffix)
	if !ok || name == "" {
		http.NotFound(w, r)
		return
	}
	sha, ok := s.index.Current().Resolve(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, fmt.Sprintf(s.opts.ArchiveURL, sha), http.StatusTemporaryRedirect)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	snap := s.index.Current()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"generation": snap.Generation(),
		"branches":   snap.Len(),
		"packages":   snap.PackageCount(),
		"created_at": snap.CreatedAt(),
	})
}

// Run listens on every bind address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if len(s.opts.Bind) == 0 {
		return errors.New("no bind address configured")
	}
	listeners := make([]net.Listener, 0, len(s.opts.Bind))
	for _, addr := range s.opts.Bind {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, l)
	}
	return s.Serve(ctx, listeners...)
}

// Serve serves on the given listeners until ctx is cancelled. A graceful
// shutdown returns nil.
func (s *Server) Serve(ctx context.Context, listeners ...net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		srv := &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 30 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		}
		g.Go(func() error {
			logrus.Infof("Listening on http://%s", l.Addr())
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logrus.Warnf("Forced shutdown of %s: %v", l.Addr(), err)
				return srv.Close()
			}
			return nil
		})
	}
	return g.Wait()
}
