// Package gitproxy serves every indexed branch of the upstream mirror as
// its own read-only Git repository over smart HTTP.
//
// Each request is scoped to one package before anything else happens:
// the package name is resolved to the commit the current index snapshot
// holds for it, the advertisement shows only that commit as
// refs/heads/master, and an upload-pack request may only want that
// commit. Negotiation is then forwarded to the single physical repository.
package gitproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproto"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/utils"
)

const (
	serviceReceivePack = "git-receive-pack"

	contentTypeAdvertisement = "application/x-git-upload-pack-advertisement"
	contentTypeRequest       = "application/x-git-upload-pack-request"
	contentTypeResult        = "application/x-git-upload-pack-result"

	defaultMaxRequestBytes = 10 << 20
	defaultMaxHaves        = 1 << 16
)

// Negotiator runs pack negotiation against the physical repository.
type Negotiator interface {
	NegotiatePack(ctx context.Context, req *gitproto.UploadRequest) (io.ReadCloser, error)
}

// Options configures a Server.
type Options struct {
	// Agent is advertised as the agent capability.
	Agent string
	// MaxRequestBytes bounds the request body both as sent and after
	// content decoding.
	MaxRequestBytes int64
	MaxHaves        int
}

// Server implements the smart-HTTP endpoints.
type Server struct {
	index    *index.Index
	upstream Negotiator
	cache    *PackCache
	opts     Options
}

// New creates a Server. cache may be nil.
func New(idx *index.Index, upstream Negotiator, cache *PackCache, opts Options) *Server {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = defaultMaxRequestBytes
	}
	if opts.MaxHaves <= 0 {
		opts.MaxHaves = defaultMaxHaves
	}
	if opts.Agent == "" {
		opts.Agent = "aur-mirror-meta"
	}
	return &Server{index: idx, upstream: upstream, cache: cache, opts: opts}
}

// Register adds the Git routes to r. Repositories are addressed as
// /<pkgbase>.git/... or /<pkgbase>/...
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/{repo}/info/refs", s.InfoRefs).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{repo}/"+gitproto.ServiceUploadPack, s.UploadPack).Methods(http.MethodPost)
	r.HandleFunc("/{repo}/"+serviceReceivePack, s.ReceivePack)
}

func packageName(r *http.Request) string {
	return strings.TrimSuffix(mux.Vars(r)["repo"], ".git")
}

func (s *Server) respond(w http.ResponseWriter, service string, code int, msg string) {
	metrics.GitRequests.WithLabelValues(service, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}

// InfoRefs serves the ref advertisement.
func (s *Server) InfoRefs(w http.ResponseWriter, r *http.Request) {
	pkg := packageName(r)
	service := r.URL.Query().Get("service")

	switch service {
	case gitproto.ServiceUploadPack:
	case "":
		// Dumb-protocol clients; the mirror only speaks smart HTTP.
		s.respond(w, "dumb", http.StatusForbidden, "Please upgrade your git client.")
		return
	case serviceReceivePack:
		s.respond(w, service, http.StatusForbidden, "Pushing is not supported by this mirror.")
		return
	default:
		s.respond(w, "unknown", http.StatusForbidden, "Unsupported service")
		return
	}

	sha, ok := s.index.Current().Resolve(pkg)
	if !ok {
		s.respond(w, service, http.StatusNotFound, "Repository not found")
		return
	}

	w.Header().Set("Content-Type", contentTypeAdvertisement)
	w.Header().Set("Cache-Control", "no-cache")
	if err := gitproto.WriteAdvertisement(w, sha, s.opts.Agent); err != nil {
		logrus.WithField("package", pkg).Warnf("Failed to write ref advertisement: %v", err)
		return
	}
	metrics.GitRequests.WithLabelValues(service, "200").Inc()
	logrus.WithFields(logrus.Fields{"package": pkg, "commit": sha}).Debug("Advertised refs")
}

// ReceivePack rejects pushes.
func (s *Server) ReceivePack(w http.ResponseWriter, r *http.Request) {
	s.respond(w, serviceReceivePack, http.StatusForbidden, "Pushing is not supported by this mirror.")
}

// UploadPack validates a negotiation request against the package's
// indexed commit and relays it upstream, serving from the pack cache when
// the request shape allows.
func (s *Server) UploadPack(w http.ResponseWriter, r *http.Request) {
	pkg := packageName(r)
	log := logrus.WithField("package", pkg)
	service := gitproto.ServiceUploadPack

	sha, ok := s.index.Current().Resolve(pkg)
	if !ok {
		s.respond(w, service, http.StatusNotFound, "Repository not found")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != contentTypeRequest {
		s.respond(w, service, http.StatusUnsupportedMediaType, "Unsupported content type")
		return
	}

	body, err := utils.DecodeContent(http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes), r.Header.Get("Content-Encoding"))
	if err != nil {
		s.respond(w, service, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	body = http.MaxBytesReader(w, body, s.opts.MaxRequestBytes)
	defer body.Close()

	req, err := gitproto.DecodeUploadRequest(body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.respond(w, service, http.StatusRequestEntityTooLarge, "Request too large")
			return
		}
		log.Infof("Rejected malformed upload-pack request: %v", err)
		s.protocolError(w, "malformed upload-pack request")
		return
	}
	if len(req.Haves) > s.opts.MaxHaves {
		log.Infof("Rejected upload-pack request with %d haves", len(req.Haves))
		s.respond(w, service, http.StatusRequestEntityTooLarge, "Too many have lines")
		return
	}

	if err := scope(req, sha); err != nil {
		log.Warnf("Rejected out-of-scope upload-pack request: %v", err)
		s.protocolError(w, err.Error())
		return
	}

	var key CacheKey
	cacheable := s.cache.Enabled() && req.Cacheable()
	if cacheable {
		key = CacheKey{Package: pkg, Commit: sha, Shape: shape(req)}
		if data, ok := s.cache.Get(key); ok {
			metrics.PackCache.WithLabelValues("hit").Inc()
			log.Debugf("Serving %d byte pack from cache", len(data))
			writeResultHeaders(w)
			w.Write(data)
			metrics.GitRequests.WithLabelValues(service, "200").Inc()
			return
		}
		metrics.PackCache.WithLabelValues("miss").Inc()
	}

	stream, err := s.upstream.NegotiatePack(r.Context(), req)
	if err != nil {
		s.upstreamError(w, log, err)
		return
	}
	defer stream.Close()

	writeResultHeaders(w)
	metrics.GitRequests.WithLabelValues(service, "200").Inc()

	var capture *boundedBuffer
	dst := io.Writer(flushWriter{w})
	if cacheable {
		capture = newBoundedBuffer(s.cache.MaxEntryBytes())
		dst = io.MultiWriter(dst, capture)
	}

	n, err := io.Copy(dst, stream)
	if err != nil {
		// Client gone or upstream cut off: the partial capture is dropped.
		log.Debugf("Pack transfer aborted after %d bytes: %v", n, err)
		return
	}

	if capture != nil {
		switch {
		case capture.overflowed:
			metrics.PackCache.WithLabelValues("too_large").Inc()
		case s.cache.Add(key, capture.Bytes()):
			metrics.PackCache.WithLabelValues("stored").Inc()
			log.Debugf("Cached %d byte pack", n)
		default:
			metrics.PackCache.WithLabelValues("raced").Inc()
		}
	}
}

func writeResultHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentTypeResult)
	w.Header().Set("Cache-Control", "no-cache")
}

// protocolError answers with an ERR pkt-line and closes the connection.
func (s *Server) protocolError(w http.ResponseWriter, msg string) {
	metrics.GitRequests.WithLabelValues(gitproto.ServiceUploadPack, "err").Inc()
	writeResultHeaders(w)
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_ = gitproto.WriteError(w, msg)
}

func (s *Server) upstreamError(w http.ResponseWriter, log *logrus.Entry, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Errorf("Upstream pack negotiation failed: %v", err)

	t, _ := models.TypeOf(err)
	switch t {
	case models.ErrNotFound:
		s.respond(w, gitproto.ServiceUploadPack, http.StatusNotFound, "Repository not found")
	case models.ErrUpstreamRateLimited:
		s.respond(w, gitproto.ServiceUploadPack, http.StatusServiceUnavailable, "Upstream is rate limiting, try again later")
	default:
		s.respond(w, gitproto.ServiceUploadPack, http.StatusBadGateway, "Upstream negotiation failed")
	}
}

// scope confines a request to the package's commit. Every want must be
// that commit, and deepen-not may only name it, directly or as master or
// HEAD, since any other name would be resolved against sibling branches
// of the physical repository.
func scope(req *gitproto.UploadRequest, sha string) error {
	for _, want := range req.Wants {
		if want != sha {
			return fmt.Errorf("want %s not valid", want)
		}
	}
	for i, line := range req.Deepen {
		arg, ok := strings.CutPrefix(line, "deepen-not ")
		if !ok {
			continue
		}
		switch arg {
		case sha:
		case "HEAD", "master", gitproto.DefaultBranch.String():
			req.Deepen[i] = "deepen-not " + sha
		default:
			return fmt.Errorf("deepen-not %s not valid", arg)
		}
	}
	return nil
}

// shape fingerprints what besides the wanted commit decides the response
// bytes. The agent is dropped; capability order is irrelevant.
func shape(req *gitproto.UploadRequest) string {
	caps := make([]string, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		if !strings.HasPrefix(c, "agent=") && !strings.HasPrefix(c, "session-id=") {
			caps = append(caps, c)
		}
	}
	sort.Strings(caps)

	parts := append([]string{strings.Join(caps, " ")}, req.Deepen...)
	parts = append(parts, "filter="+req.Filter)
	return utils.FingerprintStrings(parts...)
}

// flushWriter pushes every chunk to the client so side-band progress
// arrives as it is produced.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

// boundedBuffer captures a response for the cache and gives up, without
// failing the copy, once it exceeds max bytes.
type boundedBuffer struct {
	data       []byte
	max        int64
	overflowed bool
}

func newBoundedBuffer(max int64) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.overflowed {
		return len(p), nil
	}
	if int64(len(b.data)+len(p)) > b.max {
		b.overflowed = true
		b.data = nil
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	return b.data
}
