// Package rpc answers AUR RPC v5 search and info requests from the current
// index snapshot.
package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
)

const (
	apiVersion = 5

	defaultMaxResults = 5000
	minQueryLength    = 2
)

// Error messages, worded as the AUR words them.
const (
	msgNoVersion      = "Please specify an API version."
	msgBadVersion     = "Invalid version specified."
	msgNoType         = "No request type/data specified."
	msgBadType        = "Incorrect request type specified."
	msgArgTooSmall    = "Query arg too small."
	msgBadBy          = "Incorrect by field specified."
	msgTooMany        = "Too many package results."
	msgBadCallback    = "Invalid Callback Name."
	snapshotURLFormat = "/cgit/aur.git/snapshot/%s.tar.gz"
)

var callbackPattern = regexp.MustCompile(`^[a-zA-Z0-9()_.]{1,128}$`)

// Options configures a Handler.
type Options struct {
	// MaxResults caps search responses; larger result sets are an error.
	MaxResults int
}

// Handler serves /rpc.
type Handler struct {
	index *index.Index
	opts  Options
}

// New creates a Handler reading from idx.
func New(idx *index.Index, opts Options) *Handler {
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	return &Handler{index: idx, opts: opts}
}

type request struct {
	version  string
	hasV     bool
	typ      string
	by       string
	args     []string
	callback string
}

func parseRequest(r *http.Request) (request, error) {
	var form map[string][]string
	switch r.Method {
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			return request{}, err
		}
		form = r.PostForm
	default:
		form = r.URL.Query()
	}

	get := func(k string) string {
		if v := form[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req := request{
		version: get("v"),
		typ:     get("type"),
		by:      get("by"),
	}
	_, req.hasV = form["v"]
	req.args = append(append(req.args, form["arg"]...), form["arg[]"]...)
	if r.Method != http.MethodPost {
		req.callback = get("callback")
	}
	return req, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	resp := h.handle(req)
	metrics.RPCRequests.WithLabelValues(resp.Type).Inc()
	h.write(w, resp, req.callback)
}

func errorResponse(msg string, version *int) *Response {
	return &Response{Error: msg, Results: []any{}, Type: "error", Version: version}
}

func (h *Handler) handle(req request) *Response {
	if !req.hasV || req.version == "" {
		return errorResponse(msgNoVersion, nil)
	}
	if req.version != strconv.Itoa(apiVersion) {
		var v *int
		if n, err := strconv.Atoi(req.version); err == nil {
			v = &n
		}
		return errorResponse(msgBadVersion, v)
	}
	version := apiVersion

	if req.callback != "" && !callbackPattern.MatchString(req.callback) {
		return errorResponse(msgBadCallback, &version)
	}

	switch req.typ {
	case "":
		return errorResponse(msgNoType, &version)
	case "search":
		return h.search(req)
	case "info", "multiinfo":
		return h.info(req)
	default:
		return errorResponse(msgBadType, &version)
	}
}

func (h *Handler) search(req request) *Response {
	version := apiVersion

	field, ok := index.ParseField(req.by)
	if !ok {
		return errorResponse(msgBadBy, &version)
	}

	var arg string
	if len(req.args) > 0 {
		arg = req.args[0]
	}
	if arg == "" || ((field == index.FieldName || field == index.FieldNameDesc) && len(arg) < minQueryLength) {
		return errorResponse(msgArgTooSmall, &version)
	}

	hits := h.index.Current().Search(arg, field)
	if len(hits) > h.opts.MaxResults {
		return errorResponse(msgTooMany, &version)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, searchResult(hit))
	}
	return &Response{ResultCount: len(results), Results: results, Type: "search", Version: &version}
}

func (h *Handler) info(req request) *Response {
	version := apiVersion
	if len(req.args) == 0 {
		return errorResponse(msgNoType, &version)
	}

	found := h.index.Current().LookupExact(req.args)
	results := make([]InfoResult, 0, len(found))
	seen := make(map[string]bool, len(req.args))
	for _, name := range req.args {
		hit, ok := found[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		results = append(results, infoResult(hit))
	}
	return &Response{ResultCount: len(results), Results: results, Type: "multiinfo", Version: &version}
}

func searchResult(hit index.Hit) SearchResult {
	pkg := hit.Package
	return SearchResult{
		Name:         pkg.Name,
		Description:  pkg.Description,
		PackageBase:  hit.PackageBase,
		Version:      pkg.Version,
		URL:          pkg.URL,
		URLPath:      fmt.Sprintf(snapshotURLFormat, hit.PackageBase),
		LastModified: hit.State.SyncedAt.Unix(),
	}
}

func infoResult(hit index.Hit) InfoResult {
	pkg := hit.Package
	return InfoResult{
		SearchResult:  searchResult(hit),
		License:       list(pkg.Licenses),
		Depends:       list(pkg.Depends),
		MakeDepends:   list(pkg.MakeDepends),
		OptDepends:    list(pkg.OptDepends),
		CheckDepends:  list(pkg.CheckDepends),
		Provides:      list(pkg.Provides),
		Conflicts:     list(pkg.Conflicts),
		Replaces:      list(pkg.Replaces),
		Groups:        list(pkg.Groups),
		Keywords:      list(pkg.Extra["keywords"]),
		CoMaintainers: []string{},
	}
}

// list keeps empty fields as [] rather than null.
func list(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (h *Handler) write(w http.ResponseWriter, resp *Response, callback string) {
	body, err := json.Marshal(resp)
	if err != nil {
		logrus.Errorf("Failed to encode RPC response: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if callback != "" && resp.Error != msgBadCallback {
		w.Header().Set("Content-Type", "text/javascript")
		fmt.Fprintf(w, "/**/%s(%s)", callback, body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
