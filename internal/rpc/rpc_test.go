package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

var syncedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newHandler(t *testing.T, maxResults int) *Handler {
	t.Helper()
	b := index.NewBuilder(1)
	add := func(branch string, pkgs ...models.Package) {
		require.NoError(t, b.Add(models.IndexEntry{
			State:  models.BranchState{Name: branch, HeadCommit: strings.Repeat("a", 40), SyncedAt: syncedAt},
			Record: &models.PackageRecord{PackageBase: branch, Packages: pkgs},
		}))
	}
	add("foo", models.Package{Name: "foo", Version: "1.0-1", Description: "The foo tool", URL: "https://foo.example",
		Licenses: []string{"MIT"}, Depends: []string{"glibc", "bar>=2"}})
	add("foo-bin", models.Package{Name: "foo-bin", Version: "1.0-2", Description: "Prebuilt foo", Provides: []string{"foo"}})
	add("barfoo", models.Package{Name: "barfoo", Version: "3-1", Description: "Bar with foo"},
		models.Package{Name: "barfoo-docs", Version: "3-1", Description: "Docs"})

	idx := index.New()
	require.NoError(t, idx.Publish(b.Build()))
	return New(idx, Options{MaxResults: maxResults})
}

type envelope struct {
	Error       string            `json:"error"`
	ResultCount int               `json:"resultcount"`
	Results     []json.RawMessage `json:"results"`
	Type        string            `json:"type"`
	Version     *int              `json:"version"`
}

func get(t *testing.T, h http.Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc?"+query, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func resultNames(t *testing.T, env envelope) []string {
	t.Helper()
	var out []string
	for _, raw := range env.Results {
		var r SearchResult
		require.NoError(t, json.Unmarshal(raw, &r))
		out = append(out, r.Name)
	}
	return out
}

func TestErrors(t *testing.T) {
	h := newHandler(t, 0)
	five := 5
	seven := 7

	tests := []struct {
		query   string
		message string
		version *int
	}{
		{query: "type=search&arg=foo", message: msgNoVersion},
		{query: "v=7&type=search&arg=foo", message: msgBadVersion, version: &seven},
		{query: "v=abc&type=search&arg=foo", message: msgBadVersion},
		{query: "v=5&arg=foo", message: msgNoType, version: &five},
		{query: "v=5&type=frobnicate&arg=foo", message: msgBadType, version: &five},
		{query: "v=5&type=search&arg=f", message: msgArgTooSmall, version: &five},
		{query: "v=5&type=search", message: msgArgTooSmall, version: &five},
		{query: "v=5&type=search&by=maintainer&arg=foo", message: msgBadBy, version: &five},
		{query: "v=5&type=info", message: msgNoType, version: &five},
		{query: "v=5&type=search&arg=foo&callback=alert%28document%29%3B", message: msgBadCallback, version: &five},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := get(t, h, tt.query)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			env := decode(t, rec)
			assert.Equal(t, tt.message, env.Error)
			assert.Equal(t, "error", env.Type)
			assert.Equal(t, 0, env.ResultCount)
			assert.NotNil(t, env.Results)
			assert.Empty(t, env.Results)
			assert.Equal(t, tt.version, env.Version)
		})
	}
}

func TestSearchRanking(t *testing.T) {
	h := newHandler(t, 0)
	env := decode(t, get(t, h, "v=5&type=search&arg=foo"))
	assert.Equal(t, "search", env.Type)
	assert.Empty(t, env.Error)
	assert.Equal(t, []string{"foo", "foo-bin", "barfoo", "barfoo-docs"}, resultNames(t, env))
	assert.Equal(t, 4, env.ResultCount)

	env = decode(t, get(t, h, "v=5&type=search&by=name&arg=foo"))
	assert.Equal(t, []string{"foo", "foo-bin", "barfoo", "barfoo-docs"}, resultNames(t, env))
}

func TestSearchByRelation(t *testing.T) {
	h := newHandler(t, 0)

	env := decode(t, get(t, h, "v=5&type=search&by=depends&arg=bar"))
	assert.Equal(t, []string{"foo"}, resultNames(t, env))

	env = decode(t, get(t, h, "v=5&type=search&by=provides&arg=foo"))
	assert.Equal(t, []string{"foo-bin"}, resultNames(t, env))
}

func TestSearchResultFields(t *testing.T) {
	h := newHandler(t, 0)
	env := decode(t, get(t, h, "v=5&type=search&by=name&arg=foo-bin"))
	require.Len(t, env.Results, 1)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(env.Results[0], &fields))
	assert.Equal(t, "foo-bin", fields["Name"])
	assert.Equal(t, "foo-bin", fields["PackageBase"])
	assert.Equal(t, "1.0-2", fields["Version"])
	assert.Equal(t, "/cgit/aur.git/snapshot/foo-bin.tar.gz", fields["URLPath"])
	assert.Equal(t, float64(syncedAt.Unix()), fields["LastModified"])
	assert.Contains(t, fields, "OutOfDate")
	assert.Nil(t, fields["OutOfDate"])
	assert.NotContains(t, fields, "Depends")
}

func TestSearchTooManyResults(t *testing.T) {
	h := newHandler(t, 2)
	env := decode(t, get(t, h, "v=5&type=search&arg=foo"))
	assert.Equal(t, msgTooMany, env.Error)
}

func TestInfo(t *testing.T) {
	h := newHandler(t, 0)
	env := decode(t, get(t, h, "v=5&type=info&arg[]=barfoo-docs&arg[]=missing&arg[]=foo&arg[]=foo"))
	assert.Equal(t, "multiinfo", env.Type)
	assert.Equal(t, 2, env.ResultCount)

	var first, second InfoResult
	require.NoError(t, json.Unmarshal(env.Results[0], &first))
	require.NoError(t, json.Unmarshal(env.Results[1], &second))

	assert.Equal(t, "barfoo-docs", first.Name)
	assert.Equal(t, "barfoo", first.PackageBase)
	assert.Equal(t, []string{}, first.Depends)

	assert.Equal(t, "foo", second.Name)
	assert.Equal(t, []string{"glibc", "bar>=2"}, second.Depends)
	assert.Equal(t, []string{"MIT"}, second.License)
	assert.Equal(t, "https://foo.example", second.URL)
}

func TestInfoAcceptsPlainArgAndMultiinfo(t *testing.T) {
	h := newHandler(t, 0)
	env := decode(t, get(t, h, "v=5&type=multiinfo&arg=foo-bin"))
	assert.Equal(t, []string{"foo-bin"}, resultNames(t, env))
}

func TestPostForm(t *testing.T) {
	h := newHandler(t, 0)
	form := url.Values{"v": {"5"}, "type": {"info"}, "arg[]": {"foo"}, "callback": {"cb"}}
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// JSONP is only offered for GET.
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	env := decode(t, rec)
	assert.Equal(t, []string{"foo"}, resultNames(t, env))
}

func TestJSONP(t *testing.T) {
	h := newHandler(t, 0)
	rec := get(t, h, "v=5&type=info&arg=foo&callback=jQuery_123")
	assert.Equal(t, "text/javascript", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "/**/jQuery_123("), body)
	require.True(t, strings.HasSuffix(body, ")"), body)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(body, "/**/jQuery_123("), ")")), &env))
	assert.Equal(t, 1, env.ResultCount)
}
