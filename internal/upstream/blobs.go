package upstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// SRCINFOPath is the metadata file every package branch carries.
const SRCINFOPath = ".SRCINFO"

// BlobRequest names a file at a branch tip.
type BlobRequest struct {
	Branch string
	Commit string
	Path   string
}

// BlobResult is the outcome for one BlobRequest. Err is a NotFound error
// when the file does not exist at that commit.
type BlobResult struct {
	Request BlobRequest
	Data    []byte
	Err     error
}

type blobObject struct {
	Text *string `json:"text"`
}

// FetchBlobs reads several files in one GraphQL round trip. The returned
// error covers the whole batch (auth, rate limit, transport); per-file
// outcomes are in the results, in request order.
func (c *Client) FetchBlobs(ctx context.Context, reqs []BlobRequest) ([]BlobResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	var (
		q    strings.Builder
		vars = map[string]interface{}{"owner": c.opts.Owner, "name": c.opts.Name}
	)
	q.WriteString("query($owner: String!, $name: String!")
	for i := range reqs {
		fmt.Fprintf(&q, ", $e%d: String!", i)
	}
	q.WriteString(") { repository(owner: $owner, name: $name) {")
	for i, r := range reqs {
		fmt.Fprintf(&q, " x%d: object(expression: $e%d) { ... on Blob { text } }", i, i)
		vars["e"+strconv.Itoa(i)] = r.Commit + ":" + r.Path
	}
	q.WriteString(" } }")

	var data struct {
		Repository map[string]*blobObject `json:"repository"`
	}
	err := c.graphql(ctx, q.String(), vars, &data)

	var fieldErrs map[string]string
	var partial *partialError
	if errors.As(err, &partial) {
		fieldErrs = partial.fieldErrors()
	} else if err != nil {
		return nil, err
	}
	if data.Repository == nil {
		return nil, models.NewError(models.ErrNotFound, "", fmt.Errorf("repository %s/%s", c.opts.Owner, c.opts.Name))
	}

	results := make([]BlobResult, len(reqs))
	for i, r := range reqs {
		alias := "x" + strconv.Itoa(i)
		results[i].Request = r
		if msg, ok := fieldErrs[alias]; ok {
			results[i].Err = models.NewError(models.ErrUpstreamTransient, r.Branch, errors.New(msg))
			continue
		}
		obj := data.Repository[alias]
		if obj == nil || obj.Text == nil {
			results[i].Err = models.NewError(models.ErrNotFound, r.Branch, fmt.Errorf("%s at %s", r.Path, r.Commit))
			continue
		}
		results[i].Data = []byte(*obj.Text)
	}
	return results, nil
}

// FetchBlob reads a single file at a branch tip.
func (c *Client) FetchBlob(ctx context.Context, branch, commit, path string) ([]byte, error) {
	results, err := c.FetchBlobs(ctx, []BlobRequest{{Branch: branch, Commit: commit, Path: path}})
	if err != nil {
		return nil, err
	}
	return results[0].Data, results[0].Err
}
