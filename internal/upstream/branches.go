package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproto"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// defaultBranch is the mirror's own bookkeeping branch, not a package.
const defaultBranch = "main"

// errStreamCut marks an advertisement that failed after a 200 response.
// HTTP-level failures are already retried by the transport.
var errStreamCut = errors.New("advertisement stream cut short")

// ListBranches enumerates every package branch with its tip commit.
// The listing is all or nothing: a stream cut short or a page that keeps
// failing is an error, never a truncated result.
func (c *Client) ListBranches(ctx context.Context) ([]models.Branch, error) {
	var (
		branches []models.Branch
		err      error
	)
	switch c.opts.Listing {
	case models.ListingGraphQL:
		branches, err = c.listBranchesGraphQL(ctx)
	case models.ListingAdvertisement:
		branches, err = c.listBranchesAdvertisement(ctx)
	default:
		return nil, models.NewError(models.ErrInvalidConfig, "", fmt.Errorf("unknown listing mode %q", c.opts.Listing))
	}
	if err != nil {
		return nil, err
	}

	out := branches[:0]
	for _, b := range branches {
		if b.Name != defaultBranch {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *Client) listBranchesAdvertisement(ctx context.Context) ([]models.Branch, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		branches, err := c.fetchAdvertisement(ctx)
		if err == nil {
			return branches, nil
		}
		if !errors.Is(err, errStreamCut) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logrus.Warnf("Branch listing attempt %d failed: %v", attempt+1, err)
	}
	return nil, lastErr
}

func (c *Client) fetchAdvertisement(ctx context.Context) ([]models.Branch, error) {
	url := c.opts.GitURL + "/info/refs?service=" + gitproto.ServiceUploadPack
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.gitAuth(req)

	resp, err := c.git.Do(req)
	if err != nil {
		return nil, classify("list branches", resp, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drain(resp.Body)
		return nil, classify("list branches", resp, nil)
	}
	defer resp.Body.Close()

	branches, err := gitproto.ReadBranches(bufio.NewReaderSize(resp.Body, 64*1024))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.NewError(models.ErrUpstreamTransient, "", fmt.Errorf("list branches: %w: %w", errStreamCut, err))
	}
	logrus.Debugf("Upstream advertised %d branches", len(branches))
	return branches, nil
}

const refsQuery = `query($owner: String!, $name: String!, $cursor: String) {
  repository(owner: $owner, name: $name) {
    refs(refPrefix: "refs/heads/", first: 100, after: $cursor) {
      totalCount
      pageInfo { hasNextPage endCursor }
      nodes { name target { oid } }
    }
  }
}`

type refsPage struct {
	Repository *struct {
		Refs struct {
			TotalCount int `json:"totalCount"`
			PageInfo   struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
			Nodes []struct {
				Name   string `json:"name"`
				Target struct {
					OID string `json:"oid"`
				} `json:"target"`
			} `json:"nodes"`
		} `json:"refs"`
	} `json:"repository"`
}

func (c *Client) listBranchesGraphQL(ctx context.Context) ([]models.Branch, error) {
	seen := make(map[string]string)
	var (
		cursor *string
		total  int
	)
	for {
		page, err := c.refsPageWithResume(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("list branches after %d refs: %w", len(seen), err)
		}
		refs := page.Repository.Refs
		total = refs.TotalCount
		for _, n := range refs.Nodes {
			seen[n.Name] = n.Target.OID
		}
		if !refs.PageInfo.HasNextPage {
			break
		}
		end := refs.PageInfo.EndCursor
		cursor = &end
	}

	if len(seen) < total {
		return nil, models.NewError(models.ErrUpstreamTransient, "",
			fmt.Errorf("list branches: got %d refs, upstream reports %d", len(seen), total))
	}

	branches := make([]models.Branch, 0, len(seen))
	for name, sha := range seen {
		branches = append(branches, models.Branch{Name: name, Commit: sha})
	}
	return branches, nil
}

// refsPageWithResume fetches one page, retrying from the same cursor.
func (c *Client) refsPageWithResume(ctx context.Context, cursor *string) (*refsPage, error) {
	vars := map[string]interface{}{
		"owner":  c.opts.Owner,
		"name":   c.opts.Name,
		"cursor": cursor,
	}
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		var page refsPage
		err := c.graphql(ctx, refsQuery, vars, &page)
		if err == nil {
			if page.Repository == nil {
				return nil, models.NewError(models.ErrNotFound, "", fmt.Errorf("repository %s/%s", c.opts.Owner, c.opts.Name))
			}
			return &page, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logrus.Warnf("Ref page fetch failed, resuming: %v", err)
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return models.IsType(err, models.ErrUpstreamTransient) || models.IsType(err, models.ErrUpstreamRateLimited)
}
