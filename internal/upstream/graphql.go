package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Type    string        `json:"type"`
	Message string        `json:"message"`
	Path    []interface{} `json:"path"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// partialError reports GraphQL errors attached to individual fields of an
// otherwise usable response.
type partialError struct {
	errors []graphQLError
}

func (e *partialError) Error() string {
	msgs := make([]string, 0, len(e.errors))
	for _, ge := range e.errors {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

// fieldErrors indexes partial errors by the top-level field under
// repository they belong to.
func (e *partialError) fieldErrors() map[string]string {
	out := make(map[string]string)
	for _, ge := range e.errors {
		if len(ge.Path) >= 2 {
			if alias, ok := ge.Path[1].(string); ok {
				out[alias] = ge.Message
			}
		}
	}
	return out
}

// graphql runs one query and decodes its data into out. A RATE_LIMITED
// answer is retried after the advertised reset a bounded number of times.
// Errors bound to specific fields come back as *partialError alongside a
// decoded out.
func (c *Client) graphql(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		resp, gr, err := c.postGraphQL(ctx, body)
		if err != nil {
			return err
		}

		if limited := rateLimitedErrors(gr.Errors); limited {
			if attempt >= c.opts.MaxRetries {
				return models.NewError(models.ErrUpstreamRateLimited, "", fmt.Errorf("graphql rate limit not lifted after %d attempts", attempt+1))
			}
			wait, ok := rateLimitWait(resp.Header, c.opts.RateLimitPad, time.Now())
			if !ok {
				wait = retryablehttp.DefaultBackoff(c.api.RetryWaitMin, c.api.RetryWaitMax, attempt, resp)
			}
			logrus.Infof("GraphQL rate limit reached, waiting %s", wait.Round(time.Second))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if len(gr.Data) == 0 || string(gr.Data) == "null" {
			if len(gr.Errors) > 0 {
				return graphQLFailure(gr.Errors)
			}
			return models.NewError(models.ErrUpstreamTransient, "", fmt.Errorf("graphql: empty response"))
		}
		if err := json.Unmarshal(gr.Data, out); err != nil {
			return models.NewError(models.ErrUpstreamTransient, "", fmt.Errorf("graphql: decode data: %w", err))
		}
		if len(gr.Errors) > 0 {
			return &partialError{errors: gr.Errors}
		}
		return nil
	}
}

func (c *Client) postGraphQL(ctx context.Context, body []byte) (*http.Response, *graphQLResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.opts.GraphQLURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.apiAuth(req)

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, nil, classify("graphql", resp, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, classify("graphql", resp, nil)
	}

	var gr graphQLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 256<<20)).Decode(&gr); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, models.NewError(models.ErrUpstreamTransient, "", fmt.Errorf("graphql: decode response: %w", err))
	}
	return resp, &gr, nil
}

func rateLimitedErrors(errs []graphQLError) bool {
	for _, e := range errs {
		if e.Type == "RATE_LIMITED" {
			return true
		}
	}
	return false
}

func graphQLFailure(errs []graphQLError) error {
	err := &partialError{errors: errs}
	for _, e := range errs {
		switch e.Type {
		case "FORBIDDEN", "UNAUTHORIZED":
			return models.NewError(models.ErrUpstreamAuthFailed, "", err)
		case "NOT_FOUND":
			return models.NewError(models.ErrNotFound, "", err)
		}
	}
	return models.NewError(models.ErrUpstreamTransient, "", err)
}
