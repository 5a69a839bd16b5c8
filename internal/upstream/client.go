// Package upstream talks to the GitHub repository that mirrors the AUR,
// one branch per pkgbase.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// Options configures a Client.
type Options struct {
	GitURL     string
	GraphQLURL string
	Owner      string
	Name       string
	Token      string
	Listing    string
	UserAgent  string

	RequestsPerSecond float64
	MaxRetries        int
	RetryWaitMin      time.Duration
	RetryWaitMax      time.Duration
	// RateLimitPad is added to every server-provided rate-limit wait.
	RateLimitPad time.Duration
	// Timeout bounds API calls. Pack streams are bounded only by their
	// context.
	Timeout time.Duration

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// OptionsFromConfig maps the upstream section of the config file.
func OptionsFromConfig(cfg *models.Config, userAgent string) Options {
	u := cfg.Upstream
	return Options{
		GitURL:            u.GitURL,
		GraphQLURL:        u.GraphQLURL,
		Owner:             u.Owner,
		Name:              u.Name,
		Token:             cfg.GitHubToken,
		Listing:           u.Listing,
		UserAgent:         userAgent,
		RequestsPerSecond: u.RequestsPerSecond,
		MaxRetries:        u.MaxRetries,
		RetryWaitMin:      u.RetryWaitMin,
		RetryWaitMax:      u.RetryWaitMax,
		RateLimitPad:      u.RateLimitPad,
		Timeout:           u.Timeout,
	}
}

// Client is the object store client for the upstream mirror. It is safe
// for concurrent use.
type Client struct {
	opts    Options
	api     *retryablehttp.Client
	git     *retryablehttp.Client
	limiter *rate.Limiter
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.GitURL == "" {
		opts.GitURL = "https://github.com/archlinux/aur.git"
	}
	opts.GitURL = strings.TrimSuffix(opts.GitURL, "/")
	if opts.GraphQLURL == "" {
		opts.GraphQLURL = "https://api.github.com/graphql"
	}
	if opts.Owner == "" {
		opts.Owner = "archlinux"
	}
	if opts.Name == "" {
		opts.Name = "aur"
	}
	if opts.Listing == "" {
		opts.Listing = models.ListingAdvertisement
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "AUR-Mirror-Meta/dev"
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	c := &Client{
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	apiHTTP := *base
	if opts.Timeout > 0 {
		apiHTTP.Timeout = opts.Timeout
	}
	c.api = c.newRetryable(&apiHTTP)
	c.git = c.newRetryable(base)
	return c
}

func (c *Client) newRetryable(hc *http.Client) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.Logger = leveledLogger{logrus.WithField("component", "upstream")}
	rc.RetryMax = c.opts.MaxRetries
	if c.opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = c.opts.RetryWaitMin
	}
	if c.opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = c.opts.RetryWaitMax
	}
	rc.CheckRetry = checkRetry
	rc.Backoff = c.backoff
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		// Every attempt, retries included, draws from the same bucket.
		_ = c.limiter.Wait(req.Context())
		if attempt > 0 {
			logrus.Debugf("Retrying %s %s (attempt %d)", req.Method, req.URL.Path, attempt+1)
		}
	}
	return rc
}

func (c *Client) newRequest(ctx context.Context, method, url string, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	return req, nil
}

// gitAuth applies the credential the way git's smart-HTTP endpoints
// expect it: the token as the basic-auth user name.
func (c *Client) gitAuth(req *retryablehttp.Request) {
	if c.opts.Token != "" {
		req.SetBasicAuth(c.opts.Token, "")
	}
}

func (c *Client) apiAuth(req *retryablehttp.Request) {
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && isRateLimited(resp) {
		return true, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func (c *Client) backoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if wait, ok := rateLimitWait(resp.Header, c.opts.RateLimitPad, time.Now()); ok {
			logrus.Infof("Rate limited by upstream, waiting %s", wait.Round(time.Second))
			return wait
		}
	}
	return retryablehttp.DefaultBackoff(min, max, attempt, resp)
}

// isRateLimited recognizes both the standard 429 and GitHub's 403 with an
// exhausted quota.
func isRateLimited(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
	}
	return false
}

// rateLimitWait derives the wait from Retry-After (seconds or HTTP date)
// or, failing that, from an exhausted X-RateLimit-Remaining and its reset
// time. The pad is added to whatever the server asked for.
func rateLimitWait(h http.Header, pad time.Duration, now time.Time) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return clampWait(time.Duration(secs)*time.Second + pad), true
		}
		if at, err := http.ParseTime(v); err == nil {
			return clampWait(at.Sub(now) + pad), true
		}
	}
	if h.Get("X-RateLimit-Remaining") == "0" {
		reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
		if err != nil {
			return clampWait(pad), true
		}
		return clampWait(time.Unix(reset, 0).Sub(now) + pad), true
	}
	return 0, false
}

const maxRateLimitWait = time.Hour

func clampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxRateLimitWait {
		return maxRateLimitWait
	}
	return d
}

// classify turns a failed exchange into a typed error. resp may be nil.
func classify(what string, resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return models.NewError(models.ErrUpstreamTransient, "", fmt.Errorf("%s: %w", what, err))
	}

	status := fmt.Errorf("%s: unexpected status %s", what, resp.Status)
	switch {
	case isRateLimited(resp):
		return models.NewError(models.ErrUpstreamRateLimited, "", status)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return models.NewError(models.ErrUpstreamAuthFailed, "", status)
	case resp.StatusCode == http.StatusNotFound:
		return models.NewError(models.ErrNotFound, "", status)
	default:
		return models.NewError(models.ErrUpstreamTransient, "", status)
	}
}

// drain discards the rest of a body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

// leveledLogger routes retryablehttp's logging into logrus. Its own
// messages are noisy, so everything but errors goes to debug.
type leveledLogger struct {
	entry *logrus.Entry
}

func (l leveledLogger) with(kv []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.entry.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Warn(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
