package models

import "time"

// Listing modes for the upstream branch enumeration.
const (
	ListingAdvertisement = "advertisement"
	ListingGraphQL       = "graphql"
)

// Config is the on-disk configuration of aur-mirror-meta.
type Config struct {
	// Credential for the upstream mirror, stored in plaintext.
	GitHubToken string `yaml:"github_token,omitempty"`
	DBPath      string `yaml:"db_path,omitempty"`

	Upstream UpstreamConfig `yaml:"upstream"`
	Sync     SyncConfig     `yaml:"sync"`
	Serve    ServeConfig    `yaml:"serve"`
}

// UpstreamConfig describes the physical mirror repository and how hard we
// may hit it.
type UpstreamConfig struct {
	GitURL     string `yaml:"git_url"`
	GraphQLURL string `yaml:"graphql_url"`
	Owner      string `yaml:"owner"`
	Name       string `yaml:"name"`
	// ArchiveURL is a format string taking the commit SHA.
	ArchiveURL string `yaml:"archive_url"`
	Listing    string `yaml:"listing"`

	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryWaitMin      time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax      time.Duration `yaml:"retry_wait_max"`
	RateLimitPad      time.Duration `yaml:"rate_limit_pad"`
	Timeout           time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Concurrency int      `yaml:"concurrency"`
	BatchSize   int      `yaml:"batch_size"`
	Arches      []string `yaml:"arches,omitempty"` // empty means every architecture
	// Interval between background passes while serving; zero disables them.
	Interval time.Duration `yaml:"interval,omitempty"`
}

// ServeConfig tunes the HTTP surfaces.
type ServeConfig struct {
	Bind                   []string `yaml:"bind"`
	PackCacheEntries       int      `yaml:"pack_cache_entries"`
	PackCacheMaxEntryBytes int64    `yaml:"pack_cache_max_entry_bytes"`
	MaxRequestBytes        int64    `yaml:"max_request_bytes"`
	MaxSearchResults       int      `yaml:"max_search_results"`
	CORS                   bool     `yaml:"cors"`
}
