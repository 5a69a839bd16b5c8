// Package config locates, loads and saves the aur-mirror-meta config file.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/utils"
)

const (
	AppName    = "aur-mirror-meta"
	fileName   = "config.yaml"
	dbFileName = "aur-meta.db"

	EnvDBPath        = "AMM_DB_PATH"
	EnvToken         = "AMM_GITHUB_TOKEN"
	EnvFallbackToken = "GITHUB_TOKEN"
)

// lookupEnv and ghToken are replaced in tests.
var (
	lookupEnv = os.LookupEnv
	ghToken   = ghAuthToken
)

func xdgDir(env, fallback string) (string, error) {
	if dir, ok := lookupEnv(env); ok && dir != "" {
		return filepath.Join(dir, AppName), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, fallback, AppName), nil
}

// DefaultPath returns $XDG_CONFIG_HOME/aur-mirror-meta/config.yaml.
func DefaultPath() (string, error) {
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// DefaultDBPath returns $XDG_DATA_HOME/aur-mirror-meta/aur-meta.db.
func DefaultDBPath() (string, error) {
	dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, dbFileName), nil
}

// Default returns the configuration used when no file exists.
func Default() *models.Config {
	return &models.Config{
		Upstream: models.UpstreamConfig{
			GitURL:            "https://github.com/archlinux/aur.git",
			GraphQLURL:        "https://api.github.com/graphql",
			Owner:             "archlinux",
			Name:              "aur",
			ArchiveURL:        "https://github.com/archlinux/aur/archive/%s.tar.gz",
			Listing:           models.ListingAdvertisement,
			RequestsPerSecond: 10,
			MaxRetries:        5,
			RetryWaitMin:      time.Second,
			RetryWaitMax:      30 * time.Second,
			RateLimitPad:      15 * time.Second,
			Timeout:           2 * time.Minute,
		},
		Sync: models.SyncConfig{
			Concurrency: 4,
			BatchSize:   150,
		},
		Serve: models.ServeConfig{
			Bind:                   []string{"[::]:3000"},
			PackCacheEntries:       256,
			PackCacheMaxEntryBytes: 8 << 20,
			MaxRequestBytes:        10 << 20,
			MaxSearchResults:       5000,
		},
	}
}

// Load reads the config at path on top of the defaults. A missing file is
// not an error. Environment overrides are applied last.
func Load(path string) (*models.Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads only the file at path on top of the defaults, ignoring
// the environment, so the result can be edited and saved back.
func LoadFile(path string) (*models.Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logrus.Debugf("No config file at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, models.NewError(models.ErrInvalidConfig, "", fmt.Errorf("%s: %w", path, err))
		}
	}
	return cfg, nil
}

func applyEnv(cfg *models.Config) error {
	if v, ok := lookupEnv(EnvDBPath); ok && v != "" {
		cfg.DBPath = v
	}
	for _, key := range []string{EnvToken, EnvFallbackToken} {
		if v, ok := lookupEnv(key); ok && v != "" {
			cfg.GitHubToken = v
			break
		}
	}

	if cfg.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		cfg.DBPath = p
	}
	expanded, err := homedir.Expand(cfg.DBPath)
	if err != nil {
		return models.NewError(models.ErrInvalidConfig, "", fmt.Errorf("db_path: %w", err))
	}
	cfg.DBPath = expanded
	return nil
}

// Validate rejects settings no component can run with.
func Validate(cfg *models.Config) error {
	invalid := func(format string, args ...any) error {
		return models.NewError(models.ErrInvalidConfig, "", fmt.Errorf(format, args...))
	}

	switch cfg.Upstream.Listing {
	case models.ListingAdvertisement, models.ListingGraphQL:
	default:
		return invalid("upstream.listing must be %q or %q, got %q",
			models.ListingAdvertisement, models.ListingGraphQL, cfg.Upstream.Listing)
	}
	if strings.Count(cfg.Upstream.ArchiveURL, "%s") != 1 {
		return invalid("upstream.archive_url must contain exactly one %%s")
	}
	if cfg.Sync.Concurrency < 1 {
		return invalid("sync.concurrency must be at least 1")
	}
	if cfg.Sync.BatchSize < 1 {
		return invalid("sync.batch_size must be at least 1")
	}
	if cfg.Sync.Interval < 0 {
		return invalid("sync.interval must not be negative")
	}
	if cfg.Serve.PackCacheEntries < 0 {
		return invalid("serve.pack_cache_entries must not be negative")
	}
	return nil
}

// Save writes cfg to path, readable only by the owner since it holds the
// token.
func Save(path string, cfg *models.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := utils.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ResolveToken fills in the token from the gh CLI when neither the file
// nor the environment provides one.
func ResolveToken(ctx context.Context, cfg *models.Config) {
	if cfg.GitHubToken != "" {
		return
	}
	token, err := ghToken(ctx)
	if err != nil {
		logrus.Debugf("No token from gh: %v", err)
		return
	}
	cfg.GitHubToken = token
}

func ghAuthToken(ctx context.Context) (string, error) {
	bin, err := exec.LookPath("gh")
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, bin, "auth", "token").Output()
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", errors.New("gh returned an empty token")
	}
	return token, nil
}
