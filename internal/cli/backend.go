package cli

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/store"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/syncer"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/upstream"
)

// backend is what both sync and serve run on: the store, the index
// restored from it and the upstream client.
type backend struct {
	store    *store.Store
	index    *index.Index
	upstream *upstream.Client
}

func openBackend(ctx context.Context, cfg *models.Config) (*backend, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	idx := index.New()
	gen, err := st.Generation(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}
	if gen > 0 {
		snap, err := st.LoadSnapshot(ctx)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		if err := idx.Publish(snap); err != nil {
			st.Close()
			return nil, err
		}
		logrus.Infof("Loaded index generation %d: %d branches, %d packages", gen, snap.Len(), snap.PackageCount())
	}
	metrics.ObserveSnapshot(idx.Current().Generation(), idx.Current().PackageCount())

	if cfg.GitHubToken == "" {
		logrus.Warn("No GitHub token configured; run \"aur-mirror-meta login\" or set AMM_GITHUB_TOKEN")
	}

	return &backend{
		store:    st,
		index:    idx,
		upstream: upstream.NewClient(upstream.OptionsFromConfig(cfg, userAgent())),
	}, nil
}

func (b *backend) engine(cfg *models.Config) *syncer.Engine {
	return syncer.New(b.upstream, b.store, b.index, syncer.Options{
		Concurrency: cfg.Sync.Concurrency,
		BatchSize:   cfg.Sync.BatchSize,
		Arches:      cfg.Sync.Arches,
	})
}

func (b *backend) Close() error {
	return b.store.Close()
}
