// Package syncer keeps the index in step with the upstream mirror.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/srcinfo"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/upstream"
)

// Source is the part of the upstream client a sync needs.
type Source interface {
	ListBranches(ctx context.Context) ([]models.Branch, error)
	FetchBlobs(ctx context.Context, reqs []upstream.BlobRequest) ([]upstream.BlobResult, error)
}

// Store persists what a pass publishes.
type Store interface {
	Generation(ctx context.Context) (uint64, error)
	Commit(ctx context.Context, generation uint64, puts []models.IndexEntry, deletes []string) error
}

// Options tunes the engine.
type Options struct {
	Concurrency int
	BatchSize   int
	Arches      []string
}

// Engine runs sync passes. Passes are serialized; Run may be called from
// several goroutines.
type Engine struct {
	source Source
	store  Store
	index  *index.Index
	opts   Options
	now    func() time.Time

	mu sync.Mutex
}

// New creates an Engine.
func New(source Source, store Store, idx *index.Index, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 150
	}
	return &Engine{source: source, store: store, index: idx, opts: opts, now: time.Now}
}

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeParseFailed
	outcomeFetchFailed
	outcomeMissing
)

type result struct {
	branch  models.Branch
	outcome outcome
	entry   models.IndexEntry
}

// Run performs one pass: list, diff, fetch and parse what changed, commit
// to the store, publish. Nothing is published when nothing changed or
// only failures happened. The pass fails without publishing when the
// listing fails, credentials are rejected or not a single branch could
// be indexed.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	sum := &Summary{}
	err := e.run(ctx, sum)
	sum.Elapsed = time.Since(start)

	metrics.SyncDuration.Observe(sum.Elapsed.Seconds())
	switch {
	case err != nil:
		metrics.SyncRuns.WithLabelValues("failed").Inc()
	case sum.Published:
		metrics.SyncRuns.WithLabelValues("published").Inc()
	default:
		metrics.SyncRuns.WithLabelValues("unchanged").Inc()
	}
	return sum, err
}

func (e *Engine) run(ctx context.Context, sum *Summary) error {
	current := e.index.Current()

	logrus.Info("Listing upstream branches")
	branches, err := e.source.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}
	sum.Listed = len(branches)

	// Step 1: diff the listing against the current snapshot.
	listed := make(map[string]bool, len(branches))
	var changed []models.Branch
	for _, b := range branches {
		listed[b.Name] = true
		if old, ok := current.Entry(b.Name); ok && old.State.HeadCommit == b.Commit {
			sum.Unchanged++
			continue
		}
		changed = append(changed, b)
	}
	var removed []string
	for _, old := range current.Entries() {
		if !listed[old.State.Name] {
			removed = append(removed, old.State.Name)
		}
	}
	sum.Removed = len(removed)
	logrus.Infof("%d branches changed, %d removed, %d unchanged", len(changed), len(removed), sum.Unchanged)

	if len(changed) == 0 && len(removed) == 0 {
		sum.Packages = current.PackageCount()
		sum.Generation = current.Generation()
		return nil
	}

	// Step 2: fetch and parse the changed branches.
	results, err := e.process(ctx, changed)
	if err != nil {
		return err
	}

	var staged []models.IndexEntry
	failed := make(map[string]bool)
	for _, r := range results {
		switch r.outcome {
		case outcomeUpdated:
			staged = append(staged, r.entry)
			if _, existed := current.Entry(r.branch.Name); existed {
				sum.Updated++
			} else {
				sum.Added++
			}
		case outcomeParseFailed:
			sum.ParseFailed++
			failed[r.branch.Name] = true
		case outcomeFetchFailed:
			sum.FetchFailed++
			failed[r.branch.Name] = true
		case outcomeMissing:
			sum.Missing++
			failed[r.branch.Name] = true
		}
	}
	e.recordMetrics(sum)

	if len(staged) == 0 {
		if sum.Unchanged == 0 {
			return fmt.Errorf("none of %d changed branches could be processed", len(changed))
		}
		if len(removed) == 0 {
			// Only failures: the current snapshot stays as it is.
			sum.Packages = current.PackageCount()
			sum.Generation = current.Generation()
			return nil
		}
	}

	// Step 3: assemble the next snapshot. Failed branches keep the entry
	// they had; failed branches that were never indexed stay out.
	storeGen, err := e.store.Generation(ctx)
	if err != nil {
		return err
	}
	generation := current.Generation()
	if storeGen > generation {
		generation = storeGen
	}
	generation++

	b := index.NewBuilder(generation)
	for _, old := range current.Entries() {
		if listed[old.State.Name] {
			if err := b.Add(old); err != nil {
				return err
			}
		}
	}
	for _, entry := range staged {
		if err := b.Add(entry); err != nil {
			return err
		}
	}
	snapshot := b.Build()

	// Step 4: persist, then publish.
	if err := e.store.Commit(ctx, generation, staged, removed); err != nil {
		return fmt.Errorf("commit generation %d: %w", generation, err)
	}
	if err := e.index.Publish(snapshot); err != nil {
		// A store reload may already have published this generation.
		if e.index.Current().Generation() < generation {
			return err
		}
		logrus.Debugf("Generation %d already published: %v", generation, err)
	}

	sum.Published = true
	sum.Generation = generation
	sum.Packages = snapshot.PackageCount()
	metrics.ObserveSnapshot(generation, snapshot.PackageCount())
	return nil
}

// process fetches and parses changed branches in batches on a bounded
// pool. Only a fatal upstream error (rejected credentials) aborts it.
func (e *Engine) process(ctx context.Context, changed []models.Branch) ([]result, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)

	var (
		mu      sync.Mutex
		results = make([]result, 0, len(changed))
	)
	syncedAt := e.now().UTC()
	parseOpts := srcinfo.Options{Arches: e.opts.Arches}

	for start := 0; start < len(changed); start += e.opts.BatchSize {
		end := start + e.opts.BatchSize
		if end > len(changed) {
			end = len(changed)
		}
		batch := changed[start:end]

		g.Go(func() error {
			out, err := e.processBatch(gctx, batch, syncedAt, parseOpts)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, out...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) processBatch(ctx context.Context, batch []models.Branch, syncedAt time.Time, opts srcinfo.Options) ([]result, error) {
	reqs := make([]upstream.BlobRequest, len(batch))
	for i, b := range batch {
		reqs[i] = upstream.BlobRequest{Branch: b.Name, Commit: b.Commit, Path: upstream.SRCINFOPath}
	}

	blobs, err := e.source.FetchBlobs(ctx, reqs)
	if err != nil {
		if models.IsType(err, models.ErrUpstreamAuthFailed) || ctx.Err() != nil {
			return nil, err
		}
		logrus.Warnf("Fetching %d .SRCINFO files failed: %v", len(batch), err)
		out := make([]result, len(batch))
		for i, b := range batch {
			out[i] = result{branch: b, outcome: outcomeFetchFailed}
		}
		return out, nil
	}

	out := make([]result, len(batch))
	for i, b := range batch {
		out[i] = e.processBlob(b, blobs[i], syncedAt, opts)
	}
	return out, nil
}

func (e *Engine) processBlob(b models.Branch, blob upstream.BlobResult, syncedAt time.Time, opts srcinfo.Options) result {
	log := logrus.WithFields(logrus.Fields{"branch": b.Name, "commit": b.Commit})

	if blob.Err != nil {
		if errors.Is(blob.Err, models.NotFound) {
			log.Warn("Branch has no .SRCINFO, skipping")
			return result{branch: b, outcome: outcomeMissing}
		}
		log.Warnf("Fetching .SRCINFO failed: %v", blob.Err)
		return result{branch: b, outcome: outcomeFetchFailed}
	}

	record, err := srcinfo.Parse(blob.Data, opts)
	if err != nil {
		log.Warnf("Skipping unparsable .SRCINFO: %v", err)
		return result{branch: b, outcome: outcomeParseFailed}
	}

	log.Debugf("Parsed %d package(s)", len(record.Packages))
	return result{
		branch:  b,
		outcome: outcomeUpdated,
		entry: models.IndexEntry{
			State:  models.BranchState{Name: b.Name, HeadCommit: b.Commit, SyncedAt: syncedAt},
			Record: record,
		},
	}
}

func (e *Engine) recordMetrics(sum *Summary) {
	metrics.SyncBranches.WithLabelValues("unchanged").Add(float64(sum.Unchanged))
	metrics.SyncBranches.WithLabelValues("updated").Add(float64(sum.Updated + sum.Added))
	metrics.SyncBranches.WithLabelValues("removed").Add(float64(sum.Removed))
	metrics.SyncBranches.WithLabelValues("parse_failed").Add(float64(sum.ParseFailed))
	metrics.SyncBranches.WithLabelValues("fetch_failed").Add(float64(sum.FetchFailed))
	metrics.SyncBranches.WithLabelValues("missing").Add(float64(sum.Missing))
}

// RunEvery runs a pass every interval until ctx is done. Failed passes are
// logged and the previous snapshot keeps serving.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := e.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logrus.Errorf("Background sync failed: %v", err)
				continue
			}
			logrus.Infof("Background sync: %s", sum)
		}
	}
}
