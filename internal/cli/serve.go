package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/config"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/gitproxy"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/rpc"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/server"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/watcher"
)

// NewServeCmd creates the serve command
func NewServeCmd(g *globalOptions) *cobra.Command {
	var (
		binds        []string
		syncInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the RPC, snapshot and Git endpoints",
		Long: `Serves the indexed mirror over HTTP until interrupted.

The index is reloaded whenever another process (such as a cron'd
"sync") commits a newer generation to the database. With
--sync-interval the server also syncs by itself.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("bind") {
				cfg.Serve.Bind = binds
			}
			if cmd.Flags().Changed("sync-interval") {
				cfg.Sync.Interval = syncInterval
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			config.ResolveToken(ctx, cfg)

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			cache, err := gitproxy.NewPackCache(cfg.Serve.PackCacheEntries, cfg.Serve.PackCacheMaxEntryBytes)
			if err != nil {
				return err
			}
			if cache.Enabled() {
				logrus.Debugf("Pack cache: %d entries of at most %s", cfg.Serve.PackCacheEntries,
					humanize.IBytes(uint64(cfg.Serve.PackCacheMaxEntryBytes)))
			}

			git := gitproxy.New(b.index, b.upstream, cache, gitproxy.Options{
				Agent:           userAgent(),
				MaxRequestBytes: cfg.Serve.MaxRequestBytes,
			})
			srv := server.New(b.index, git, rpc.New(b.index, rpc.Options{MaxResults: cfg.Serve.MaxSearchResults}), server.Options{
				Bind:       cfg.Serve.Bind,
				ArchiveURL: cfg.Upstream.ArchiveURL,
				CORS:       cfg.Serve.CORS,
			})

			w, err := watcher.New(b.store, b.index, cfg.DBPath, 0)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				logrus.Warnf("Index will not follow external syncs: %v", err)
			} else {
				defer w.Stop()
			}

			var background sync.WaitGroup
			syncCtx, cancel := context.WithCancel(ctx)
			defer func() {
				cancel()
				background.Wait()
			}()
			if cfg.Sync.Interval > 0 {
				logrus.Infof("Syncing every %s", cfg.Sync.Interval)
				background.Add(1)
				go func() {
					defer background.Done()
					b.engine(cfg).RunEvery(syncCtx, cfg.Sync.Interval)
				}()
			}

			if err := srv.Run(ctx); err != nil {
				return err
			}
			logrus.Info("Shut down")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&binds, "bind", nil, "Address to listen on, repeatable (overrides serve.bind)")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "Run a sync pass this often while serving (0 disables)")

	return cmd
}
