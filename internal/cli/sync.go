package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/config"
)

// NewSyncCmd creates the sync command
func NewSyncCmd(g *globalOptions) *cobra.Command {
	var (
		concurrency int
		arches      []string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the upstream mirror",
		Long: `Lists the branches of the upstream mirror, fetches and parses the
.SRCINFO of every branch whose tip moved since the last pass, and
commits the new index to the database.

Exits non-zero only when the pass could not be published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Sync.Concurrency = concurrency
			}
			if cmd.Flags().Changed("arch") {
				cfg.Sync.Arches = arches
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			config.ResolveToken(ctx, cfg)

			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			logrus.Info("Starting sync...")
			sum, err := b.engine(cfg).Run(ctx)
			if sum != nil {
				fmt.Fprintln(cmd.OutOrStdout(), sum.String())
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if !sum.Published {
				logrus.Info("Index already up to date")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent .SRCINFO batch requests (overrides sync.concurrency)")
	cmd.Flags().StringSliceVar(&arches, "arch", nil, "Architectures whose suffixed keys are merged (default all)")

	return cmd
}
