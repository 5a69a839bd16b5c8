package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/config"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// Version is set at build time.
var Version = "dev"

type globalOptions struct {
	configPath string
	logFormat  string
}

// path returns the config file in use.
func (g *globalOptions) path() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.DefaultPath()
}

func (g *globalOptions) load() (*models.Config, error) {
	path, err := g.path()
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Using config %s", path)
	return config.Load(path)
}

func userAgent() string {
	return "aur-mirror-meta/" + Version
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "aur-mirror-meta",
		Short: "Serve AUR metadata and per-package Git repositories from a GitHub mirror",
		Long: `aur-mirror-meta indexes the GitHub mirror of the AUR, where every package
is a branch of one repository, and serves it back the way AUR clients
expect it:

  - the AUR RPC v5 search and info endpoints (/rpc)
  - snapshot tarballs (/cgit/aur.git/snapshot/<pkgbase>.tar.gz)
  - one read-only Git repository per package (git clone <host>/<pkgbase>.git)

Run "sync" to build the index, then "serve".`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}

			switch g.logFormat {
			case "text":
			case "json":
				logrus.SetFormatter(&logrus.JSONFormatter{})
			default:
				return fmt.Errorf("unknown log format %q", g.logFormat)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/aur-mirror-meta/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")

	// Add subcommands
	rootCmd.AddCommand(NewLoginCmd(g))
	rootCmd.AddCommand(NewSyncCmd(g))
	rootCmd.AddCommand(NewServeCmd(g))

	return rootCmd
}
