package cli

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/config"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/models"
)

// NewLoginCmd creates the login command
func NewLoginCmd(g *globalOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a GitHub token in the config file",
		Long: `Stores a GitHub personal access token in the config file. The token is
used for the GraphQL API and for Git requests to the mirror.

The token is kept in plaintext; the file is created readable only by
its owner.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return models.NewError(models.ErrInvalidConfig, "", fmt.Errorf("--token must not be empty"))
			}

			path, err := g.path()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			cfg.GitHubToken = token
			if err := config.Save(path, cfg); err != nil {
				return err
			}

			logrus.Infof("Token saved to %s", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "GitHub personal access token")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}
