package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ex2gcal/internal/auth"
)

func newAuthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to the Google calendar and cache the token",
		Long: `Run the browser authorization flow for the OAuth client in the credentials
file and store the resulting token in the token file. An existing token is
replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			logger := root.newLogger(cfg)

			oauthCfg, err := auth.LoadOAuthConfig(cfg.CredentialsFile)
			if err != nil {
				return err
			}

			tok, err := auth.Interactive(cmd.Context(), oauthCfg, root.prompt)
			if err != nil {
				return fmt.Errorf("authorize: %w", err)
			}

			cache := auth.NewTokenCache(cfg.TokenFile)
			if err := cache.Save(tok); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			logger.Info("authorization saved", "path", cache.Path())
			return nil
		},
	}
}
