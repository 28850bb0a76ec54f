package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hydragw/hydra/internal/config"
	"github.com/hydragw/hydra/internal/dashboard"
	"github.com/hydragw/hydra/internal/store"
	"github.com/hydragw/hydra/internal/tokens"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage gateway access tokens",
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Issue a new access token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *tokens.Registry) error {
			token, entry, err := registry.Create(ctx, name)
			if err != nil {
				return err
			}
			fmt.Printf("Token %s (%s) created. Save it now; it is not shown again:\n\n%s\n", entry.ID, entry.Name, token)
			return nil
		})
	},
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List access tokens and their usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *tokens.Registry) error {
			entries, err := registry.List(ctx)
			if err != nil {
				return err
			}
			fmt.Println(dashboard.RenderTokens(entries))
			return nil
		})
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd.Context(), func(ctx context.Context, registry *tokens.Registry) error {
			if err := registry.Revoke(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Token %s revoked.\n", args[0])
			return nil
		})
	},
}

func init() {
	tokensCmd.AddCommand(tokensCreateCmd)
	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensRevokeCmd)
}

// withRegistry opens the store and token registry for one CLI operation.
func withRegistry(ctx context.Context, fn func(context.Context, *tokens.Registry) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireAuthSecret(cfg); err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	registry, err := tokens.NewRegistry(cfg.Auth.Secret, store.NewTokenStore(st))
	if err != nil {
		return err
	}
	return fn(ctx, registry)
}

func requireAuthSecret(cfg *config.Config) error {
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret must be set to manage tokens")
	}
	return nil
}
