package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hydragw/hydra/internal/observability"
	"github.com/hydragw/hydra/internal/tunnel"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Expose a running gateway on a public URL",
	Long: `Launch the configured tunnel provider (cloudflared or ssh) against the
local gateway port. The gateway itself must already be running; use
'hydra serve' with tunnel.provider set to run both together.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, err := observability.NewCLILogger(verbose)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		runner := tunnel.New(cfg.Tunnel, cfg.Server.Port, logger)
		if runner == nil {
			return fmt.Errorf("tunnel.provider is not configured")
		}
		return runner.Start(cmd.Context())
	},
}
