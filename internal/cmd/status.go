package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hydragw/hydra/internal/dashboard"
)

var (
	statusAddr  string
	statusToken string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential pool status from a running gateway",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "gateway address (default from config)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "access token when auth is enabled")
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := strings.TrimSpace(statusAddr)
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/admin/keys", nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	if token := strings.TrimSpace(statusToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach gateway at %s: %w", addr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var payload struct {
		Keys []dashboard.KeyRow `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	fmt.Println(dashboard.RenderKeys(payload.Keys, time.Now().UTC()))
	return nil
}
