// Package dashboard renders gateway status as ASCII tables for the CLI.
package dashboard

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// KeyRow is one credential/model line of the status view. It mirrors the
// /admin/keys response shape.
type KeyRow struct {
	CredentialID string    `json:"credential_id"`
	Label        string    `json:"label"`
	Preview      string    `json:"preview"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	StatusUntil  time.Time `json:"status_until"`
	Failures     int       `json:"failures"`
	RPMUsed      int       `json:"rpm_used"`
	RPMLimit     int       `json:"rpm_limit"`
	RPDUsed      int       `json:"rpd_used"`
	RPDLimit     int       `json:"rpd_limit"`
	TPMUsed      int       `json:"tpm_used"`
	TPMLimit     int       `json:"tpm_limit"`
	Score        float64   `json:"score"`
}

// RenderKeys renders the credential pool status table.
func RenderKeys(rows []KeyRow, now time.Time) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Key", "Model", "Status", "RPM", "RPD", "TPM", "Score"})

	healthy := 0
	for _, r := range rows {
		if r.Status == "healthy" {
			healthy++
		}
		t.AppendRow(table.Row{
			keyLabel(r),
			r.Model,
			statusLabel(r, now),
			fmt.Sprintf("%d/%d", r.RPMUsed, r.RPMLimit),
			fmt.Sprintf("%d/%d", r.RPDUsed, r.RPDLimit),
			fmt.Sprintf("%d/%d", r.TPMUsed, r.TPMLimit),
			fmt.Sprintf("%.2f", r.Score),
		})
	}
	t.AppendFooter(table.Row{
		"", "", fmt.Sprintf("%d/%d healthy", healthy, len(rows)), "", "", "", "",
	})

	return t.Render()
}

func keyLabel(r KeyRow) string {
	if r.Label != "" {
		return fmt.Sprintf("%s (%s)", r.Label, r.Preview)
	}
	return r.Preview
}

func statusLabel(r KeyRow, now time.Time) string {
	switch r.Status {
	case "limited":
		if r.StatusUntil.After(now) {
			return fmt.Sprintf("limited (%s)", r.StatusUntil.Sub(now).Round(time.Second))
		}
		return "limited"
	case "dead":
		return "dead"
	default:
		return r.Status
	}
}
