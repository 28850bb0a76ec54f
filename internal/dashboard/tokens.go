package dashboard

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/hydragw/hydra/internal/tokens"
)

// RenderTokens renders the access-token table.
func RenderTokens(entries []tokens.Entry) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Name", "Preview", "Created", "Active", "Requests", "Tokens"})

	for _, entry := range entries {
		active := "yes"
		if !entry.Active {
			active = "no"
		}
		t.AppendRow(table.Row{
			entry.ID,
			entry.Name,
			entry.Preview,
			entry.CreatedAt.Format("2006-01-02 15:04"),
			active,
			entry.TotalRequests,
			entry.TotalTokens,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", fmt.Sprintf("%d total", len(entries))})

	return t.Render()
}
