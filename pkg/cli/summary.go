package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yorozuya-cybersecurity/yorosec-confirm/internal/pipeline"
)

var (
	primary = lipgloss.Color("#7D56F4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(primary).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Width(14)

	confirmedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF3838"))
	unconfirmedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB800"))
	mutedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle          = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D26A"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primary).
			Padding(0, 1)
)

func renderSummary(res *pipeline.Result) string {
	s := res.Summary
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
	}

	lines := []string{
		titleStyle.Render("Confirmation summary"),
		"",
		row("Target", s.Target),
		row("Run", s.RunID),
		row("ZAP scan", fmt.Sprintf("%.2fs", s.Stats.ScanDurationSeconds)),
		row("Messages", fmt.Sprintf("%d", s.Stats.TotalMessagesSent)),
		row("Endpoints", fmt.Sprintf("%d", s.Stats.TotalEndpoints)),
		row("Confirmed", confirmedStyle.Render(fmt.Sprintf("%d", s.Stats.Confirmed))),
		row("Unconfirmed", unconfirmedStyle.Render(fmt.Sprintf("%d", s.Stats.Unconfirmed))),
		row("Not scanned", mutedStyle.Render(fmt.Sprintf("%d", s.Stats.NotScanned))),
	}
	if n := len(res.Undocumented); n > 0 {
		lines = append(lines, row("Undocumented", mutedStyle.Render(fmt.Sprintf("%d route(s)", n))))
	}

	if len(s.Confirmed) == 0 {
		lines = append(lines, "", okStyle.Render("No confirmed vulnerabilities"))
	} else {
		lines = append(lines, "")
		for _, c := range s.Confirmed {
			ep := c.Endpoint
			lines = append(lines, fmt.Sprintf("%s %s %s %s",
				confirmedStyle.Render("●"),
				ep.Method+" "+ep.Path,
				mutedStyle.Render(ep.CWE),
				mutedStyle.Render(fmt.Sprintf("(%d alert(s))", c.AlertCount()))))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
