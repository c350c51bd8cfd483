package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zjy-dev/covhub/internal/coverage"
	"github.com/zjy-dev/covhub/internal/report"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	bandStyles  = map[string]lipgloss.Style{
		"low":    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		"medium": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"high":   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	}
)

// NewSummaryCommand creates the "summary" subcommand.
func NewSummaryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <coverage.json>...",
		Short: "Print per-file coverage of one or more coverage files.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshots(args)
			if err != nil {
				return err
			}
			writeSummary(cmd.OutOrStdout(), snap, report.DefaultWatermarks)
			return nil
		},
	}
}

func writeSummary(w io.Writer, snap coverage.Snapshot, marks report.Watermarks) {
	width := len("All files")
	for _, p := range snap.Paths() {
		if len(p) > width {
			width = len(p)
		}
	}

	row := func(name string, s coverage.Summary) string {
		cells := []string{fmt.Sprintf("%-*s", width, name)}
		for _, t := range []coverage.Totals{s.Statements, s.Branches, s.Functions, s.Lines} {
			cells = append(cells, bandStyles[marks.Class(t.Pct)].Render(fmt.Sprintf("%8.2f", t.Pct)))
		}
		return strings.Join(cells, " | ")
	}

	header := fmt.Sprintf("%-*s | %8s | %8s | %8s | %8s", width, "File", "% Stmts", "% Branch", "% Funcs", "% Lines")
	rule := strings.Repeat("-", len(header))
	fmt.Fprintln(w, headerStyle.Render(header))
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, row("All files", snap.Summary()))
	for _, p := range snap.Paths() {
		fmt.Fprintln(w, row(p, snap[p].Summary()))
	}
	fmt.Fprintln(w, rule)
}
