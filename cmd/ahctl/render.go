package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"

	"github.com/nicktill/tinyauction/pkg/ingest"
	"github.com/nicktill/tinyauction/pkg/retention"
	"github.com/nicktill/tinyauction/pkg/storage"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#D7A000", Dark: "#FFD75F"}
	danger    = lipgloss.AdaptiveColor{Light: "#D7005F", Dark: "#FF5F87"}

	titleStyle = lipgloss.NewStyle().Foreground(highlight).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(subtle).Width(14)
	okStyle    = lipgloss.NewStyle().Foreground(special)
	warnStyle  = lipgloss.NewStyle().Foreground(warning)
	errorStyle = lipgloss.NewStyle().Foreground(danger).Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(0, 1)
)

const timeLayout = "2006-01-02 15:04:05"

func field(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func box(title string, lines ...string) string {
	body := append([]string{titleStyle.Render(title)}, lines...)
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body...))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(subtle)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func megabytes(b int64) string {
	return decimal.NewFromInt(b).Div(decimal.NewFromInt(1 << 20)).StringFixed(2) + " MB"
}

func renderReport(w io.Writer, r *retention.Report) {
	backup := warnStyle.Render("skipped")
	if r.Backup != "" {
		backup = r.Backup.String()
	}
	lines := []string{
		field("Before", strconv.FormatInt(r.Before, 10)),
		field("Deleted", strconv.FormatInt(r.Deleted, 10)),
		field("After", strconv.FormatInt(r.After, 10)),
		field("Reduction", r.Reduction().StringFixed(2)+"%"),
		field("Backup", backup),
	}
	if !r.Cutoff.IsZero() {
		lines = append(lines, field("Cutoff", formatTime(r.Cutoff)))
	}
	lines = append(lines, field("Took", r.Duration.Round(time.Millisecond).String()))
	fmt.Fprintln(w, box(r.Operation, lines...))
}

func renderBackup(w io.Writer, r *retention.BackupReport) {
	fmt.Fprintln(w, box("backup",
		field("Name", r.Name.String()),
		field("Rows", strconv.FormatInt(r.Rows, 10)),
	))
}

func renderRestore(w io.Writer, r *retention.RestoreReport) {
	fmt.Fprintln(w, box("restore",
		field("Backup", r.Name.String()),
		field("Before", strconv.FormatInt(r.Before, 10)),
		field("Restored", strconv.FormatInt(r.Restored, 10)),
	))
}

func renderBackupList(w io.Writer, backups []storage.BackupInfo) {
	if len(backups) == 0 {
		fmt.Fprintln(w, warnStyle.Render("No backups"))
		return
	}
	t := newTable("Name", "Rows", "Created (UTC)")
	for _, b := range backups {
		t.Row(b.Name.String(), strconv.FormatInt(b.Rows, 10), formatTime(b.CreatedAt))
	}
	fmt.Fprintln(w, t.String())
}

func renderPreview(w io.Writer, p *retention.Preview) {
	t := newTable("Rule", "Condition", "Rows")
	for _, r := range p.Rules {
		t.Row(r.Name, r.Desc, strconv.FormatInt(r.Count, 10))
	}
	fmt.Fprintln(w, titleStyle.Render("Outliers"))
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, box("preview",
		field("Total rows", strconv.FormatInt(p.TotalRows, 10)),
		field("Outliers", strconv.FormatInt(p.TotalOutliers, 10)),
		field("Daily keep", strconv.FormatInt(p.DailyKept, 10)),
		field("Daily delete", strconv.FormatInt(p.DailyToRemove, 10)),
		field("Purge before", formatTime(p.PurgeCutoff)),
		field("Purge delete", strconv.FormatInt(p.PurgeToRemove, 10)),
	))
}

func renderStats(w io.Writer, s *retention.Stats) {
	fmt.Fprintln(w, box("stats",
		field("History rows", strconv.FormatInt(s.TotalRows, 10)),
		field("Current rows", strconv.FormatInt(s.CurrentRows, 10)),
		field("Size", megabytes(s.SizeBytes)),
		field("Oldest", formatTime(s.OldestSnapshot)),
		field("Newest", formatTime(s.NewestSnapshot)),
		field("Rows/day", strconv.FormatFloat(s.RowsPerDay, 'f', 2, 64)),
		field("Backups", strconv.Itoa(s.Backups)),
	))
}

func renderCycle(w io.Writer, r *ingest.CycleReport) {
	lines := []string{
		field("Cycle", r.ID),
		field("Started", formatTime(r.StartedAt)),
	}
	if r.Normalize != nil {
		lines = append(lines,
			field("Listings", strconv.Itoa(len(r.Normalize.Listings))),
			field("Dropped", strconv.Itoa(r.Normalize.DroppedTotal())),
		)
	}
	if r.Ingest != nil {
		lines = append(lines,
			field("Inserted", strconv.FormatInt(r.Ingest.Inserted, 10)),
			field("Archived", strconv.FormatInt(r.Ingest.Archived, 10)),
		)
	}
	lines = append(lines,
		field("New items", strconv.Itoa(r.ItemsResolved)),
		field("Took", (time.Duration(r.DurationMS)*time.Millisecond).String()),
	)
	if r.Error != "" {
		lines = append(lines, field("Error", errorStyle.Render(r.Error)))
	}
	fmt.Fprintln(w, box("fetch", lines...))
}

func renderAborted(w io.Writer) {
	fmt.Fprintln(w, warnStyle.Render("Aborted, nothing changed"))
}
