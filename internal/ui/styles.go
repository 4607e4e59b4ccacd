// Package ui renders terminal output for the feedsync CLI.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"})
	boldStyle   = lipgloss.NewStyle().Bold(true)
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#374151", Dark: "#D1D5DB"})
)

// RenderAccent renders s in the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s as a success.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders s as a failure.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders s de-emphasized.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderBold renders s in bold.
func RenderBold(s string) string { return boldStyle.Render(s) }

// KV is one row of a key/value listing.
type KV struct {
	Key   string
	Value string
}

// RenderKV aligns rows as "key: value" with keys padded to the widest key.
func RenderKV(rows []KV) string {
	width := 0
	for _, r := range rows {
		if w := lipgloss.Width(r.Key); w > width {
			width = w
		}
	}
	var b strings.Builder
	for _, r := range rows {
		key := keyStyle.Width(width + 1).Render(r.Key + ":")
		fmt.Fprintf(&b, "  %s %s\n", key, r.Value)
	}
	return b.String()
}

// RenderTable renders rows under a bold header with columns padded to fit.
func RenderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i]).Render(cell)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	var b strings.Builder
	b.WriteString(line(header, boldStyle))
	b.WriteByte('\n')
	for _, row := range rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
		b.WriteByte('\n')
	}
	return b.String()
}

// Ago renders t relative to now ("3m ago"), or "never" for the zero time.
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}

// Truncate shortens s to max display cells, ending in an ellipsis.
func Truncate(s string, max int) string {
	if max <= 1 || lipgloss.Width(s) <= max {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r)) > max-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}
