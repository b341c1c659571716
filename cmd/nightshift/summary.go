package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/appff/nightshift/internal/engine"
	"github.com/appff/nightshift/internal/mission"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	forcedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	blockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
)

// renderSummary formats the end-of-run report: per-task outcomes followed
// by mission totals.
func renderSummary(s engine.Summary, tasks []*mission.Task) string {
	var b strings.Builder

	name := s.Mission
	if name == "" {
		name = "mission"
	}
	b.WriteString(titleStyle.Render(name))
	b.WriteString("\n\n")

	for _, t := range tasks {
		b.WriteString(fmt.Sprintf("%s %s", statusBadge(t), t.Title))
		if t.Retries > 0 {
			b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d retries)", t.Retries)))
		}
		if t.Status == mission.StatusBlocked && t.Reason != "" {
			b.WriteString("\n    " + dimStyle.Render(t.Reason))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s done", doneStyle.Render(fmt.Sprintf("%d", s.Done))))
	if s.Forced > 0 {
		b.WriteString(fmt.Sprintf("  %s forced", forcedStyle.Render(fmt.Sprintf("%d", s.Forced))))
	}
	if s.Blocked > 0 {
		b.WriteString(fmt.Sprintf("  %s blocked", blockedStyle.Render(fmt.Sprintf("%d", s.Blocked))))
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  in %s", s.Elapsed.Round(time.Second))))
	if s.Suspended {
		b.WriteString("\n" + forcedStyle.Render(fmt.Sprintf("suspended until %s (quota)", s.ResumeAt.Format("15:04"))))
	}

	return boxStyle.Render(b.String())
}

func statusBadge(t *mission.Task) string {
	switch t.Status {
	case mission.StatusDone:
		if strings.HasPrefix(t.Reason, "forced accept") {
			return forcedStyle.Render("~")
		}
		return doneStyle.Render("✓")
	case mission.StatusBlocked:
		return blockedStyle.Render("✗")
	case mission.StatusInProgress:
		return forcedStyle.Render("…")
	default:
		return dimStyle.Render("·")
	}
}
