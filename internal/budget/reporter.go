package budget

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Report is a point-in-time view of a session tree's spending.
type Report struct {
	State  State                 `json:"state"`
	Limits Limits                `json:"limits"`
	Usage  Usage                 `json:"usage"`
	Models map[string]ModelUsage `json:"models,omitempty"`
}

// NewReport creates a report from a tracker and, optionally, a ledger.
func NewReport(t *Tracker, l *Ledger) Report {
	r := Report{
		State:  t.State(),
		Limits: t.Limits(),
		Usage:  t.Usage(),
	}
	if l != nil {
		r.Models = l.Snapshot()
	}
	return r
}

// Summary returns a brief one-line summary.
func (r Report) Summary() string {
	return fmt.Sprintf("Tokens: %d in / %d out | Calls: %d | Sub-calls: %d | Depth: %d | Iterations: %d",
		r.State.InputTokens, r.State.OutputTokens,
		r.State.ModelCalls, r.State.SubCallCount,
		r.State.RecursionDepth, r.State.Iterations,
	)
}

// Detailed returns a multi-line detailed report.
func (r Report) Detailed() string {
	var sb strings.Builder

	sb.WriteString("Token Usage:\n")
	sb.WriteString(fmt.Sprintf("  Input:  %d%s\n", r.State.InputTokens, limitSuffix(r.Limits.MaxInputTokens, r.Usage.InputTokensPercent)))
	sb.WriteString(fmt.Sprintf("  Output: %d%s\n", r.State.OutputTokens, limitSuffix(r.Limits.MaxOutputTokens, r.Usage.OutputTokensPercent)))
	sb.WriteString("\n")

	if len(r.Models) > 0 {
		sb.WriteString("Models:\n")
		for _, name := range sortedModels(r.Models) {
			u := r.Models[name]
			sb.WriteString(fmt.Sprintf("  %-32s calls=%d in=%d out=%d\n", name, u.Calls, u.InputTokens, u.OutputTokens))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Recursion:\n")
	sb.WriteString(fmt.Sprintf("  Max depth reached: %d\n", r.State.RecursionDepth))
	sb.WriteString(fmt.Sprintf("  Sub-calls: %d%s\n", r.State.SubCallCount, limitSuffix(int64(r.Limits.MaxSubCalls), r.Usage.SubCallsPercent)))
	sb.WriteString(fmt.Sprintf("  Iterations: %d\n", r.State.Iterations))
	sb.WriteString(fmt.Sprintf("  REPL executions: %d\n", r.State.REPLExecutions))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("Duration: %s\n", formatDuration(r.State.SessionDuration())))
	return sb.String()
}

func limitSuffix(limit int64, percent float64) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" / %d %s", limit, progressBar(percent, 10))
}

func sortedModels(m map[string]ModelUsage) []string {
	return slices.Sorted(maps.Keys(m))
}

// progressBar creates a simple ASCII progress bar.
func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent / 100 * float64(width))
	empty := width - filled

	return strings.Repeat("▓", filled) + strings.Repeat("░", empty)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if minutes == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
