package awdctl

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

const (
	ColorAccent  = "#7D56F4"
	ColorOK      = "#04B575"
	ColorWarn    = "#F2C94C"
	ColorError   = "#EB5757"
	ColorMuted   = "#8A8A8A"
	ColorPrimary = "#FAFAFA"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)).Width(16)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorPrimary))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorAccent)).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	color := ColorWarn
	switch status {
	case string(entities.StatusCompleted), "ok":
		color = ColorOK
	case string(entities.StatusFailed), "down":
		color = ColorError
	case string(entities.StatusCancelled), "degraded":
		color = ColorWarn
	case string(entities.StatusActive), string(entities.StatusPreparing):
		color = ColorAccent
	}
	return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(color))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
}

// RenderSession draws a session card.
func RenderSession(s Session) string {
	rows := []string{
		titleStyle.Render("Session " + s.SessionID),
		row("field", s.FieldID),
		row("status", statusStyle(string(s.Status)).Render(string(s.Status))),
	}
	if s.Reason != "" {
		rows = append(rows, row("reason", s.Reason))
	}
	rows = append(rows,
		row("level", fmt.Sprintf("%.2f → %.2f cm (target %.2f)", s.InitialLevelCm, s.CurrentLevelCm, s.TargetLevelCm)),
		row("flow", fmt.Sprintf("%.3f cm/min, gate %.3f m3/s", s.CurrentFlowRateCmPerMin, s.GateFlowM3s)),
		row("volume", fmt.Sprintf("%.0f L", s.AccumulatedVolumeLiters)),
		row("anomalies", fmt.Sprintf("%d", s.AnomaliesDetected)),
		row("started", s.StartTime.Local().Format(time.DateTime)),
	)
	if s.EndTime != nil {
		rows = append(rows, row("ended", s.EndTime.Local().Format(time.DateTime)))
	}
	if s.EstimatedCompletionTime != nil {
		rows = append(rows, row("eta", s.EstimatedCompletionTime.Local().Format(time.DateTime)))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func RenderPerformance(p entities.PerformanceRecord) string {
	rows := []string{
		titleStyle.Render("Performance"),
		row("achieved", fmt.Sprintf("%.2f cm of %.2f", p.AchievedLevelCm, p.TargetLevelCm)),
		row("duration", fmt.Sprintf("%.1f min", p.TotalDurationMinutes)),
		row("water", fmt.Sprintf("%.0f L", p.WaterVolumeLiters)),
		row("avg flow", fmt.Sprintf("%.3f cm/min", p.AvgFlowRateCmPerMin)),
		row("efficiency", fmt.Sprintf("%.2f", p.EfficiencyScore)),
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func RenderAnomalies(list []entities.AnomalyRecord) string {
	if len(list) == 0 {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)).Render("no anomalies")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Anomalies (%d)", len(list))))
	for _, a := range list {
		sev := string(a.Severity)
		st := lipgloss.NewStyle().Foreground(lipgloss.Color(ColorWarn))
		if a.Critical() {
			st = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorError))
		}
		fmt.Fprintf(&b, "\n%s %s %-14s %s",
			a.DetectedAt.Local().Format(time.TimeOnly), st.Render(fmt.Sprintf("%-8s", sev)), a.Type, a.Description)
	}
	return b.String()
}

func RenderHealth(h Health) string {
	rows := []string{
		titleStyle.Render("Controller " + h.Instance),
		row("status", statusStyle(h.Status).Render(h.Status)),
		row("local sessions", fmt.Sprintf("%d", h.LocalActive)),
	}
	deps := make([]string, 0, len(h.Dependencies))
	for k := range h.Dependencies {
		deps = append(deps, k)
	}
	sort.Strings(deps)
	for _, k := range deps {
		v := h.Dependencies[k]
		st := statusStyle("ok")
		if v != "ok" {
			st = statusStyle("down")
		}
		rows = append(rows, row(k, st.Render(v)))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}
