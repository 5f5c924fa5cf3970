package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"traffic_marl/internal/domain"
)

var sparkTicks = []rune("▁▂▃▄▅▆▇█")

func renderRunsTable(table *tview.Table, runs []domain.Run, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Mode", "Status", "Updated", "Agents"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, r := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(r.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(r.Mode)))
		table.SetCell(row, 2, tview.NewTableCell(statusColor(r.Status)+string(r.Status)))
		table.SetCell(row, 3, tview.NewTableCell(r.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(strings.Join(r.Agents, ","), 40)))
		if r.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func statusColor(s domain.RunStatus) string {
	switch s {
	case domain.RunStatusRunning:
		return "[yellow]"
	case domain.RunStatusDone:
		return "[green]"
	case domain.RunStatusFailed:
		return "[red]"
	default:
		return "[white]"
	}
}

func renderEpisodes(items []domain.EpisodeMetrics) string {
	if len(items) == 0 {
		return "No episodes"
	}
	var b strings.Builder
	rewards := make([]float64, len(items))
	for i, m := range items {
		rewards[i] = m.TotalReward
	}
	b.WriteString("reward " + sparkline(rewards, 48) + "\n\n")
	start := 0
	if len(items) > 30 {
		start = len(items) - 30
	}
	b.WriteString(fmt.Sprintf("%5s %10s %9s %6s %7s %8s\n", "ep", "reward", "loss", "steps", "eps", "updates"))
	for i := len(items) - 1; i >= start; i-- {
		m := items[i]
		b.WriteString(fmt.Sprintf("%5d %10.2f %9.4f %6d %7.3f %8d\n",
			m.Episode, m.TotalReward, m.AvgLoss, m.Steps, m.Epsilon, m.TrainSteps))
	}
	return b.String()
}

func renderSteps(items []domain.StepSummary) string {
	if len(items) == 0 {
		return "No steps recorded"
	}
	var b strings.Builder
	for _, s := range items {
		b.WriteString(fmt.Sprintf("[%s] ep=%d step=%d r=%.3f total=%.2f veh=%d speed=%.1f\n",
			s.Timestamp.Format("15:04:05"), s.Episode, s.Step, s.Reward, s.TotalReward, s.VehicleCount, s.AvgSpeed))
		ids := make([]string, 0, len(s.PerAgent))
		for id := range s.PerAgent {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			b.WriteString(fmt.Sprintf("  %-10s %s\n", id, s.PerAgent[id].ActionName))
		}
	}
	return b.String()
}

func renderEvents(items []domain.RunEvent) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			e.CreatedAt.Format("15:04:05"),
			e.Actor,
			e.Action,
			trimLine(e.Reason, 100),
		))
		if detail := payloadSummary(e.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

// renderAgentState shows each intersection's latest action and queues, plus
// live exploration and channel counters when the run is the active one.
func renderAgentState(runID string, steps []domain.StepSummary, live *liveStatus) string {
	if strings.TrimSpace(runID) == "" {
		return "No run selected"
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Run: %s", shortID(runID)))
	if live != nil {
		b.WriteString(fmt.Sprintf("  live mode=%s epsilon=%.3f buffer=%d comms=%t", live.Mode, live.Epsilon, live.BufferLen, live.Communication))
	}
	b.WriteString("\n")
	if len(steps) == 0 {
		return b.String()
	}
	latest := steps[0]
	ids := make([]string, 0, len(latest.PerAgent))
	for id := range latest.PerAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := latest.PerAgent[id]
		b.WriteString(fmt.Sprintf("%-10s action=%-7s queues=%s waits=%s\n",
			id, a.ActionName, formatFloats(a.Queues, "%.0f"), formatFloats(a.Waits, "%.0f")))
		if live != nil {
			if ch, ok := live.Channels[id]; ok {
				b.WriteString(fmt.Sprintf("  msgs sent=%d failed=%d recv=%d dropped=%d bad=%d\n",
					ch.Published, ch.PublishFailures, ch.Received, ch.Dropped, ch.DecodeErrors))
			}
		}
	}
	return b.String()
}

func sparkline(values []float64, width int) string {
	if len(values) == 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int((v - lo) / (hi - lo) * float64(len(sparkTicks)-1))
		}
		out[i] = sparkTicks[idx]
	}
	return string(out)
}

func formatFloats(v []float64, format string) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf(format, x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func payloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
