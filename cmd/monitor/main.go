package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"traffic_marl/internal/comm"
	"traffic_marl/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

// liveStatus mirrors the trainer's /status response.
type liveStatus struct {
	RunID         string                `json:"run_id"`
	Mode          string                `json:"mode"`
	Agents        []string              `json:"agents"`
	Epsilon       float64               `json:"epsilon"`
	BufferLen     int                   `json:"buffer_len"`
	Communication bool                  `json:"communication"`
	Channels      map[string]comm.Stats `json:"channels"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "trainer base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "trainer health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	episodesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	episodesView.SetTitle("Episodes").SetBorder(true)

	stepsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stepsView.SetTitle("Latest steps").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	agentStateView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentStateView.SetTitle("Agent state").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Connected to %s | shortcuts: F10 quit, F5 refresh", c.baseURL))

	rightTop := tview.NewFlex().
		AddItem(episodesView, 0, 1, false).
		AddItem(stepsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(agentStateView, 10, 0, false).
		AddItem(eventsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.Run
	var detailsVersion uint64

	refreshRuns := func() {
		runs, err := c.listRuns()
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
		})
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		go func(selected string, v uint64) {
			type result[T any] struct {
				items T
				err   error
			}
			episodesCh := make(chan result[[]domain.EpisodeMetrics], 1)
			stepsCh := make(chan result[[]domain.StepSummary], 1)
			eventsCh := make(chan result[[]domain.RunEvent], 1)
			statusCh := make(chan result[liveStatus], 1)

			go func() {
				var out []domain.EpisodeMetrics
				err := c.getJSON(fmt.Sprintf("/runs/%s/episodes", selected), &out)
				episodesCh <- result[[]domain.EpisodeMetrics]{out, err}
			}()
			go func() {
				var out []domain.StepSummary
				err := c.getJSON(fmt.Sprintf("/runs/%s/steps?limit=%d", selected, 40), &out)
				stepsCh <- result[[]domain.StepSummary]{out, err}
			}()
			go func() {
				var out []domain.RunEvent
				err := c.getJSON(fmt.Sprintf("/runs/%s/events?limit=%d", selected, 100), &out)
				eventsCh <- result[[]domain.RunEvent]{out, err}
			}()
			go func() {
				var out liveStatus
				err := c.getJSON("/status", &out)
				statusCh <- result[liveStatus]{out, err}
			}()

			episodesRes := <-episodesCh
			stepsRes := <-stepsCh
			eventsRes := <-eventsCh
			statusRes := <-statusCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if episodesRes.err != nil {
					episodesView.SetText(fmt.Sprintf("error: %v", episodesRes.err))
				} else {
					episodesView.SetText(renderEpisodes(episodesRes.items))
				}
				if stepsRes.err != nil {
					stepsView.SetText(fmt.Sprintf("error: %v", stepsRes.err))
				} else {
					stepsView.SetText(renderSteps(stepsRes.items))
				}
				if eventsRes.err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventsRes.err))
				} else {
					eventsView.SetText(renderEvents(eventsRes.items))
				}
				var live *liveStatus
				if statusRes.err == nil && statusRes.items.RunID == selected {
					live = &statusRes.items
				}
				agentStateView.SetText(renderAgentState(selected, stepsRes.items, live))
			})
		}(runID, version)
	}

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		statusView.SetText("Inspecting run " + shortID(selectedRunID))
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refreshRuns()
				refreshDetailsAsync(selectedRunID)
			}()
			statusView.SetText("Manual refresh requested")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		for _, run := range lastRuns {
			if run.Status == domain.RunStatusRunning {
				selectedRunID = run.ID
				break
			}
		}
		for {
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
			<-ticker.C
			refreshRuns()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) listRuns() ([]domain.Run, error) {
	var out []domain.Run
	if err := c.getJSON("/runs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}
