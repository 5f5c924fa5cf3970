package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"traffic_marl/internal/config"
	"traffic_marl/internal/coordinator"
	"traffic_marl/internal/domain"
	sqlitestore "traffic_marl/internal/store/sqlite"
)

type app struct {
	cfg   config.Config
	store *sqlitestore.Store
	runID string
	mode  domain.RunMode
	team  *coordinator.Coordinator
}

func (a *app) router(ws http.Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/config", a.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/runs", a.handleRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", a.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/episodes", a.handleEpisodes).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/steps", a.handleSteps).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/events", a.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}/models", a.handleModelFiles).Methods(http.MethodGet)
	r.Handle("/ws", ws)
	return r
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     a.cfg.Path,
		"raw":      a.cfg.Raw,
		"resolved": a.cfg,
	})
}

// handleStatus reports the live run. Only lock-protected team state is read.
func (a *app) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"run_id": a.runID,
		"mode":   a.mode,
	}
	if a.team != nil {
		status["agents"] = a.team.AgentIDs()
		status["epsilon"] = a.team.Epsilon()
		status["buffer_len"] = a.team.BufferLen()
		status["communication"] = a.team.CommunicationEnabled()
		status["channels"] = a.team.ChannelStats()
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *app) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, sqlitestore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *app) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := a.store.ListEpisodes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, episodes)
}

func (a *app) handleSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := a.store.ListSteps(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (a *app) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.ListEvents(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 300))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *app) handleModelFiles(w http.ResponseWriter, r *http.Request) {
	files, err := a.store.ListModelFiles(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
