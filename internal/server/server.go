// Package server exposes routine runs over HTTP: start, inspect, pause, resume
// and kill runs, stream their progress with SSE and browse the archive.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/config"
	"github.com/cwbudde/badgerctl/internal/routine"
)

// maxRoutineSize bounds routine request bodies.
const maxRoutineSize = 1 << 20

// Server represents the HTTP server
type Server struct {
	runs     *RunManager
	settings *config.Store
	archive  *archive.FSArchive
	addr     string
	server   *http.Server
}

// NewServer creates a new HTTP server. settings and arch may be nil.
func NewServer(addr string, runs *RunManager, settings *config.Store, arch *archive.FSArchive) *Server {
	s := &Server{
		runs:     runs,
		settings: settings,
		archive:  arch,
		addr:     addr,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)

	mux.HandleFunc("/api/v1/runs", s.handleRuns)
	mux.HandleFunc("/api/v1/runs/", s.handleRunsWithID)
	mux.HandleFunc("/api/v1/settings", s.handleSettings)
	mux.HandleFunc("/api/v1/archive", s.handleArchive)
	mux.HandleFunc("/api/v1/archive/", s.handleArchiveWithID)

	return requestIDMiddleware(loggingMiddleware(corsMiddleware(mux)))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleRuns handles /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.runs.ListRuns())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRunsWithID handles /api/v1/runs/:id/*
func (s *Server) handleRunsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "run ID required")
		return
	}
	runID := parts[0]

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.handleGetRun(w, r, runID)
	case action == "pause" && r.Method == http.MethodPost:
		run, err := s.runs.Pause(runID, true)
		s.respondControl(w, run, err)
	case action == "resume" && r.Method == http.MethodPost:
		run, err := s.runs.Pause(runID, false)
		s.respondControl(w, run, err)
	case action == "kill" && r.Method == http.MethodPost:
		run, err := s.runs.Kill(runID)
		s.respondControl(w, run, err)
	case action == "termination" && r.Method == http.MethodPut:
		s.handleSetTermination(w, r, runID)
	case action == "record" && r.Method == http.MethodGet:
		s.handleGetRecord(w, r, runID)
	case action == "stream" && r.Method == http.MethodGet:
		s.handleRunStream(w, r, runID)
	case action == "model" && r.Method == http.MethodGet:
		s.handleGetModel(w, r, runID)
	case action == "" || action == "pause" || action == "resume" || action == "kill" ||
		action == "termination" || action == "record" || action == "stream" || action == "model":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleCreateRun handles POST /api/v1/runs. The body is a routine in YAML or JSON.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRoutineSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	rt, err := routine.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid routine: %v", err))
		return
	}

	run, err := s.runs.Start(r.Context(), rt, "api")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// handleGetRun handles GET /api/v1/runs/:id
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	var elapsed time.Duration
	if run.EndTime != nil {
		elapsed = run.EndTime.Sub(run.StartTime)
	} else {
		elapsed = time.Since(run.StartTime)
	}

	response := map[string]interface{}{
		"run":     run,
		"elapsed": elapsed.Seconds(),
	}
	if ctrl, ok := s.runs.Controller(runID); ok {
		response["control"] = ctrl.State()
		response["hasGenerator"] = ctrl.HasGenerator()
		response["states"] = finiteMap(ctrl.States())
		if desc := ctrl.LastArchive(); desc != nil {
			response["archive"] = desc
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) respondControl(w http.ResponseWriter, run Run, err error) {
	switch {
	case errors.Is(err, errRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

// handleSetTermination handles PUT /api/v1/runs/:id/termination. A null body
// clears the condition.
func (s *Server) handleSetTermination(w http.ResponseWriter, r *http.Request, runID string) {
	var tc *routine.TerminationCondition
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if tc != nil {
		if err := tc.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	run, err := s.runs.SetTermination(runID, tc)
	s.respondControl(w, run, err)
}

// handleGetRecord handles GET /api/v1/runs/:id/record
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, runID string) {
	ctrl, ok := s.runs.Controller(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Record())
}

// handleGetModel handles GET /api/v1/runs/:id/model. Training failures are
// reported as a warning with 409 Conflict.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request, runID string) {
	ctrl, ok := s.runs.Controller(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	gen := ctrl.Generator()
	if gen == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"warning": "generator not ready yet"})
		return
	}
	if err := gen.TrainModel(); err != nil {
		slog.Warn("Model training failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusConflict, map[string]string{"warning": fmt.Sprintf("model training failed: %v", err)})
		return
	}

	model := gen.Model()
	response := map[string]interface{}{
		"optimizer":    model.Optimizer,
		"observations": model.Observations,
		"bestInputs":   finiteMap(model.BestInputs),
		"bestCost":     nil,
	}
	if !math.IsInf(model.BestCost, 0) && !math.IsNaN(model.BestCost) {
		response["bestCost"] = model.BestCost
	}
	writeJSON(w, http.StatusOK, response)
}

// handleSettings handles GET and PUT /api/v1/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotFound, "settings not available")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, settingsResponse(s.settings.Get()))
	case http.MethodPut:
		var req struct {
			DataDumpPeriod string `json:"dataDumpPeriod"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
		d, err := config.ParseDuration(req.DataDumpPeriod)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.settings.SetDumpPeriod(d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Info("Dump period changed", "period", d)
		writeJSON(w, http.StatusOK, settingsResponse(s.settings.Get()))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func settingsResponse(st config.Settings) map[string]interface{} {
	return map[string]interface{}{
		"archiveRoot":     st.ArchiveRoot,
		"dataDumpPeriod":  st.DataDumpPeriod.String(),
		"yieldInterval":   st.YieldInterval.String(),
		"fullTimestamp":   st.FullTimestamp,
		"recordInterface": st.IsRecordingInterface(),
	}
}

// handleArchive handles GET /api/v1/archive
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.archive == nil {
		writeJSON(w, http.StatusOK, []archive.RunInfo{})
		return
	}

	opts := archive.ListOpts{RoutineName: r.URL.Query().Get("routine")}
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &opts.Limit)
	}
	infos, err := s.archive.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if infos == nil {
		infos = []archive.RunInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleArchiveWithID handles GET and DELETE /api/v1/archive/:id
func (s *Server) handleArchiveWithID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/archive/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive not available")
		return
	}

	var err error
	switch r.Method {
	case http.MethodGet:
		var file *archive.RunFile
		if file, err = s.archive.Load(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, file)
			return
		}
	case http.MethodDelete:
		if err = s.archive.Delete(r.Context(), id); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if errors.Is(err, archive.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// finiteMap drops NaN and infinite values, which JSON cannot carry.
func finiteMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[k] = v
		}
	}
	return out
}
