package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwbudde/badgerctl/internal/runner"
)

// EventType names the kind of a RunEvent
type EventType string

const (
	EventEnvReady EventType = "env_ready"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
	EventInfo     EventType = "info"
	EventState    EventType = "state"
)

// RunEvent is one notification streamed to SSE clients
type RunEvent struct {
	RunID     string           `json:"runId"`
	Type      EventType        `json:"type"`
	State     RunState         `json:"state,omitempty"`
	Rows      int              `json:"rows,omitempty"`
	Initial   []float64        `json:"initial,omitempty"`
	Progress  *runner.Progress `json:"progress,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventBroadcaster fans run events out to SSE connections
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan RunEvent]bool // runID -> set of client channels
	lastEvent map[string]RunEvent               // runID -> last event for new clients
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan RunEvent]bool),
		lastEvent: make(map[string]RunEvent),
	}
}

// Subscribe adds a client to receive events for a run
func (eb *EventBroadcaster) Subscribe(runID string) chan RunEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan RunEvent, 64)

	if eb.clients[runID] == nil {
		eb.clients[runID] = make(map[chan RunEvent]bool)
	}
	eb.clients[runID][ch] = true

	// Replay the last event for reconnecting clients
	if lastEvent, ok := eb.lastEvent[runID]; ok {
		select {
		case ch <- lastEvent:
		default:
		}
	}

	slog.Debug("SSE client subscribed", "run_id", runID, "total_clients", len(eb.clients[runID]))
	return ch
}

// Unsubscribe removes a client from receiving events
func (eb *EventBroadcaster) Unsubscribe(runID string, ch chan RunEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[runID]; ok {
		if clients[ch] {
			delete(clients, ch)
			close(ch)
		}
		if len(clients) == 0 {
			delete(eb.clients, runID)
		}
	}

	slog.Debug("SSE client unsubscribed", "run_id", runID)
}

// Broadcast sends an event to all subscribed clients for a run
func (eb *EventBroadcaster) Broadcast(event RunEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.RunID] = event

	clients, ok := eb.clients[event.RunID]
	if !ok || len(clients) == 0 {
		return
	}

	for ch := range clients {
		select {
		case ch <- event:
		default:
			// Slow client, drop rather than block the run
			slog.Warn("SSE channel full, skipping event", "run_id", event.RunID, "type", event.Type)
		}
	}
}

// CleanupRun removes all clients and cached events for a run
func (eb *EventBroadcaster) CleanupRun(runID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if clients, ok := eb.clients[runID]; ok {
		for ch := range clients {
			close(ch)
		}
		delete(eb.clients, runID)
	}

	delete(eb.lastEvent, runID)
	slog.Debug("Cleaned up SSE resources", "run_id", runID)
}

// Observer returns a runner.Observer that broadcasts the notifications of runID.
func (eb *EventBroadcaster) Observer(runID string) runner.Observer {
	return runner.ObserverFuncs{
		EnvReady: func(initial []float64) {
			eb.Broadcast(RunEvent{RunID: runID, Type: EventEnvReady, Initial: initial, Timestamp: time.Now()})
		},
		Progress: func(p runner.Progress) {
			eb.Broadcast(RunEvent{RunID: runID, Type: EventProgress, Rows: p.Row + 1, Progress: &p, Timestamp: p.Timestamp})
		},
		Finished: func() {
			eb.Broadcast(RunEvent{RunID: runID, Type: EventFinished, Timestamp: time.Now()})
		},
		Error: func(err error) {
			eb.Broadcast(RunEvent{RunID: runID, Type: EventError, Message: err.Error(), Timestamp: time.Now()})
		},
		Info: func(msg string) {
			eb.Broadcast(RunEvent{RunID: runID, Type: EventInfo, Message: msg, Timestamp: time.Now()})
		},
	}
}

// handleRunStream handles SSE connections for run progress
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	run, exists := s.runs.GetRun(runID)
	if !exists {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	eventChan := s.runs.broadcaster.Subscribe(runID)
	defer s.runs.broadcaster.Unsubscribe(runID, eventChan)

	// Re-read after subscribing: a run that ended in between has already
	// released its broadcaster state.
	run, _ = s.runs.GetRun(runID)

	initialEvent := RunEvent{
		RunID:     run.ID,
		Type:      EventState,
		State:     run.State,
		Rows:      run.Rows,
		Timestamp: time.Now(),
	}
	if err := writeSSEEvent(w, initialEvent); err != nil {
		slog.Error("Failed to write initial SSE event", "error", err)
		return
	}
	flusher.Flush()

	// Nothing more will come for a finished run
	if run.State.Done() {
		return
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("SSE client disconnected", "run_id", runID)
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
			if event.Type == EventState && event.State.Done() {
				return
			}

		case <-pingTicker.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes an event in SSE format
func writeSSEEvent(w http.ResponseWriter, event RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
