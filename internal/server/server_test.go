package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/badgerctl/internal/archive"
	"github.com/cwbudde/badgerctl/internal/config"
	"github.com/cwbudde/badgerctl/internal/driver"
	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/routine"
)

const shortRoutine = `
name: api-short
environment: {name: synthetic, seed: 1}
generator: {name: random, max_iters: 4, pop_size: 5, seed: 3}
vocs:
  variables:
    - {name: x1, lower: -1, upper: 1}
    - {name: x2, lower: -1, upper: 1}
  objectives:
    - {name: sphere}
states: [evaluations]
termination: {kind: max_eval, max_eval: 5}
`

const longRoutine = `
name: api-long
environment: {name: synthetic}
generator: {name: random, max_iters: 100000, pop_size: 100}
vocs:
  variables:
    - {name: x1, lower: -1, upper: 1}
  objectives:
    - {name: sphere}
`

type testServer struct {
	*Server
	handler  http.Handler
	settings *config.Store
	archive  *archive.FSArchive
}

func newTestServer(t *testing.T, newDriver func() driver.Driver) *testServer {
	t.Helper()
	if newDriver == nil {
		newDriver = func() driver.Driver {
			return driver.NewLoop(environment.DefaultRegistry(), false)
		}
	}

	arch, err := archive.NewFSArchive(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFSArchive failed: %v", err)
	}
	settings := config.NewStore(config.Settings{DataDumpPeriod: time.Hour})

	runs := NewRunManager(&Launcher{
		NewDriver:     newDriver,
		Archiver:      arch,
		Settings:      settings,
		YieldInterval: time.Microsecond,
	})
	t.Cleanup(func() {
		runs.KillAll()
		runs.Wait()
	})

	s := NewServer(":0", runs, settings, arch)
	return &testServer{Server: s, handler: s.Handler(), settings: settings, archive: arch}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) createRun(t *testing.T, body string) Run {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/runs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var run Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("Failed to decode run: %v", err)
	}
	return run
}

func (ts *testServer) waitForState(t *testing.T, id string, want RunState) Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, ok := ts.runs.GetRun(id)
		if ok && run.State == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	run, _ := ts.runs.GetRun(id)
	t.Fatalf("Run %s did not reach %s, last state %s (error %q)", id, want, run.State, run.Error)
	return Run{}
}

func TestServer_RunToTermination(t *testing.T) {
	ts := newTestServer(t, nil)

	run := ts.createRun(t, shortRoutine)
	if run.ID == "" || run.RoutineName != "api-short" {
		t.Fatalf("Unexpected run: %+v", run)
	}
	if run.Trigger != "api" {
		t.Errorf("Expected api trigger, got %q", run.Trigger)
	}

	done := ts.waitForState(t, run.ID, StateTerminated)
	if done.Rows != 5 {
		t.Errorf("Expected 5 rows, got %d", done.Rows)
	}
	if !strings.Contains(done.Info, "Optimization run has been terminated!") {
		t.Errorf("Expected termination info, got %q", done.Info)
	}
	if done.Error != "" {
		t.Errorf("Expected no error, got %q", done.Error)
	}
	if done.ArchiveID == "" {
		t.Error("Expected the run to be archived")
	}

	w := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/record", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var rec routine.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}
	if rec.Len() != 5 {
		t.Errorf("Expected 5 record rows, got %d", rec.Len())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/model", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected model status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var status map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status["control"] != "killed" && status["control"] != "running" {
		t.Errorf("Unexpected control state %v", status["control"])
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs", "")
	var runs []Run
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected 1 run, got %d", len(runs))
	}
}

func TestServer_CreateRunRejectsInvalidRoutine(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/runs", "name: broken\nvocs:\n  variables: []\n")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/runs", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_UnknownRun(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/nope"},
		{http.MethodPost, "/api/v1/runs/nope/pause"},
		{http.MethodPost, "/api/v1/runs/nope/kill"},
		{http.MethodGet, "/api/v1/runs/nope/record"},
		{http.MethodGet, "/api/v1/runs/nope/model"},
		{http.MethodGet, "/api/v1/runs/nope/stream"},
	} {
		w := ts.do(t, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, w.Code)
		}
	}

	w := ts.do(t, http.MethodGet, "/api/v1/runs/nope/bogus", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown action, got %d", w.Code)
	}
}

func TestServer_PauseResumeKill(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, longRoutine)

	w := ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/pause", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Pause: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	ctrl, _ := ts.runs.Controller(run.ID)
	if got := ctrl.State(); got != "paused" {
		t.Errorf("Expected paused controller, got %s", got)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/resume", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Resume: expected 200, got %d", w.Code)
	}
	resumed, _ := ts.runs.GetRun(run.ID)
	if resumed.State != StateRunning {
		t.Errorf("Expected running, got %s", resumed.State)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/kill", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Kill: expected 200, got %d", w.Code)
	}
	ts.waitForState(t, run.ID, StateTerminated)

	w = ts.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/pause", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Pause after end: expected 409, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/kill", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET kill: expected 405, got %d", w.Code)
	}
}

// gatedDriver holds the run back until release is closed.
type gatedDriver struct {
	release chan struct{}
	next    driver.Driver
}

func (d gatedDriver) Run(ctx context.Context, r *routine.Routine, cb driver.Callbacks) error {
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.next.Run(ctx, r, cb)
}

func TestServer_RunEndReleasesStreamState(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, func() driver.Driver {
		return gatedDriver{release: release, next: driver.NewLoop(environment.DefaultRegistry(), false)}
	})
	run := ts.createRun(t, shortRoutine)
	eb := ts.runs.Broadcaster()
	ch := eb.Subscribe(run.ID)
	close(release)

	var last RunEvent
	timeout := time.After(10 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-ch:
			if ok {
				last = ev
			}
			open = ok
		case <-timeout:
			t.Fatal("Subscriber channel was not closed after the run ended")
		}
	}
	if last.Type != EventState || last.State != StateTerminated {
		t.Errorf("Expected final terminated state event, got %+v", last)
	}

	ts.runs.Wait()
	eb.mu.RLock()
	_, cached := eb.lastEvent[run.ID]
	_, subscribed := eb.clients[run.ID]
	eb.mu.RUnlock()
	if cached || subscribed {
		t.Errorf("Broadcaster state kept after run end: cached=%v subscribed=%v", cached, subscribed)
	}
}

func TestServer_SetTermination(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, longRoutine)

	w := ts.do(t, http.MethodPut, "/api/v1/runs/"+run.ID+"/termination", `{"kind":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad kind, got %d", w.Code)
	}

	w = ts.do(t, http.MethodPut, "/api/v1/runs/"+run.ID+"/termination", `{"kind":"max_eval","maxEval":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	done := ts.waitForState(t, run.ID, StateTerminated)
	if done.Termination == nil || done.Termination.MaxEval != 3 {
		t.Errorf("Expected stored termination, got %+v", done.Termination)
	}
	if done.Rows < 3 {
		t.Errorf("Expected at least 3 rows, got %d", done.Rows)
	}
}

func TestServer_SetTerminationDuration(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, longRoutine)

	tests := []struct {
		body string
		want time.Duration
	}{
		{`{"kind":"max_time","max_time":"30s"}`, 30 * time.Second},
		{`{"kind":"max_time","maxTime":"1m"}`, time.Minute},
		{`{"kind":"max_time","maxTime":45}`, 45 * time.Second},
		{`{"kind":"max_time","maxTime":"2.5"}`, 2500 * time.Millisecond},
	}
	for _, tt := range tests {
		w := ts.do(t, http.MethodPut, "/api/v1/runs/"+run.ID+"/termination", tt.body)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", tt.body, w.Code, w.Body.String())
		}
		got, _ := ts.runs.GetRun(run.ID)
		if got.Termination == nil || got.Termination.MaxTime != tt.want {
			t.Errorf("%s: expected max time %s, got %+v", tt.body, tt.want, got.Termination)
		}
		if !strings.Contains(w.Body.String(), `"maxTime":"`+tt.want.String()+`"`) {
			t.Errorf("%s: expected duration string in response: %s", tt.body, w.Body.String())
		}
	}

	for _, body := range []string{
		`{"kind":"max_time","maxTime":"soon"}`,
		`{"kind":"max_time","max_tme":"30s"}`,
	} {
		w := ts.do(t, http.MethodPut, "/api/v1/runs/"+run.ID+"/termination", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

// stallingGenerator refuses to train.
type stallingGenerator struct{}

func (stallingGenerator) VOCS() routine.VOCS  { return routine.VOCS{} }
func (stallingGenerator) TrainModel() error   { return driver.ErrNoObservations }
func (stallingGenerator) Model() driver.Model { return driver.Model{} }

type idleDriver struct{}

func (idleDriver) Run(ctx context.Context, r *routine.Routine, cb driver.Callbacks) error {
	for {
		if err := cb.OnBeforeEvaluate(stallingGenerator{}, nil); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func TestServer_ModelTrainingFailureIsConflict(t *testing.T) {
	ts := newTestServer(t, func() driver.Driver { return idleDriver{} })
	run := ts.createRun(t, longRoutine)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ctrl, _ := ts.runs.Controller(run.ID)
		if ctrl.HasGenerator() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Generator never became available")
		}
		time.Sleep(time.Millisecond)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/model", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "warning") {
		t.Errorf("Expected a warning body, got %s", w.Body.String())
	}

	// The run is unaffected.
	current, _ := ts.runs.GetRun(run.ID)
	if current.State != StateRunning {
		t.Errorf("Expected run still running, got %s", current.State)
	}
}

func TestServer_Settings(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"dataDumpPeriod":"1h0m0s"`) {
		t.Errorf("Unexpected settings: %s", w.Body.String())
	}

	w = ts.do(t, http.MethodPut, "/api/v1/settings", `{"dataDumpPeriod":"2.5"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := ts.settings.DumpPeriod(); got != 2500*time.Millisecond {
		t.Errorf("Expected 2.5s, got %s", got)
	}

	w = ts.do(t, http.MethodPut, "/api/v1/settings", `{"dataDumpPeriod":"-1s"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative period, got %d", w.Code)
	}
}

func TestServer_Archive(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, shortRoutine)
	done := ts.waitForState(t, run.ID, StateTerminated)

	w := ts.do(t, http.MethodGet, "/api/v1/archive", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var infos []archive.RunInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode archive list: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != done.ArchiveID {
		t.Fatalf("Unexpected archive list: %+v", infos)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/archive/"+done.ArchiveID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = ts.do(t, http.MethodDelete, "/api/v1/archive/"+done.ArchiveID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/archive/"+done.ArchiveID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestServer_StreamOfFinishedRun(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, shortRoutine)
	ts.waitForState(t, run.ID, StateTerminated)

	w := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/stream", "")
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Expected event-stream content type, got %q", got)
	}
	body := w.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("Expected SSE data line, got %q", body)
	}
	if !strings.Contains(body, `"state":"terminated"`) {
		t.Errorf("Expected terminated state event, got %q", body)
	}
}

func TestServer_Index(t *testing.T) {
	ts := newTestServer(t, nil)
	run := ts.createRun(t, shortRoutine)
	ts.waitForState(t, run.ID, StateTerminated)

	w := ts.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "api-short") {
		t.Error("Expected routine name on the index page")
	}

	w = ts.do(t, http.MethodGet, "/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
