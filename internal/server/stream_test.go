package server

import (
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/badgerctl/internal/runner"
)

func TestEventBroadcaster_ReplaysLastEvent(t *testing.T) {
	eb := NewEventBroadcaster()
	eb.Broadcast(RunEvent{RunID: "r1", Type: EventInfo, Message: "first"})
	eb.Broadcast(RunEvent{RunID: "r1", Type: EventInfo, Message: "second"})

	ch := eb.Subscribe("r1")
	defer eb.Unsubscribe("r1", ch)

	select {
	case ev := <-ch:
		if ev.Message != "second" {
			t.Errorf("Expected last event, got %q", ev.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("No replayed event")
	}
}

func TestEventBroadcaster_ObserverForwardsNotifications(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("r1")
	other := eb.Subscribe("r2")
	defer eb.Unsubscribe("r2", other)

	obs := eb.Observer("r1")
	obs.OnEnvReady([]float64{1, 2})
	obs.OnProgress(runner.Progress{Row: 0, Objectives: []float64{-3}})
	obs.OnFinished()
	obs.OnError(errors.New("boom"))
	obs.OnInfo("done")

	want := []EventType{EventEnvReady, EventProgress, EventFinished, EventError, EventInfo}
	for i, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Errorf("Event %d: expected %s, got %s", i, typ, ev.Type)
			}
			if typ == EventProgress && (ev.Progress == nil || ev.Rows != 1) {
				t.Errorf("Progress event missing payload: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("Missing event %s", typ)
		}
	}

	select {
	case ev := <-other:
		t.Errorf("Unrelated subscriber got %+v", ev)
	default:
	}

	eb.CleanupRun("r1")
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after cleanup")
	}
	// Unsubscribing a cleaned-up channel must not panic.
	eb.Unsubscribe("r1", ch)
}
