package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "badgerctl", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestRunMetrics_NoopProviderDoesNotPanic(t *testing.T) {
	m := NewRunMetrics("demo")
	ctx := context.Background()
	m.Evaluations(ctx, 3)
	m.ArchiveAttempt(ctx, nil)
	m.ArchiveAttempt(ctx, errors.New("disk full"))
	m.Outcome(ctx, "completed", time.Second)

	_, span := Tracer().Start(ctx, "run")
	span.End()
}
