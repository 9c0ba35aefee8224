package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorderExportsCounters(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, "metrics-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	rec, err := NewRecorder(p.Meter(), Gauges{
		Subscribers: func() int { return 3 },
		Queue: func(context.Context) (map[string]int, error) {
			return map[string]int{"PRINCIPAL": 4}, nil
		},
	})
	require.NoError(t, err)

	rec.RecordTransition(ctx, "assume", "ok")
	rec.RecordTransition(ctx, "assume", "conflict")
	rec.RecordTransfer(ctx, "TIMED_OUT")
	rec.RecordSweep(ctx, "session_expired", 2)
	rec.RecordSweep(ctx, "failure", 0)
	rec.RecordPublish(ctx, "conversation_updated", true)
	rec.RecordPublish(ctx, "queue_updated", false)

	body := scrape(t, p.Handler)
	assert.Contains(t, body, "clinic_transitions_total")
	assert.Contains(t, body, `action="assume"`)
	assert.Contains(t, body, `outcome="conflict"`)
	assert.Contains(t, body, "clinic_transfers_total")
	assert.Contains(t, body, `state="TIMED_OUT"`)
	assert.Contains(t, body, `kind="session_expired"`)
	assert.NotContains(t, body, `kind="failure"`)
	assert.Contains(t, body, `outcome="dropped"`)
	assert.Contains(t, body, "clinic_subscribers")
	assert.Contains(t, body, `status="PRINCIPAL"`)
}

func TestGaugeCallbackErrorDoesNotBreakScrape(t *testing.T) {
	p, err := Init(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, err = NewRecorder(p.Meter(), Gauges{
		Queue: func(context.Context) (map[string]int, error) { return nil, errors.New("store down") },
	})
	require.NoError(t, err)

	scrape(t, p.Handler)
}

func TestZeroRecorderIsSafe(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	r.RecordTransition(ctx, "assume", "ok")
	r.RecordTransfer(ctx, "ACCEPTED")
	r.RecordSweep(ctx, "timeout_inactivity", 1)
	r.RecordPublish(ctx, "queue_updated", true)
}
