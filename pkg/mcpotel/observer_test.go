package mcpotel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vikashloomba/mcp-stdio-manager-go/internal/toolserver"
	"github.com/vikashloomba/mcp-stdio-manager-go/pkg/mcpmgr"
)

func TestMain(m *testing.M) {
	if toolserver.IsHelper() {
		os.Exit(toolserver.RunHelper())
	}
	os.Exit(m.Run())
}

type harness struct {
	reader   *sdkmetric.ManualReader
	exporter *tracetest.InMemoryExporter
	observer *Observer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	observer, err := NewObserver(mp.Meter("mcpotel-test"), tp.Tracer("mcpotel-test"))
	require.NoError(t, err)
	return &harness{reader: reader, exporter: exporter, observer: observer}
}

func (h *harness) metric(t *testing.T, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.Truef(t, ok, "%s type = %T, want Sum[int64]", m.Name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestObserverRecordsInvocations(t *testing.T) {
	h := newHarness(t)

	h.observer.ObserveInvoke(mcpmgr.InvokeObservation{
		Server:   "files",
		Tool:     "read",
		Duration: 40 * time.Millisecond,
	})
	failure := fmt.Errorf("wrapped: %w", mcpmgr.ErrInvocationTimeout)
	h.observer.ObserveInvoke(mcpmgr.InvokeObservation{
		Server:   "files",
		Tool:     "read",
		Duration: time.Second,
		Err:      failure,
	})

	assert.EqualValues(t, 2, sumTotal(t, h.metric(t, "mcpmgr.tool.invocations")))
	latency := h.metric(t, "mcpmgr.tool.latency")
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.EqualValues(t, 2, count)

	spans := h.exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "mcp.tools.call", spans[0].Name)
	assert.Equal(t, otelcodes.Ok, spans[0].Status.Code)
	assert.Equal(t, otelcodes.Error, spans[1].Status.Code)
	assert.Equal(t, "timeout", spans[1].Status.Description)
	assert.InDelta(t, time.Second, spans[1].EndTime.Sub(spans[1].StartTime), float64(5*time.Millisecond))
}

func TestObserverTracksReadyConnections(t *testing.T) {
	h := newHarness(t)

	for _, step := range [][2]mcpmgr.State{
		{mcpmgr.StateConnecting, mcpmgr.StateHandshaking},
		{mcpmgr.StateHandshaking, mcpmgr.StateReady},
		{mcpmgr.StateReady, mcpmgr.StateClosing},
		{mcpmgr.StateClosing, mcpmgr.StateClosed},
		{mcpmgr.StateConnecting, mcpmgr.StateHandshaking},
		{mcpmgr.StateHandshaking, mcpmgr.StateReady},
	} {
		h.observer.ObserveConnection(mcpmgr.ConnectionObservation{Server: "files", From: step[0], To: step[1]})
	}

	assert.EqualValues(t, 6, sumTotal(t, h.metric(t, "mcpmgr.connection.transitions")))
	assert.EqualValues(t, 1, sumTotal(t, h.metric(t, "mcpmgr.connections.ready")))
}

func TestErrorCode(t *testing.T) {
	cases := map[string]error{
		"":                  nil,
		"timeout":           mcpmgr.ErrInvocationTimeout,
		"server_error":      fmt.Errorf("x: %w", mcpmgr.ErrServerError),
		"connection_lost":   mcpmgr.ErrConnectionLost,
		"not_ready":         mcpmgr.ErrNotConnected,
		"canceled":          context.Canceled,
		"deadline_exceeded": context.DeadlineExceeded,
		"error":             errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ErrorCode(err), "ErrorCode(%v)", err)
	}
}

func TestNilObserverIsSafe(t *testing.T) {
	var o *Observer
	assert.NotPanics(t, func() {
		o.ObserveInvoke(mcpmgr.InvokeObservation{})
		o.ObserveConnection(mcpmgr.ConnectionObservation{})
	})
}

func TestObserverWiredIntoManager(t *testing.T) {
	h := newHarness(t)
	manager := mcpmgr.NewManager(&mcpmgr.ManagerOptions{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:  h.observer,
		KillGrace: 500 * time.Millisecond,
	})
	ctx := context.Background()

	err := manager.ConnectServer(ctx, mcpmgr.ServerConfig{
		Name:    "helper",
		Command: os.Args[0],
		Env:     toolserver.HelperEnv(toolserver.Options{Name: "helper"}),
	})
	require.NoError(t, err)
	_, err = manager.CallTool(ctx, "helper", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	_, err = manager.CallTool(ctx, "helper", "fail", nil)
	require.ErrorIs(t, err, mcpmgr.ErrServerError)
	require.NoError(t, manager.DisconnectAll(ctx))

	assert.EqualValues(t, 2, sumTotal(t, h.metric(t, "mcpmgr.tool.invocations")))
	assert.EqualValues(t, 0, sumTotal(t, h.metric(t, "mcpmgr.connections.ready")))
	assert.EqualValues(t, 4, sumTotal(t, h.metric(t, "mcpmgr.connection.transitions")))
}
