package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

func TestSpanAndMetricEmission(t *testing.T) {
	logger, buf := captureLogger()
	shutdown, err := Setup(context.Background(), Config{Enabled: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = Setup(context.Background(), Config{}, nil)
		require.NoError(t, shutdown(context.Background()))
	})

	_, end := StartSpan(context.Background(), ComponentPortal, "/api/user/login")
	end(nil)

	out := buf.String()
	require.Contains(t, out, "span start")
	require.Contains(t, out, "span end")
	require.Contains(t, out, "component="+ComponentPortal)
	require.Contains(t, out, "outcome=ok")

	buf.Reset()
	_, end = StartSpan(context.Background(), ComponentLedger, "debit")
	end(errors.New("store unavailable"))
	require.Contains(t, buf.String(), "outcome=error")
	require.Contains(t, buf.String(), "store unavailable")

	buf.Reset()
	RecordTraffic(context.Background(), ComponentProxy, "user@example.com", 4096, 1024)
	out = buf.String()
	require.Contains(t, out, "traffic.charged_bytes")
	require.Contains(t, out, "component="+ComponentProxy)
	require.Contains(t, out, "identifier=user@example.com")
	require.Contains(t, out, "requested=4096")
}

func TestDisabledInstrumentationIsSilent(t *testing.T) {
	logger, buf := captureLogger()
	_, err := Setup(context.Background(), Config{Enabled: false}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = Setup(context.Background(), Config{}, nil) })

	_, end := StartSpan(context.Background(), ComponentReward, "grant")
	end(nil)
	RecordMetric(context.Background(), "reward.grants", 1, nil)

	require.NotContains(t, buf.String(), "span start")
	require.NotContains(t, buf.String(), "metric")
}
