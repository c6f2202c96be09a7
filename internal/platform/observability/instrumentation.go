package observability

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// Component labels attached to spans and metrics so gateway subsystems can be
// told apart in the instrumentation stream.
const (
	ComponentPortal = "portal"
	ComponentProxy  = "proxy"
	ComponentLedger = "ledger"
	ComponentReward = "reward"
)

// StartSpan records a lightweight span lifecycle around a gateway operation.
// Spans are no-ops until Setup has run with observability enabled.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, cfg := currentLogger()
	if logger == nil || !cfg.Enabled {
		return ctx, func(error) {}
	}

	start := time.Now()
	logger.LogAttrs(ctx, slog.LevelDebug, "span start",
		slog.String("component", component),
		slog.String("operation", operation),
	)

	return ctx, func(err error) {
		level := slog.LevelDebug
		outcome := "ok"
		if err != nil {
			level = slog.LevelError
			outcome = "error"
		}

		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.String("outcome", outcome),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		}

		logger.LogAttrs(ctx, level, "span end", attrs...)
	}
}

// RecordMetric emits a best-effort metric datapoint via the configured logger.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	logger, cfg := currentLogger()
	if logger == nil || !cfg.Enabled {
		return
	}

	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	for k, v := range labels {
		attrs = append(attrs, slog.String(k, v))
	}

	logger.LogAttrs(ctx, slog.LevelDebug, "metric", attrs...)
}

// RecordTraffic notes bytes settled against an identifier's quota, letting
// proxied traffic be correlated with ledger debits.
func RecordTraffic(ctx context.Context, component, identifier string, requested, charged int64) {
	RecordMetric(ctx, "traffic.charged_bytes", float64(charged), map[string]string{
		"component":  component,
		"identifier": identifier,
		"requested":  strconv.FormatInt(requested, 10),
	})
}
