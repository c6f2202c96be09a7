package proxy

import (
	"context"
	"sync"
	"time"

	"wifi-reward-gateway/internal/domain/ledger"
	"wifi-reward-gateway/internal/platform/logging"
	"wifi-reward-gateway/internal/platform/observability"
)

// Meter accumulates tunnel bytes and settles them against the ledger in
// batches. A flush happens every FlushBytes or FlushInterval, whichever
// comes first; per-read debits would hammer the store.
type Meter struct {
	ledger      *ledger.Service
	logger      *logging.Logger
	identifier  string
	fingerprint string

	flushBytes    int64
	flushInterval time.Duration

	mu      sync.Mutex
	pending int64
	stopped bool

	stop        chan struct{}
	stopOnce    sync.Once
	exhaustOnce sync.Once
	onExhausted func()
}

// MeterOptions configures a connection meter.
type MeterOptions struct {
	Ledger        *ledger.Service
	Logger        *logging.Logger
	Identifier    string
	Fingerprint   string
	FlushBytes    int64
	FlushInterval time.Duration
	// OnExhausted is invoked once, from the flushing goroutine, when the
	// ledger cannot cover the accumulated bytes. Callers tear the tunnel
	// down there.
	OnExhausted func()
}

// NewMeter builds a meter and starts its interval flusher.
func NewMeter(opts MeterOptions) *Meter {
	flushBytes := opts.FlushBytes
	if flushBytes <= 0 {
		flushBytes = 256 << 10
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	m := &Meter{
		ledger:        opts.Ledger,
		logger:        opts.Logger,
		identifier:    opts.Identifier,
		fingerprint:   opts.Fingerprint,
		flushBytes:    flushBytes,
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		onExhausted:   opts.OnExhausted,
	}
	go m.flushLoop()
	return m
}

func (m *Meter) flushLoop() {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.stop:
			return
		}
	}
}

// Add records n tunnel bytes. Crossing the flush threshold settles
// immediately.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.pending += n
	due := m.pending >= m.flushBytes
	m.mu.Unlock()
	if due {
		m.flush()
	}
}

// flush settles the pending bytes. When the ledger pays out less than asked
// the identifier is out of quota and the exhaustion callback fires.
func (m *Meter) flush() {
	m.mu.Lock()
	if m.stopped || m.pending == 0 {
		m.mu.Unlock()
		return
	}
	amount := m.pending
	m.pending = 0
	m.mu.Unlock()

	outcome, err := m.ledger.DebitUpTo(context.Background(), m.identifier, m.fingerprint, amount)
	if err != nil {
		if m.logger != nil {
			m.logger.WarnTag("METER", "debit failed for %s, closing tunnel: %v", m.identifier, err)
		}
		m.exhaust()
		return
	}
	observability.RecordTraffic(context.Background(), observability.ComponentProxy, m.identifier, amount, outcome.DebitedBytes)
	if outcome.DebitedBytes < amount {
		if m.logger != nil {
			m.logger.InfoTag("METER", "quota exhausted for %s (owed %d, charged %d)",
				m.identifier, amount, outcome.DebitedBytes)
		}
		m.exhaust()
	}
}

func (m *Meter) exhaust() {
	m.exhaustOnce.Do(func() {
		if m.onExhausted != nil {
			m.onExhausted()
		}
	})
}

// Flush settles the pending bytes immediately.
func (m *Meter) Flush() {
	m.flush()
}

// Close stops the flusher. The sub-threshold remainder is deliberately
// discarded: the connection is gone and a final partial debit is not worth a
// failure path on teardown.
func (m *Meter) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.pending = 0
		m.mu.Unlock()
		close(m.stop)
	})
}

// Pending reports the unflushed byte count.
func (m *Meter) Pending() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
