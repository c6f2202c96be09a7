package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wifi-reward-gateway/internal/domain/ledger"
	"wifi-reward-gateway/internal/domain/ledger/model"
	ledgerstore "wifi-reward-gateway/internal/domain/ledger/store"
)

func newMeterLedger(t *testing.T, grantBytes int64) *ledger.Service {
	t.Helper()
	svc, err := ledger.NewService(ledger.Options{Store: ledgerstore.NewMemory()})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })
	if grantBytes > 0 {
		_, err = svc.Grant(context.Background(), ledger.GrantRequest{
			Identifier: "user-1", TotalBytes: grantBytes, Source: model.SourceVideo,
		})
		require.NoError(t, err)
	}
	return svc
}

func remaining(t *testing.T, svc *ledger.Service) int64 {
	t.Helper()
	summary, err := svc.Remaining(context.Background(), "user-1", "dev-1")
	require.NoError(t, err)
	return summary.RemainingBytes
}

func TestMeterFlushesOnByteThreshold(t *testing.T) {
	svc := newMeterLedger(t, model.MB)
	m := NewMeter(MeterOptions{
		Ledger:        svc,
		Identifier:    "user-1",
		Fingerprint:   "dev-1",
		FlushBytes:    1024,
		FlushInterval: time.Hour,
	})
	defer m.Close()

	m.Add(2048)
	assert.Equal(t, int64(0), m.Pending())
	assert.Equal(t, model.MB-2048, remaining(t, svc))
}

func TestMeterFlushesOnInterval(t *testing.T) {
	svc := newMeterLedger(t, model.MB)
	m := NewMeter(MeterOptions{
		Ledger:        svc,
		Identifier:    "user-1",
		Fingerprint:   "dev-1",
		FlushBytes:    1 << 20,
		FlushInterval: 20 * time.Millisecond,
	})
	defer m.Close()

	m.Add(100)
	require.Eventually(t, func() bool {
		return remaining(t, svc) == model.MB-100
	}, time.Second, 10*time.Millisecond)
}

func TestMeterExhaustionTearsDownOnce(t *testing.T) {
	svc := newMeterLedger(t, 1024)
	var torn atomic.Int32
	m := NewMeter(MeterOptions{
		Ledger:        svc,
		Identifier:    "user-1",
		Fingerprint:   "dev-1",
		FlushBytes:    512,
		FlushInterval: time.Hour,
		OnExhausted:   func() { torn.Add(1) },
	})
	defer m.Close()

	// The first 1024 bytes drain the quota, the next flush comes up short.
	m.Add(1024)
	assert.Equal(t, int32(0), torn.Load())
	m.Add(1024)
	assert.Equal(t, int32(1), torn.Load())
	m.Add(1024)
	assert.Equal(t, int32(1), torn.Load())
	assert.Equal(t, int64(0), remaining(t, svc))
}

func TestMeterCloseDiscardsSubThresholdRemainder(t *testing.T) {
	svc := newMeterLedger(t, model.MB)
	m := NewMeter(MeterOptions{
		Ledger:        svc,
		Identifier:    "user-1",
		Fingerprint:   "dev-1",
		FlushBytes:    1 << 20,
		FlushInterval: time.Hour,
	})

	m.Add(100)
	m.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, model.MB, remaining(t, svc))
}

func TestMeterExplicitFlushSettles(t *testing.T) {
	svc := newMeterLedger(t, model.MB)
	m := NewMeter(MeterOptions{
		Ledger:        svc,
		Identifier:    "user-1",
		Fingerprint:   "dev-1",
		FlushBytes:    1 << 20,
		FlushInterval: time.Hour,
	})
	defer m.Close()

	m.Add(500)
	m.Flush()
	assert.Equal(t, model.MB-500, remaining(t, svc))
}
