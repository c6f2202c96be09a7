package reward

import (
	"sync"

	"wifi-reward-gateway/internal/domain/eventbus"
)

// abuseWarnThreshold is the rejection count at which an identifier is called
// out at warn level.
const abuseWarnThreshold = 3

// AbuseMonitor tallies rejected watch events per identifier so repeat
// offenders surface in the logs. It rides the synchronous bus: a rejection is
// counted before the rejecting request returns.
type AbuseMonitor struct {
	logger Logger

	mu     sync.Mutex
	counts map[string]int
}

// StartAbuseMonitor subscribes a monitor to reward rejections. Callers detach
// it with Stop.
func StartAbuseMonitor(logger Logger) (*AbuseMonitor, error) {
	m := &AbuseMonitor{logger: logger, counts: make(map[string]int)}
	if err := eventbus.Subscribe(eventbus.EventRewardRejected, m.handleRejection); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AbuseMonitor) handleRejection(data eventbus.RewardEventData) {
	m.mu.Lock()
	m.counts[data.Identifier]++
	count := m.counts[data.Identifier]
	m.mu.Unlock()

	if m.logger == nil {
		return
	}
	if count >= abuseWarnThreshold {
		m.logger.WarnTag("ABUSE", "%s has %d rejected watches, last %q on %s",
			data.Identifier, count, data.Reason, data.VideoRef)
		return
	}
	m.logger.InfoTag("ABUSE", "rejected watch for %s: %s (%s)",
		data.Identifier, data.Reason, data.VideoRef)
}

// Rejections reports how many rejected watches the identifier has accrued.
func (m *AbuseMonitor) Rejections(identifier string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[identifier]
}

// Stop detaches the monitor from the bus.
func (m *AbuseMonitor) Stop() error {
	return eventbus.Unsubscribe(eventbus.EventRewardRejected, m.handleRejection)
}
