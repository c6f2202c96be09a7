package reward

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateVideoEvent signals a replay of the same video inside the
// cooldown window. The completion earns nothing and is logged for abuse
// monitoring.
var ErrDuplicateVideoEvent = errors.New("duplicate video event")

// VideoEvent is an immutable record of an accepted completion.
type VideoEvent struct {
	Identifier   string
	DeviceID     string
	VideoRef     string
	CompletedAt  time.Time
	WatchSeconds int
	DedupeKey    string
}

// EventStore persists video events and milestone bookkeeping. Append must be
// atomic on the dedupe key; TryMarkMilestone must be exactly-once per
// identifier+threshold even under concurrent callers.
type EventStore interface {
	Append(ctx context.Context, event VideoEvent) error
	CountFor(ctx context.Context, identifier string) (int, error)
	TryMarkMilestone(ctx context.Context, identifier string, threshold int, bundleID string) (bool, error)
}

type memoryEventStore struct {
	mutex      sync.Mutex
	events     map[string][]VideoEvent
	dedupe     map[string]struct{}
	milestones map[string]map[int]string
}

// NewMemoryEventStore builds the in-memory event store used by tests.
func NewMemoryEventStore() EventStore {
	return &memoryEventStore{
		events:     make(map[string][]VideoEvent),
		dedupe:     make(map[string]struct{}),
		milestones: make(map[string]map[int]string),
	}
}

func (s *memoryEventStore) Append(_ context.Context, event VideoEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, seen := s.dedupe[event.DedupeKey]; seen {
		return ErrDuplicateVideoEvent
	}
	s.dedupe[event.DedupeKey] = struct{}{}
	s.events[event.Identifier] = append(s.events[event.Identifier], event)
	return nil
}

func (s *memoryEventStore) CountFor(_ context.Context, identifier string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.events[identifier]), nil
}

func (s *memoryEventStore) TryMarkMilestone(_ context.Context, identifier string, threshold int, bundleID string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	marked, ok := s.milestones[identifier]
	if !ok {
		marked = make(map[int]string)
		s.milestones[identifier] = marked
	}
	if _, exists := marked[threshold]; exists {
		return false, nil
	}
	marked[threshold] = bundleID
	return true, nil
}
