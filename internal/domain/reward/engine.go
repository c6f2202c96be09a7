package reward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"wifi-reward-gateway/internal/domain/eventbus"
	"wifi-reward-gateway/internal/domain/ledger"
	ledgermodel "wifi-reward-gateway/internal/domain/ledger/model"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
)

// Milestone unlocks a bonus bundle once the cumulative accepted video count
// of an identifier reaches Count.
type Milestone struct {
	Count      int
	BundleByte int64
}

// Config tunes the engine. Per-video credit and the milestone table are
// product decisions carried in configuration.
type Config struct {
	PerVideoBytes    int64
	MinWatchFraction float64
	CooldownWindow   time.Duration
	DefaultDuration  time.Duration
	Milestones       []Milestone
	VideoDurations   map[string]time.Duration
}

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	DebugTag(tag, msg string, args ...interface{})
	InfoTag(tag, msg string, args ...interface{})
	WarnTag(tag, msg string, args ...interface{})
}

// Engine turns completed video watches into ledger credit.
type Engine struct {
	events EventStore
	ledger *ledger.Service
	logger Logger
	cfg    Config
}

// Result reports how a completion was handled.
type Result struct {
	Accepted     bool   `json:"accepted"`
	EarnedBytes  int64  `json:"earned_bytes"`
	NewMilestone int    `json:"new_milestone,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewEngine builds a reward engine.
func NewEngine(events EventStore, ledgerSvc *ledger.Service, logger Logger, cfg Config) (*Engine, error) {
	if events == nil {
		return nil, errors.New("reward engine requires an event store")
	}
	if ledgerSvc == nil {
		return nil, errors.New("reward engine requires the ledger service")
	}
	if cfg.MinWatchFraction <= 0 || cfg.MinWatchFraction > 1 {
		return nil, errors.New("min watch fraction must be in (0, 1]")
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = 30 * time.Minute
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 30 * time.Second
	}

	rules := append([]Milestone(nil), cfg.Milestones...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Count < rules[j].Count })
	cfg.Milestones = rules

	return &Engine{
		events: events,
		ledger: ledgerSvc,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// RecordCompletion evaluates one watch event. Too-short watches are rejected
// without error; replays inside the cooldown window return
// ErrDuplicateVideoEvent so callers can log them for abuse monitoring.
func (e *Engine) RecordCompletion(ctx context.Context, identifier, deviceID, videoRef string, watchSeconds int) (Result, error) {
	if identifier == "" || videoRef == "" {
		return Result{}, platformerrors.New(platformerrors.KindReward, "record",
			"identifier and video ref required")
	}

	nominal := e.cfg.DefaultDuration
	if d, ok := e.cfg.VideoDurations[videoRef]; ok {
		nominal = d
	}
	minWatch := int(e.cfg.MinWatchFraction * nominal.Seconds())
	if watchSeconds < minWatch {
		if e.logger != nil {
			e.logger.DebugTag("REWARD", "rejected short watch %s/%s: %ds < %ds",
				identifier, videoRef, watchSeconds, minWatch)
		}
		// Rejections go over the synchronous bus so the abuse monitor sees
		// them in request order and cannot drop them under load.
		eventbus.Publish(eventbus.EventRewardRejected, eventbus.RewardEventData{
			Identifier: identifier, DeviceID: deviceID, VideoRef: videoRef,
			Reason: "watch_too_short",
		})
		return Result{Accepted: false, Reason: "watch_too_short"}, nil
	}

	now := time.Now()
	event := VideoEvent{
		Identifier:   identifier,
		DeviceID:     deviceID,
		VideoRef:     videoRef,
		CompletedAt:  now,
		WatchSeconds: watchSeconds,
		DedupeKey:    dedupeKey(identifier, videoRef, now, e.cfg.CooldownWindow),
	}
	if err := e.events.Append(ctx, event); err != nil {
		if errors.Is(err, ErrDuplicateVideoEvent) {
			if e.logger != nil {
				e.logger.WarnTag("REWARD", "replay within cooldown: %s/%s", identifier, videoRef)
			}
			eventbus.Publish(eventbus.EventRewardRejected, eventbus.RewardEventData{
				Identifier: identifier, DeviceID: deviceID, VideoRef: videoRef,
				Reason: "duplicate",
			})
			return Result{Accepted: false, Reason: "duplicate"}, ErrDuplicateVideoEvent
		}
		return Result{}, platformerrors.Wrap(platformerrors.KindReward, "record",
			"failed to append video event", err)
	}

	result := Result{Accepted: true}

	if e.cfg.PerVideoBytes > 0 {
		if _, err := e.ledger.Grant(ctx, ledger.GrantRequest{
			Identifier:  identifier,
			DeviceScope: ledgermodel.ScopeAll,
			TotalBytes:  e.cfg.PerVideoBytes,
			Source:      ledgermodel.SourceVideo,
			Metadata:    map[string]any{"video_ref": videoRef},
		}); err != nil {
			return Result{}, err
		}
		result.EarnedBytes += e.cfg.PerVideoBytes
	}

	count, err := e.events.CountFor(ctx, identifier)
	if err != nil {
		return Result{}, platformerrors.Wrap(platformerrors.KindReward, "record",
			"failed to count video events", err)
	}

	milestone, earned, err := e.grantDueMilestones(ctx, identifier, count)
	if err != nil {
		return Result{}, err
	}
	result.EarnedBytes += earned
	result.NewMilestone = milestone

	eventbus.PublishAsync(eventbus.EventRewardAccepted, eventbus.RewardEventData{
		Identifier: identifier, DeviceID: deviceID, VideoRef: videoRef,
		EarnedBytes: result.EarnedBytes, Milestone: milestone,
	})
	return result, nil
}

// grantDueMilestones pays out every crossed threshold that has not produced a
// grant yet. TryMarkMilestone wins exactly once per identifier+threshold, so
// concurrent completions cannot double-grant.
func (e *Engine) grantDueMilestones(ctx context.Context, identifier string, count int) (int, int64, error) {
	var newMilestone int
	var earned int64

	for _, rule := range e.cfg.Milestones {
		if count < rule.Count {
			break
		}
		marker := fmt.Sprintf("milestone-%d", rule.Count)
		fresh, err := e.events.TryMarkMilestone(ctx, identifier, rule.Count, marker)
		if err != nil {
			return 0, 0, platformerrors.Wrap(platformerrors.KindReward, "milestone",
				"failed to mark milestone", err)
		}
		if !fresh {
			continue
		}

		if _, err := e.ledger.Grant(ctx, ledger.GrantRequest{
			Identifier:  identifier,
			DeviceScope: ledgermodel.ScopeAll,
			TotalBytes:  rule.BundleByte,
			Source:      ledgermodel.SourceMilestone,
			Metadata:    map[string]any{"threshold": rule.Count},
		}); err != nil {
			return 0, 0, err
		}

		newMilestone = rule.Count
		earned += rule.BundleByte
		if e.logger != nil {
			e.logger.InfoTag("REWARD", "milestone %d reached by %s, granted %d bytes",
				rule.Count, identifier, rule.BundleByte)
		}
		eventbus.PublishAsync(eventbus.EventRewardMilestone, eventbus.RewardEventData{
			Identifier: identifier, Milestone: rule.Count, EarnedBytes: rule.BundleByte,
		})
	}
	return newMilestone, earned, nil
}

func dedupeKey(identifier, videoRef string, at time.Time, window time.Duration) string {
	bucket := at.Truncate(window).Unix()
	return fmt.Sprintf("%s|%s|%d", identifier, videoRef, bucket)
}
