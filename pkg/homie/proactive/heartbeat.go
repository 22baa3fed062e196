// heartbeat.go drives proactive delivery: a cron tick claims due events,
// runs safety gates and suppression, rolls the anti-predictability skip, and
// hands survivors to the turn engine.
package proactive

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/ledger"
	"github.com/homielabs/homie/pkg/homie/memory"
)

const (
	claimBatch   = 50
	claimLeaseMs = 10 * 60 * 1000

	// newContactDeferMs parks proactive events for people the agent barely
	// knows.
	newContactDeferMs = 14 * dayMs

	// reminderRetryMs is the short defer when the engine refuses a reminder.
	reminderRetryMs = 15 * 60 * 1000

	// skipBucketMs is the window over which a skip roll stays stable.
	skipBucketMs = 6 * 60 * 60 * 1000

	followUpMinAgeMs = 3 * dayMs
	followUpMaxAgeMs = 7 * dayMs

	// followUpOutstandingCap stops follow-ups once a chat has this many
	// unanswered sends.
	followUpOutstandingCap = 2
)

// Deliverer turns a claimed event into an outbound action. sent=false means
// the engine chose silence.
type Deliverer interface {
	HandleProactiveEvent(ctx context.Context, e Event) (sent bool, err error)
}

// TierSource resolves trust tiers.
type TierSource interface {
	TrustTierFor(personID string) (string, error)
}

// FollowUpSource supplies unanswered outbound sends.
type FollowUpSource interface {
	ListUnansweredInWindow(minSentAtMs, maxSentAtMs int64, limit int) ([]ledger.Row, error)
	CountUnansweredForChat(chatID string, minSentAtMs int64) (int, error)
}

// ActivitySource reports the newest user message per chat.
type ActivitySource interface {
	LastUserMessageMs(chatID string) (int64, error)
}

// Heartbeat is the periodic proactive delivery loop.
type Heartbeat struct {
	cfg       config.ProactiveConfig
	scheduler *Scheduler
	followUps FollowUpSource
	tiers     TierSource
	activity  ActivitySource
	deliver   Deliverer
	asleep    func() bool
	logger    *slog.Logger

	cron    *cron.Cron
	claimID string

	// tickMu guards against overlapping ticks.
	tickMu sync.Mutex

	now func() int64
}

// NewHeartbeat wires the loop. asleep may be nil (never asleep).
func NewHeartbeat(cfg config.ProactiveConfig, scheduler *Scheduler, followUps FollowUpSource, tiers TierSource, activity ActivitySource, deliver Deliverer, asleep func() bool, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if asleep == nil {
		asleep = func() bool { return false }
	}
	return &Heartbeat{
		cfg:       cfg,
		scheduler: scheduler,
		followUps: followUps,
		tiers:     tiers,
		activity:  activity,
		deliver:   deliver,
		asleep:    asleep,
		logger:    logger.With("component", "heartbeat"),
		claimID:   uuid.NewString(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Start schedules the tick. No-op when proactive delivery is disabled.
func (h *Heartbeat) Start(ctx context.Context) error {
	if !h.cfg.Enabled {
		h.logger.Info("proactive delivery disabled")
		return nil
	}
	interval := time.Duration(h.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	h.cron = cron.New()
	_, err := h.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		h.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("heartbeat schedule: %w", err)
	}
	h.cron.Start()
	h.logger.Info("heartbeat started", "interval", interval)
	return nil
}

// Stop halts the tick and waits for a running one to finish.
func (h *Heartbeat) Stop() {
	if h.cron != nil {
		<-h.cron.Stop().Done()
	}
	h.tickMu.Lock()
	h.tickMu.Unlock()
}

// Tick runs one heartbeat pass. At most one tick runs at a time; an overlap
// is dropped, not queued.
func (h *Heartbeat) Tick(ctx context.Context) {
	if !h.tickMu.TryLock() {
		h.logger.Debug("tick overlap, skipping")
		return
	}
	defer h.tickMu.Unlock()

	if h.asleep() {
		return
	}

	events, err := h.scheduler.ClaimPendingEvents(ctx, 0, claimBatch, claimLeaseMs, h.claimID)
	if err != nil {
		h.logger.Warn("claim failed", "error", err)
		return
	}
	for _, e := range events {
		h.processEvent(ctx, e)
	}

	h.scanFollowUps(ctx)
}

func (h *Heartbeat) processEvent(ctx context.Context, e Event) {
	now := h.now()
	isGroup := IsGroupChat(e.ChatID)
	critical := e.Kind == KindReminder || e.Kind == KindBirthday

	tier := memory.TierNewContact
	if !isGroup && h.tiers != nil {
		if t, err := h.tiers.TrustTierFor(PersonIDForChat(e.ChatID)); err == nil {
			tier = t
		}
	}

	// Safety gates before any rate math.
	if !isGroup && !critical {
		switch tier {
		case memory.TierNewContact:
			h.defer_(e, now+newContactDeferMs, "new_contact_gate")
			return
		case memory.TierGettingToKnow:
			if n, err := h.scheduler.CountRecentSendsForChat(e.ChatID, dayMs); err == nil && n >= 1 {
				h.defer_(e, now+dayMs, "getting_to_know_gate")
				return
			}
		}
	}

	lastUserMs := int64(0)
	if h.activity != nil {
		lastUserMs, _ = h.activity.LastUserMessageMs(e.ChatID)
	}
	sup, err := ShouldSuppressOutreach(h.scheduler, h.cfg, e.Kind, e.ChatID, isGroup, lastUserMs, tier, now)
	if err != nil {
		h.logger.Warn("suppression check failed", "event", e.ID, "error", err)
		h.scheduler.ReleaseClaim(e.ID, h.claimID)
		return
	}
	if sup.Suppress {
		if sup.NextAttemptAtMs > now {
			h.defer_(e, sup.NextAttemptAtMs, sup.Reason)
		} else {
			h.logger.Debug("event suppressed", "event", e.ID, "reason", sup.Reason)
			h.scheduler.ReleaseClaim(e.ID, h.claimID)
		}
		return
	}

	if !critical && h.skipRoll(e.ID, now) {
		// Park the event until the next roll bucket; same bucket, same
		// decision, so retrying sooner is pointless.
		h.defer_(e, nextBucketStart(now), "skip_roll")
		return
	}

	sent, err := h.deliver.HandleProactiveEvent(ctx, e)
	if err != nil {
		h.logger.Warn("proactive delivery failed", "event", e.ID, "error", err)
		h.scheduler.ReleaseClaim(e.ID, h.claimID)
		return
	}
	if sent {
		if err := h.scheduler.MarkDelivered(e.ID, h.claimID); err != nil {
			h.logger.Warn("mark delivered failed", "event", e.ID, "error", err)
			return
		}
		h.scheduler.LogProactiveSend(e.ChatID, e.ID, isGroup)
		return
	}

	// The engine declined. Reminders get retried shortly; anything softer
	// is simply over.
	if e.Kind == KindReminder {
		h.defer_(e, now+reminderRetryMs, "engine_refusal")
	} else {
		h.scheduler.MarkDelivered(e.ID, h.claimID)
	}
}

// scanFollowUps synthesizes virtual follow-up events for unanswered DM sends
// a few days old.
func (h *Heartbeat) scanFollowUps(ctx context.Context) {
	if h.followUps == nil {
		return
	}
	now := h.now()

	rows, err := h.followUps.ListUnansweredInWindow(now-followUpMaxAgeMs, now-followUpMinAgeMs, 10)
	if err != nil {
		h.logger.Warn("follow-up scan failed", "error", err)
		return
	}

	seen := map[string]struct{}{}
	for _, r := range rows {
		if _, dup := seen[r.ChatID]; dup {
			continue
		}
		seen[r.ChatID] = struct{}{}

		if n, err := h.followUps.CountUnansweredForChat(r.ChatID, now-followUpMaxAgeMs); err != nil || n >= followUpOutstandingCap {
			continue
		}

		tier := memory.TierNewContact
		if h.tiers != nil {
			if t, err := h.tiers.TrustTierFor(PersonIDForChat(r.ChatID)); err == nil {
				tier = t
			}
		}
		lastUserMs := int64(0)
		if h.activity != nil {
			lastUserMs, _ = h.activity.LastUserMessageMs(r.ChatID)
		}
		sup, err := ShouldSuppressOutreach(h.scheduler, h.cfg, KindFollowUp, r.ChatID, false, lastUserMs, tier, now)
		if err != nil || sup.Suppress {
			continue
		}
		if h.skipRoll("follow_up:"+r.ChatID, now) {
			continue
		}

		virtual := Event{
			ID:          "follow_up:" + r.ChatID,
			Kind:        KindFollowUp,
			Subject:     r.Text,
			ChatID:      r.ChatID,
			TriggerAtMs: now,
		}
		sent, err := h.deliver.HandleProactiveEvent(ctx, virtual)
		if err != nil {
			h.logger.Warn("follow-up delivery failed", "chat_id", r.ChatID, "error", err)
			continue
		}
		if sent {
			h.scheduler.LogProactiveSend(r.ChatID, "", false)
		}
	}
}

func (h *Heartbeat) defer_(e Event, nextMs int64, reason string) {
	h.logger.Debug("event deferred", "event", e.ID, "reason", reason, "next", nextMs)
	if err := h.scheduler.DeferEvent(e.ID, h.claimID, nextMs); err != nil {
		h.logger.Warn("defer failed", "event", e.ID, "error", err)
	}
}

// skipRoll is the stable anti-predictability roll: the same event in the
// same bucket always rolls the same way.
func (h *Heartbeat) skipRoll(eventID string, nowMs int64) bool {
	if h.cfg.SkipRate <= 0 {
		return false
	}
	bucket := nowMs / skipBucketMs
	hash := fnv.New64a()
	hash.Write([]byte(eventID + ":" + strconv.FormatInt(bucket, 10)))
	roll := float64(hash.Sum64()%10_000) / 10_000
	return roll < h.cfg.SkipRate
}

func nextBucketStart(nowMs int64) int64 {
	return (nowMs/skipBucketMs + 1) * skipBucketMs
}

// IsGroupChat reports whether a chat id names a group conversation.
func IsGroupChat(chatID string) bool {
	if strings.Contains(chatID, ":group:") {
		return true
	}
	return strings.HasPrefix(chatID, "tg:-")
}

// PersonIDForChat maps a DM chat id to its person id. Group chats have no
// single person.
func PersonIDForChat(chatID string) string {
	parts := strings.Split(chatID, ":")
	switch {
	case len(parts) == 3 && parts[1] == "dm":
		return memory.PersonID(parts[0], parts[2])
	case len(parts) == 2:
		return memory.PersonID(parts[0], parts[1])
	}
	return ""
}
