// suppress.go is the outreach suppression policy: trust-tier cadence, user
// cooldowns, global and per-chat caps, and exponential backoff on ignored
// sends. Checks run in a fixed order; the first hit wins.
package proactive

import (
	"fmt"
	"time"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/memory"
)

const (
	dayMs  = int64(24 * time.Hour / time.Millisecond)
	weekMs = 7 * dayMs

	// maxIgnoredBackoffMs caps the exponential ignored backoff at a week.
	maxIgnoredBackoffMs = 7 * dayMs

	// ignoredLookbackMs is how far back the ignored streak counts.
	ignoredLookbackMs = 14 * dayMs
)

// tierMinIntervalMs is the minimum gap between proactive sends per trust
// tier. Closer friends hear from the agent more often.
var tierMinIntervalMs = map[string]int64{
	memory.TierCloseFriend:   5 * dayMs,
	memory.TierEstablished:   14 * dayMs,
	memory.TierGettingToKnow: 30 * dayMs,
	memory.TierNewContact:    60 * dayMs,
}

// Suppression is the policy outcome. NextAttemptAtMs is zero when no
// sensible retry time is known (the claim should be released, not deferred).
type Suppression struct {
	Suppress        bool
	Reason          string
	NextAttemptAtMs int64
}

// ShouldSuppressOutreach runs the suppression checks in order. Reminders
// bypass everything; users asked for those.
func ShouldSuppressOutreach(s *Scheduler, cfg config.ProactiveConfig, kind, chatID string, isGroup bool, lastUserMessageMs int64, trustTier string, nowMs int64) (Suppression, error) {
	if kind == KindReminder {
		return Suppression{}, nil
	}
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}

	scope := cfg.DM
	if isGroup {
		scope = cfg.Group
	}

	lastSend, err := s.LastSendMsForChat(chatID)
	if err != nil {
		return Suppression{}, fmt.Errorf("suppression last send: %w", err)
	}

	// Tier cadence, DMs only; groups have no single counterpart to tier.
	if !isGroup && lastSend > 0 {
		if interval, ok := tierMinIntervalMs[trustTier]; ok && nowMs-lastSend < interval {
			return Suppression{true, "tier_interval", lastSend + interval}, nil
		}
	}

	// Recently-active users get space; the agent is not answering here,
	// it would be starting something.
	if lastUserMessageMs > 0 && scope.CooldownAfterUserMs > 0 &&
		nowMs-lastUserMessageMs < scope.CooldownAfterUserMs {
		return Suppression{true, "user_cooldown", lastUserMessageMs + scope.CooldownAfterUserMs}, nil
	}

	// Global scope caps.
	if daily, err := s.CountRecentSendsForScope(isGroup, dayMs); err != nil {
		return Suppression{}, err
	} else if scope.MaxPerDay > 0 && daily >= scope.MaxPerDay {
		return Suppression{true, "scope_daily_cap", 0}, nil
	}
	if weekly, err := s.CountRecentSendsForScope(isGroup, weekMs); err != nil {
		return Suppression{}, err
	} else if scope.MaxPerWeek > 0 && weekly >= scope.MaxPerWeek {
		return Suppression{true, "scope_weekly_cap", 0}, nil
	}

	// Per-chat caps for groups.
	if isGroup {
		if daily, err := s.CountRecentSendsForChat(chatID, dayMs); err != nil {
			return Suppression{}, err
		} else if scope.MaxPerDay > 0 && daily >= scope.MaxPerDay {
			return Suppression{true, "chat_daily_cap", 0}, nil
		}
		if weekly, err := s.CountRecentSendsForChat(chatID, weekMs); err != nil {
			return Suppression{}, err
		} else if scope.MaxPerWeek > 0 && weekly >= scope.MaxPerWeek {
			return Suppression{true, "chat_weekly_cap", 0}, nil
		}
	}

	// Exponential backoff on an ignored streak.
	ignored, err := s.CountIgnoredRecent(chatID, ignoredLookbackMs)
	if err != nil {
		return Suppression{}, err
	}
	if scope.PauseAfterIgnored > 0 && ignored >= scope.PauseAfterIgnored {
		return Suppression{true, "ignored_pause", 0}, nil
	}
	if ignored > 0 && lastSend > 0 {
		backoff := scope.CooldownAfterUserMs << uint(ignored)
		if backoff > maxIgnoredBackoffMs || backoff <= 0 {
			backoff = maxIgnoredBackoffMs
		}
		if nowMs-lastSend < backoff {
			return Suppression{true, "ignored_backoff", lastSend + backoff}, nil
		}
	}

	return Suppression{}, nil
}
