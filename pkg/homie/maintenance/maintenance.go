// Package maintenance runs the background housekeeping loops: feedback
// finalization on a short cadence and the nightly consolidation pass that
// rebuilds dirty capsules and prunes aged rows.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/ledger"
	"github.com/homielabs/homie/pkg/homie/llm"
	"github.com/homielabs/homie/pkg/homie/memory"
	"github.com/homielabs/homie/pkg/homie/proactive"
)

const (
	// feedbackSchedule drives FinalizePending.
	feedbackSchedule = "@every 2m"

	// nightlySchedule drives consolidation and pruning.
	nightlySchedule = "0 4 * * *"

	// capsuleBatch bounds one consolidation pass.
	capsuleBatch = 20

	// capsuleLeaseMs is the dirty-row claim lease.
	capsuleLeaseMs = 10 * 60 * 1000

	// retentionMs is how long delivered events and finalized sends live.
	retentionMs = 90 * 24 * 60 * 60 * 1000
)

// Pruner lets the engine's dedupe cache join the nightly pass without the
// maintenance package importing the engine.
type Pruner interface {
	Prune() int
}

// Runner owns the cron and the handles it maintains. Any nil handle simply
// skips its share of the work.
type Runner struct {
	cfg       config.MemoryConfig
	backend   llm.Backend
	mem       *memory.Store
	feedback  *memory.Tracker
	ledgr     *ledger.Ledger
	scheduler *proactive.Scheduler
	dedupe    Pruner
	logger    *slog.Logger

	cron *cron.Cron
}

// New builds the runner.
func New(cfg config.MemoryConfig, backend llm.Backend, mem *memory.Store, feedback *memory.Tracker, ledgr *ledger.Ledger, scheduler *proactive.Scheduler, dedupe Pruner, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		backend:   backend,
		mem:       mem,
		feedback:  feedback,
		ledgr:     ledgr,
		scheduler: scheduler,
		dedupe:    dedupe,
		logger:    logger.With("component", "maintenance"),
	}
}

// Start schedules the loops.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(feedbackSchedule, func() { r.FinalizeFeedback() }); err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	if _, err := c.AddFunc(nightlySchedule, func() { r.Nightly(ctx) }); err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("maintenance loops started")
	return nil
}

// Stop halts the cron and waits for a running job to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// FinalizeFeedback scores sends whose reply window has closed.
func (r *Runner) FinalizeFeedback() {
	if r.feedback == nil {
		return
	}
	n, err := r.feedback.FinalizePending(time.Now().UnixMilli())
	if err != nil {
		r.logger.Warn("feedback finalization failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("feedback finalized", "sends", n)
	}
}

// Nightly runs the consolidation and pruning pass.
func (r *Runner) Nightly(ctx context.Context) {
	r.ConsolidateGroupCapsules(ctx)
	r.ConsolidateStyleCapsules(ctx)
	r.PruneAged()
}

// ConsolidateGroupCapsules rebuilds claimed dirty group capsules from their
// recent episodes.
func (r *Runner) ConsolidateGroupCapsules(ctx context.Context) {
	if r.mem == nil || !r.cfg.Capsule.Enabled {
		return
	}
	entries, err := r.mem.ClaimDirtyGroupCapsules(capsuleBatch, capsuleLeaseMs)
	if err != nil {
		r.logger.Warn("group capsule claim failed", "error", err)
		return
	}

	for _, entry := range entries {
		episodes, err := r.mem.RecentEpisodes(entry.Key, 30)
		if err != nil {
			r.logger.Warn("group episode load failed", "chat_id", entry.Key, "error", err)
			continue
		}
		capsule, err := r.summarizeCapsule(ctx, groupCapsulePrompt, episodeText(episodes))
		if err != nil {
			r.logger.Warn("group capsule summarize failed", "chat_id", entry.Key, "error", err)
			continue
		}
		if capsule == "" {
			continue
		}
		if err := r.mem.SetGroupCapsule(entry.Key, capsule); err != nil {
			r.logger.Warn("group capsule store failed", "chat_id", entry.Key, "error", err)
			continue
		}
		if err := r.mem.ResolveDirtyGroupCapsule(entry.Key, entry.LastDirtyMs); err != nil {
			r.logger.Warn("group capsule resolve failed", "chat_id", entry.Key, "error", err)
		}
	}
}

// ConsolidateStyleCapsules rebuilds claimed dirty public style capsules from
// the person's facts and recent DM episodes.
func (r *Runner) ConsolidateStyleCapsules(ctx context.Context) {
	if r.mem == nil || !r.cfg.Capsule.Enabled {
		return
	}
	entries, err := r.mem.ClaimDirtyStyles(capsuleBatch, capsuleLeaseMs)
	if err != nil {
		r.logger.Warn("style claim failed", "error", err)
		return
	}

	for _, entry := range entries {
		facts, err := r.mem.ListFactsForPerson(entry.Key, 30)
		if err != nil {
			r.logger.Warn("fact load failed", "person_id", entry.Key, "error", err)
			continue
		}
		var b strings.Builder
		for _, f := range facts {
			b.WriteString("- ")
			b.WriteString(f.Content)
			b.WriteByte('\n')
		}
		capsule, err := r.summarizeCapsule(ctx, styleCapsulePrompt, b.String())
		if err != nil {
			r.logger.Warn("style summarize failed", "person_id", entry.Key, "error", err)
			continue
		}
		if capsule == "" {
			continue
		}
		if err := r.mem.SetPublicStyleCapsule(entry.Key, capsule); err != nil {
			r.logger.Warn("style store failed", "person_id", entry.Key, "error", err)
			continue
		}
		if err := r.mem.ResolveDirtyStyle(entry.Key, entry.LastDirtyMs); err != nil {
			r.logger.Warn("style resolve failed", "person_id", entry.Key, "error", err)
		}
	}
}

// PruneAged drops expired dedupe entries, finalized ledger rows and
// delivered events past retention.
func (r *Runner) PruneAged() {
	cutoff := time.Now().UnixMilli() - retentionMs

	if r.dedupe != nil {
		if n := r.dedupe.Prune(); n > 0 {
			r.logger.Debug("dedupe pruned", "entries", n)
		}
	}
	if r.ledgr != nil {
		if n, err := r.ledgr.PruneOlderThan(cutoff); err != nil {
			r.logger.Warn("ledger prune failed", "error", err)
		} else if n > 0 {
			r.logger.Info("ledger pruned", "rows", n)
		}
	}
	if r.scheduler != nil {
		if n, err := r.scheduler.PruneDelivered(cutoff); err != nil {
			r.logger.Warn("event prune failed", "error", err)
		} else if n > 0 {
			r.logger.Info("delivered events pruned", "rows", n)
		}
	}
}

const groupCapsulePrompt = "Distill the group chat excerpts below into a short profile: who is active, the running topics, inside jokes, and the group's tone. A few sentences, plain prose. Output only the profile."

const styleCapsulePrompt = "Distill the notes below into a short public style profile for this person: how they talk, what they care about, what not to bring up around others. A few sentences, plain prose. Output only the profile. Never include private facts."

func (r *Runner) summarizeCapsule(ctx context.Context, prompt, material string) (string, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return "", nil
	}
	resp, err := llm.CompleteWithRetry(ctx, r.backend, llm.Request{
		Role: llm.RoleFast,
		Messages: []llm.Message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: material},
		},
	}, llm.DefaultRetryConfig())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func episodeText(episodes []memory.Episode) string {
	var b strings.Builder
	for _, e := range episodes {
		b.WriteString(e.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}
