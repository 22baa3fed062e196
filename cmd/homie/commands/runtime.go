// runtime.go assembles the agent: config, logger, backend, stores, engine,
// heartbeat and maintenance. serve and chat share this wiring.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/homielabs/homie/pkg/homie/behavior"
	"github.com/homielabs/homie/pkg/homie/channels"
	"github.com/homielabs/homie/pkg/homie/config"
	"github.com/homielabs/homie/pkg/homie/engine"
	"github.com/homielabs/homie/pkg/homie/identity"
	"github.com/homielabs/homie/pkg/homie/ledger"
	"github.com/homielabs/homie/pkg/homie/llm"
	"github.com/homielabs/homie/pkg/homie/maintenance"
	"github.com/homielabs/homie/pkg/homie/memory"
	"github.com/homielabs/homie/pkg/homie/proactive"
	"github.com/homielabs/homie/pkg/homie/session"
	"github.com/homielabs/homie/pkg/homie/skills"
	"github.com/homielabs/homie/pkg/homie/telemetry"
	"github.com/homielabs/homie/pkg/homie/tts"
)

// defaultConfigFile is the auto-discovered config name.
const defaultConfigFile = "homie.toml"

type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	backend   llm.Backend
	behavior  *behavior.Engine
	sessions  *session.Store
	mem       *memory.Store
	ledgr     *ledger.Ledger
	scheduler *proactive.Scheduler
	telem     *telemetry.Store
	eng       *engine.Engine
	heartbeat *proactive.Heartbeat
	maint     *maintenance.Runner

	mu       sync.Mutex
	adapters map[string]channels.Channel // chat id prefix -> adapter
}

// loadConfig resolves the config path from flags and loads it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigFile
	}
	return config.Load(path)
}

// newLogger builds the slog logger from config and the verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// buildRuntime wires the full agent. Every store lands under the data dir;
// optional subsystems honor their config switches.
func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)

	identityPack, err := identity.Load(cfg.Paths.IdentityDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w (run 'homie setup' first)", err)
	}

	skillsReg, err := skills.LoadDir(cfg.Paths.SkillsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}

	apiKey := cfg.ResolveAPIKey()
	backend, err := llm.NewBackend(
		cfg.Model.Provider.Kind,
		cfg.Model.Provider.BaseURL,
		apiKey,
		map[llm.Role]string{
			llm.RoleDefault: cfg.Model.Models.Default,
			llm.RoleFast:    cfg.Model.Models.Fast,
		},
		skills.NewExecutor(skillsReg, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("build backend: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		adapters: make(map[string]channels.Channel),
	}

	rt.sessions, err = session.Open(cfg.DataPath("session.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	if cfg.Memory.Enabled {
		rt.mem, err = memory.Open(cfg.DataPath("memory.db"), cfg.Memory, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
		rt.ledgr, err = ledger.Open(cfg.DataPath("ledger.db"), logger)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	}

	if cfg.Proactive.Enabled {
		rt.scheduler, err = proactive.Open(cfg.DataPath("events.db"), logger)
		if err != nil {
			return nil, fmt.Errorf("open scheduler: %w", err)
		}
	}

	rt.telem, err = telemetry.Open(cfg.DataPath("telemetry.db"), logger)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	}

	var extractor *memory.Extractor
	if rt.mem != nil {
		var sink memory.EventSink
		if rt.scheduler != nil {
			sink = rt.scheduler
		}
		extractor = memory.NewExtractor(backend, rt.mem, sink, logger)
	}

	var ttsProvider tts.Provider
	if cfg.TTS.Enabled {
		ttsProvider = tts.NewOpenAIProvider(cfg.TTS.BaseURL, apiKey, cfg.TTS.Model)
	}

	rt.behavior = behavior.NewEngine(cfg.Behavior, backend, logger)
	lifecycle := engine.NewLifecycle(context.Background(), logger)

	rt.eng = engine.New(engine.Options{
		Config:    cfg,
		Backend:   backend,
		Behavior:  rt.behavior,
		Sessions:  rt.sessions,
		Identity:  identityPack,
		Memory:    rt.mem,
		Extractor: extractor,
		Ledger:    rt.ledgr,
		Scheduler: rt.scheduler,
		Skills:    skillsReg,
		TTS:       ttsProvider,
		Telemetry: rt.telem,
		Lifecycle: lifecycle,
		Deliver:   rt.deliverTo,
		Logger:    logger,
	})

	if rt.scheduler != nil && rt.ledgr != nil && rt.mem != nil {
		rt.heartbeat = proactive.NewHeartbeat(
			cfg.Proactive, rt.scheduler, rt.ledgr, rt.mem, rt.sessions,
			rt.eng, rt.behavior.Asleep, logger)
	}

	var feedback *memory.Tracker
	if rt.mem != nil && rt.ledgr != nil && cfg.Memory.Feedback.Enabled {
		feedback = memory.NewTracker(rt.ledgr, rt.mem, cfg.Memory.Feedback, logger)
	}
	rt.maint = maintenance.New(cfg.Memory, backend, rt.mem, feedback,
		rt.ledgr, rt.scheduler, rt.eng.Dedupe(), logger)

	// Stores close last, in shutdown order.
	if rt.telem != nil {
		lifecycle.OnClose(rt.telem.Close)
	}
	if rt.scheduler != nil {
		lifecycle.OnClose(rt.scheduler.Close)
	}
	if rt.ledgr != nil {
		lifecycle.OnClose(rt.ledgr.Close)
	}
	if rt.mem != nil {
		lifecycle.OnClose(rt.mem.Close)
	}
	lifecycle.OnClose(rt.sessions.Close)
	return rt, nil
}

// registerAdapter routes a chat id prefix to a channel adapter.
func (rt *runtime) registerAdapter(prefix string, ch channels.Channel) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.adapters[prefix] = ch
}

// deliverTo routes an engine-composed action to the adapter owning the chat.
func (rt *runtime) deliverTo(ctx context.Context, chatID string, action channels.OutgoingAction) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for prefix, ch := range rt.adapters {
		if strings.HasPrefix(chatID, prefix) {
			return ch.Deliver(ctx, chatID, action)
		}
	}
	return fmt.Errorf("no adapter for chat %s: %w", chatID, channels.ErrChannelDisconnected)
}
