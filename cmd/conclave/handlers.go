package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelhq/conclave/internal/agent"
	"github.com/kestrelhq/conclave/internal/audit"
	"github.com/kestrelhq/conclave/internal/config"
	"github.com/kestrelhq/conclave/internal/confirm"
	"github.com/kestrelhq/conclave/internal/cron"
	"github.com/kestrelhq/conclave/internal/eventbus"
	"github.com/kestrelhq/conclave/internal/infra"
	"github.com/kestrelhq/conclave/internal/llm"
	"github.com/kestrelhq/conclave/internal/multiagent"
	"github.com/kestrelhq/conclave/internal/observability"
	"github.com/kestrelhq/conclave/internal/providers/anthropic"
	"github.com/kestrelhq/conclave/internal/providers/bedrock"
	"github.com/kestrelhq/conclave/internal/providers/openai"
	"github.com/kestrelhq/conclave/internal/providers/venice"
	"github.com/kestrelhq/conclave/internal/ratelimit"
	"github.com/kestrelhq/conclave/internal/sessions"
	"github.com/kestrelhq/conclave/internal/skills"
	"github.com/kestrelhq/conclave/internal/tasks"
	exectools "github.com/kestrelhq/conclave/internal/tools/exec"
	"github.com/kestrelhq/conclave/internal/tools/policy"
	"github.com/kestrelhq/conclave/pkg/models"
)

// consoleChannel is the channel identifier the interactive console uses.
const consoleChannel models.ChannelType = "console"

// core holds every long-lived component the serve/tail commands wire up.
type core struct {
	cfg           *config.Config
	providerCount int
	logger        *slog.Logger
	bus           *eventbus.Bus
	confirms      *confirm.Manager
	limiter       *ratelimit.SlidingLimiter
	registry      *skills.Registry
	providers     *llm.Manager
	subagents     *multiagent.Manager
	scheduler     *cron.Scheduler
	tasks         *tasks.Manager
	orchestrator  *agent.Orchestrator
	shutdown      *infra.ShutdownCoordinator
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildCore assembles the control plane from configuration.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	bus := eventbus.New(eventbus.WithLogger(logger))
	limiter := ratelimit.NewSlidingLimiter(4096)
	metrics := observability.NewMetrics()

	// Event timeline backing the tool-error pattern sink.
	eventStore := observability.NewMemoryEventStore(10_000)
	recorder := observability.NewEventRecorder(eventStore, nil)

	confirms := confirm.New(
		confirm.WithLogger(logger),
		confirm.WithTTL(cfg.Confirmations.TTL),
		confirm.WithSweepInterval(cfg.Confirmations.SweepInterval),
		confirm.WithExpiryHook(func(tok models.ConfirmationToken) {
			if tok.TempDir != "" {
				_ = os.RemoveAll(tok.TempDir)
			}
		}),
	)

	registryOpts := []skills.Option{
		skills.WithLogger(logger),
		skills.WithRateLimiter(limiter),
		skills.WithResultGuard(resultGuardFrom(cfg.Tools.ResultGuard)),
	}
	if !cfg.Tools.Policy.IsZero() {
		resolver := policy.NewResolver()
		for name, tools := range cfg.Tools.Policy.Groups {
			resolver.AddGroup(name, tools)
		}
		toolPolicy := &policy.Policy{
			Profile: policy.Profile(cfg.Tools.Policy.Profile),
			Allow:   cfg.Tools.Policy.Allow,
			Deny:    cfg.Tools.Policy.Deny,
		}
		registryOpts = append(registryOpts, skills.WithToolPolicy(toolPolicy, resolver))
	}
	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLogger(cfg.Audit)
		if err != nil {
			return nil, fmt.Errorf("audit logger: %w", err)
		}
		registryOpts = append(registryOpts, skills.WithAuditLogger(auditLogger))
	}
	registry := skills.NewRegistry(registryOpts...)

	providers, providerCount, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	subagents := multiagent.NewManager(
		subagentConfigFrom(cfg.Subagents),
		providers,
		registry,
		limiter,
		bus,
		multiagent.WithLogger(logger),
		multiagent.WithMetrics(metrics),
		multiagent.WithAnnounce(func(channel models.ChannelType, message string) {
			// Standalone mode has no transport to announce through; the
			// console prints it, everything else logs it.
			if channel == consoleChannel {
				fmt.Printf("\n[background task] %s\n> ", message)
				return
			}
			logger.Info("subagent announcement", "channel", channel, "message", message)
		}),
	)
	registry.RegisterSkill(multiagent.NewSkill(subagents))

	if err := registerDiscoveredSkills(ctx, cfg, registry, logger); err != nil {
		logger.Warn("skill discovery failed", "error", err)
	}

	scheduler := cron.New(cron.WithLogger(logger), cron.WithTickInterval(cfg.Scheduler.TickInterval))
	taskManager := tasks.NewManager(scheduler, bus, tasks.WithLogger(logger), tasks.WithMetrics(metrics))
	scheduler.Start(ctx)

	orchestratorOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMetrics(metrics),
		agent.WithErrorSink(&toolErrorSink{recorder: recorder}),
		agent.WithSensitiveToolPolicy(agent.SensitiveToolPolicy(cfg.Tools.SensitivePolicy)),
	}
	var shutdownTracer func(context.Context) error
	if cfg.Observability.Tracing.Enabled {
		var tracer *observability.Tracer
		tracer, shutdownTracer = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Observability.Tracing.ServiceName,
			ServiceVersion: version,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
			Attributes:     cfg.Observability.Tracing.Attributes,
			EnableInsecure: cfg.Observability.Tracing.Insecure,
		})
		orchestratorOpts = append(orchestratorOpts, agent.WithTracer(tracer))
	}
	if settings := config.EffectiveContextPruningSettings(cfg.Session.ContextPruning); settings != nil {
		orchestratorOpts = append(orchestratorOpts, agent.WithContextPruning(*settings))
	}
	if cfg.Session.Compaction.Enabled {
		orchestratorOpts = append(orchestratorOpts, agent.WithSummarizer(llm.NewSummarizer(providers, "system")))
	}

	store := sessions.NewStore()
	orchestrator := agent.New(providers, registry, store, confirms, limiter, bus, orchestratorOpts...)

	shutdown := infra.NewShutdownCoordinator(15*time.Second, logger)
	shutdown.RegisterService("scheduler", func(ctx context.Context) error {
		taskManager.Shutdown()
		return nil
	})
	shutdown.RegisterService("subagents", func(ctx context.Context) error {
		subagents.Close()
		return nil
	})
	shutdown.RegisterService("confirmations", func(ctx context.Context) error {
		confirms.Close()
		return nil
	})
	shutdown.RegisterConnection("eventbus", func(ctx context.Context) error {
		bus.Close()
		return nil
	})
	if shutdownTracer != nil {
		shutdown.RegisterConnection("tracer", shutdownTracer)
	}

	return &core{
		cfg:           cfg,
		providerCount: providerCount,
		logger:        logger,
		bus:           bus,
		confirms:      confirms,
		limiter:       limiter,
		registry:      registry,
		providers:     providers,
		subagents:     subagents,
		scheduler:     scheduler,
		tasks:         taskManager,
		orchestrator:  orchestrator,
		shutdown:      shutdown,
	}, nil
}

// buildProviders registers adapters in failover-priority order: the default
// provider first, then the fallback chain, then any remaining entries.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Manager, int, error) {
	manager := llm.NewManager(
		llm.WithTiers(cfg.LLM.Tiers.Enabled),
		llm.WithManagerLogger(logger),
	)

	order := make([]string, 0, len(cfg.LLM.Providers))
	seen := map[string]bool{}
	appendName := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			order = append(order, name)
		}
	}
	appendName(cfg.LLM.DefaultProvider)
	for _, name := range cfg.LLM.FallbackChain {
		appendName(name)
	}
	for name := range cfg.LLM.Providers {
		appendName(name)
	}

	registered := 0
	for _, name := range order {
		pc := cfg.LLM.Providers[name]
		provider, err := buildProvider(ctx, name, pc)
		if err != nil {
			logger.Warn("skipping provider", "provider", name, "error", err)
			continue
		}
		manager.Register(provider, llm.ModelSet{
			Default: pc.DefaultModel,
			Light:   pc.LightModel,
			Heavy:   pc.HeavyModel,
		})
		registered++
	}
	if registered == 0 {
		// Tolerated here so read-only commands (events tail) still run;
		// serve refuses separately.
		logger.Warn("no usable LLM providers configured (set an api_key under llm.providers)")
	}
	return manager, registered, nil
}

func buildProvider(ctx context.Context, name string, pc config.LLMProviderConfig) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel})
	case "openai":
		return openai.New(openai.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, DefaultModel: pc.DefaultModel})
	case "venice":
		return venice.New(venice.Config{APIKey: pc.APIKey, DefaultModel: pc.DefaultModel})
	case "bedrock":
		return bedrock.NewProvider(ctx, bedrock.ProviderConfig{Region: pc.Region, DefaultModel: pc.DefaultModel})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// registerDiscoveredSkills loads markdown-defined skills and registers the
// eligible ones as exec-backed registry entries.
func registerDiscoveredSkills(ctx context.Context, cfg *config.Config, registry *skills.Registry, logger *slog.Logger) error {
	if cfg.Tools.SkillsDir == "" {
		return nil
	}
	manager, err := skills.NewManager(&skills.SkillsConfig{
		Sources: []skills.SourceConfig{{Type: skills.SourceLocal, Path: cfg.Tools.SkillsDir}},
	}, "", nil)
	if err != nil {
		return err
	}
	if err := manager.Discover(ctx); err != nil {
		return err
	}
	execManager := exectools.NewManager(cfg.Tools.SkillsDir, 0)
	for _, entry := range manager.ListEligible() {
		skill := skills.NewExecSkill(entry, execManager)
		limits, ok := cfg.Tools.RateLimits[entry.Name]
		if ok {
			registry.RegisterSkill(skill, skills.RateLimits{MaxRequests: limits.MaxRequests, WindowSeconds: limits.WindowSeconds})
		} else {
			registry.RegisterSkill(skill)
		}
		logger.Info("registered skill", "skill", entry.Name, "tools", len(skill.ListTools()))
	}
	return nil
}

// toolErrorSink forwards tool errors to the event timeline for pattern
// detection.
type toolErrorSink struct {
	recorder *observability.EventRecorder
}

func (s *toolErrorSink) RecordToolError(toolName string, err error) {
	_ = s.recorder.RecordError(context.Background(), observability.EventTypeToolError, toolName, err, nil)
}

func resultGuardFrom(cfg config.ResultGuardConfig) skills.ResultGuard {
	guard := skills.DefaultResultGuard()
	if cfg.MaxChars > 0 {
		guard.MaxChars = cfg.MaxChars
	}
	if len(cfg.Denylist) > 0 {
		guard.Denylist = cfg.Denylist
	}
	if cfg.SanitizeSecrets != nil {
		guard.SanitizeSecrets = *cfg.SanitizeSecrets
	}
	return guard
}

func subagentConfigFrom(cfg config.SubagentsConfig) multiagent.Config {
	out := multiagent.DefaultConfig()
	out.Enabled = cfg.Enabled
	out.MaxPerUser = cfg.MaxPerUser
	out.MaxGlobal = cfg.MaxGlobal
	out.SyncTimeout = cfg.SyncTimeout
	out.AsyncTimeout = cfg.AsyncTimeout
	out.ArchiveTTL = cfg.ArchiveTTL
	out.CleanupInterval = cfg.CleanupInterval
	out.MaxToolCalls = cfg.MaxToolCalls
	out.MaxTokenBudget = cfg.MaxTokenBudget
	out.TranscriptLimit = cfg.TranscriptLimit
	out.Workers = cfg.Workers
	return out
}

func runServe(ctx context.Context, configPath string, debug, interactive bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if c.providerCount == 0 {
		return errors.New("no usable LLM providers configured (set an api_key under llm.providers)")
	}

	// Operational HTTP surface: health and metrics.
	health := infra.NewHealthCheckRegistry()
	health.RegisterSimple("providers", func(ctx context.Context) error {
		_, err := c.providers.GetForUser(ctx, "healthcheck")
		return err
	})
	health.RegisterSimple("subagents", func(ctx context.Context) error {
		_, global := c.subagents.ActiveCount("")
		if global >= cfg.Subagents.MaxGlobal {
			return fmt.Errorf("sub-agent capacity saturated (%d active)", global)
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := health.CheckAll(r.Context())
		payload, err := json.Marshal(report)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if report.Status != infra.ServiceHealthHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(payload)
	})
	mux.Handle(cfg.Observability.Metrics.Path, promhttp.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	c.shutdown.RegisterConnection("http", server.Shutdown)

	logger.Info("conclave control plane started",
		"metrics", server.Addr,
		"tools", len(c.registry.GetRegisteredToolNames()),
	)

	if interactive {
		go runConsole(ctx, c, cancel)
	}

	<-c.shutdown.OnSignal(os.Interrupt, syscall.SIGTERM)
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	c.shutdown.Shutdown(shutdownCtx)
	return nil
}

// runConsole reads stdin lines and handles each as a user message from the
// local operator.
func runConsole(ctx context.Context, c *core, cancel context.CancelFunc) {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	if !c.cfg.Auth.Allows(user) {
		fmt.Printf("user %q is not on the allowlist\n", user)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
			fmt.Print("> ")
			continue
		case "/quit", "/exit":
			cancel()
			return
		}

		result, err := c.orchestrator.HandleMessage(ctx, agent.HandleInput{
			UserID:  user,
			Channel: consoleChannel,
			Text:    text,
		})
		if err != nil {
			fmt.Printf("error: %v\n> ", err)
			continue
		}
		fmt.Println(result.Text)
		for _, file := range result.Files {
			fmt.Printf("[file: %s (%d bytes)]\n", file.Filename, len(file.Data))
		}
		fmt.Print("> ")
	}
}

func runSkillsList(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, false)

	registry := skills.NewRegistry(skills.WithLogger(logger))
	if err := registerDiscoveredSkills(ctx, cfg, registry, logger); err != nil {
		return err
	}

	names := registry.GetRegisteredToolNames()
	if len(names) == 0 {
		fmt.Println("no skills discovered (set tools.skills_dir in the config)")
		return nil
	}
	for _, name := range names {
		skill, _ := registry.GetSkillForTool(name)
		fmt.Printf("%-30s (skill: %s)\n", name, skill.Name())
	}
	return nil
}

func runTasksList(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Scheduler.Tasks) == 0 {
		fmt.Println("no scheduled tasks configured")
		return nil
	}
	for _, task := range cfg.Scheduler.Tasks {
		enabled := true
		if task.Enabled != nil {
			enabled = *task.Enabled
		}
		fmt.Printf("%-30s cron=%-15q enabled=%v\n", task.Name, task.Cron, enabled)
	}
	return nil
}

func runEventsTail(ctx context.Context, configPath string, pattern string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, false)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	unsubscribe, err := c.bus.Subscribe(pattern, func(ctx context.Context, ev models.Event) error {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	defer unsubscribe()

	fmt.Fprintf(os.Stderr, "tailing events matching %q (ctrl-c to stop)\n", pattern)
	<-c.shutdown.OnSignal(os.Interrupt, syscall.SIGTERM)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	c.shutdown.Shutdown(shutdownCtx)
	return nil
}
