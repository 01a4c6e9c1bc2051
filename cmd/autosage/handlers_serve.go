package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/autosage/internal/auth"
	"github.com/haasonsaas/autosage/internal/config"
	"github.com/haasonsaas/autosage/internal/cron"
	"github.com/haasonsaas/autosage/internal/dispatch"
	"github.com/haasonsaas/autosage/internal/gateway"
	"github.com/haasonsaas/autosage/internal/jobs"
	"github.com/haasonsaas/autosage/internal/observability"
	"github.com/haasonsaas/autosage/internal/orchestrator"
	"github.com/haasonsaas/autosage/internal/ratelimit"
	"github.com/haasonsaas/autosage/internal/sessions"
	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/internal/tools/builtin"
	"github.com/haasonsaas/autosage/internal/tools/circuits"
)

// runServe loads configuration, wires every component and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stderr,
		BufferLines: cfg.Logging.BufferLines,
	})
	logger.Info(ctx, "starting AutoSage",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.MetricsOn() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(reg)
		gatherer = reg
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SampleRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	logger.Info(ctx, "tools registered", "count", registry.Len())

	jobStore, err := jobs.NewStore(filepath.Join(cfg.Jobs.RunsDir, "jobs"))
	if err != nil {
		return err
	}
	sessionStore, err := sessions.NewStore(filepath.Join(cfg.Jobs.RunsDir, "sessions"))
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(jobStore, registry, dispatch.Config{
		MaxConcurrent: cfg.Admission.MaxConcurrentJobs,
		Policy:        cfg.Admission.Policy,
		QueueTimeout:  cfg.Admission.QueueTimeout,
		PollInterval:  cfg.Jobs.PollInterval,
		MinWait:       cfg.Jobs.MinWait,
		MaxWait:       cfg.Jobs.MaxWait,
		Limits:        cfg.Limits,
	}, dispatch.WithLogger(logger), dispatch.WithMetrics(metrics), dispatch.WithTracer(tracer))
	if err != nil {
		return err
	}

	model, err := buildModel(cfg.Sessions.Model)
	if err != nil {
		return err
	}
	orch := orchestrator.New(sessionStore, dispatcher, model, orchestrator.Config{
		MaxIterations: cfg.Sessions.MaxIterations,
		ToolWait:      cfg.Sessions.ToolWait,
	}, orchestrator.WithLogger(logger), orchestrator.WithMetrics(metrics), orchestrator.WithTracer(tracer))
	logger.Info(ctx, "session model ready", "model", model.Name())

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics, gatherer),
		gateway.WithTracer(tracer),
		gateway.WithAdminAuth(auth.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL, cfg.Admin.Issuer)),
	}
	if cfg.Admission.RateLimit.Enabled {
		opts = append(opts, gateway.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			Enabled:           true,
			RequestsPerSecond: cfg.Admission.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.Admission.RateLimit.BurstSize,
		})))
	}
	if cfg.Admin.JWTSecret == "" {
		logger.Warn(ctx, "admin endpoints are unauthenticated; set admin.jwt_secret to protect them")
	}
	server := gateway.New(gateway.Config{
		Addr:              cfg.Server.Addr(),
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		MaxUploadBytes:    cfg.Sessions.MaxUploadBytes,
		InlineWait:        cfg.Jobs.InlineWait,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Version:           version,
	}, dispatcher, orch, opts...)

	scheduler := cron.NewScheduler(cron.WithLogger(logger.Slog()))
	retention, err := cron.RegisterRetention(scheduler, cfg.Jobs.CleanupSchedule, cron.Retention{
		Jobs:       jobStore,
		Sessions:   sessionStore,
		JobAge:     cfg.Jobs.Retention,
		SessionAge: cfg.Sessions.Retention,
		Metrics:    metrics,
		Logger:     logger.Slog(),
		AfterJobs:  dispatcher.PublishCounts,
	})
	if err != nil {
		return fmt.Errorf("retention schedule: %w", err)
	}
	if len(retention) == 0 {
		logger.Info(ctx, "retention disabled; jobs and sessions are kept until cleared")
	} else {
		logger.Info(ctx, "retention enabled", "tasks", retention, "schedule", cfg.Jobs.CleanupSchedule)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	var watcher *config.Watcher
	if watch && configPath != "" {
		watcher = config.NewWatcher(configPath, 0, logger.Slog(), func(next *config.Config) {
			dispatcher.SetLimits(next.Limits)
			logger.SetLevel(next.Logging.Level)
		})
		if err := watcher.Start(runCtx); err != nil {
			logger.Warn(ctx, "config watcher disabled", "error", err)
			watcher = nil
		}
	}

	if err := server.Start(runCtx); err != nil {
		return err
	}

	<-runCtx.Done()
	logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
	}
	if watcher != nil {
		if err := watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := dispatcher.Drain(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain jobs: %w", err))
	}
	logger.Info(ctx, "shutdown complete")
	return errors.Join(errs...)
}

// buildRegistry registers the tools enabled in cfg.
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if cfg.Tools.Echo.IsEnabled() {
		if err := registry.Register(builtin.Echo{}); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Sleep.IsEnabled() {
		if err := registry.Register(builtin.Sleep{}); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Circuits.IsEnabled() {
		if err := circuits.Register(registry, circuits.Config{
			Binary:       cfg.Tools.Circuits.Binary,
			Timeout:      cfg.Tools.Circuits.Timeout,
			MaxFileBytes: cfg.Tools.Circuits.MaxFileBytes,
		}); err != nil {
			return nil, fmt.Errorf("register circuit tools: %w", err)
		}
	}
	return registry, nil
}

// buildModel selects the session model provider.
func buildModel(cfg config.ModelConfig) (orchestrator.Model, error) {
	switch cfg.Provider {
	case "", config.ModelScripted:
		return orchestrator.ScriptedModel{}, nil
	case config.ModelOpenAI:
		model, err := orchestrator.NewOpenAIModel(orchestrator.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return model, nil
	case config.ModelAnthropic:
		model, err := orchestrator.NewAnthropicModel(orchestrator.AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
