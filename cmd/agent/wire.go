package main

import (
	"context"
	"fmt"
	"log/slog"

	"stitchlab-agent/internal/adapter/gateway"
	"stitchlab-agent/internal/adapter/llm"
	"stitchlab-agent/internal/adapter/memory"
	"stitchlab-agent/internal/adapter/tool"
	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/infra/metrics"
	"stitchlab-agent/internal/infra/middleware"
	"stitchlab-agent/internal/usecase"
)

// Components is everything run() needs to serve requests.
type Components struct {
	Factory *usecase.AgentFactory
	Gateway *gateway.Server
	Metrics *metrics.Collector
	Memory  string // backend name, for logging
}

// buildFactoryConfig maps runtime configuration onto the factory's inputs.
func buildFactoryConfig(cfg *config.Config, localTools []domain.Tool, remote domain.RemoteToolTransport) (usecase.FactoryConfig, error) {
	filter := usecase.AllowAll()
	if cfg.RemoteTools.Allowed != nil {
		filter = usecase.AllowOnly(*cfg.RemoteTools.Allowed...)
	}

	policy, err := usecase.ParseDuplicatePolicy(cfg.RemoteTools.DuplicatePolicy)
	if err != nil {
		return usecase.FactoryConfig{}, err
	}

	return usecase.NewFactoryConfig(usecase.FactoryConfig{
		ModelID:  cfg.Model.ID,
		MemoryID: cfg.Memory.ID,
		Region:   cfg.Model.Region,
		Guardrail: domain.Guardrail{
			ID:      cfg.Model.Guardrail.ID,
			Version: cfg.Model.Guardrail.Version,
		},
		GuardrailTrace:     domain.GuardrailTrace(cfg.Model.Guardrail.Trace),
		RemoteTransport:    remote,
		AllowedRemoteTools: filter,
		DuplicatePolicy:    policy,
		DiscoveryTimeout:   cfg.RemoteTools.DiscoveryTimeout,
		RemoteCallTimeout:  cfg.RemoteTools.CallTimeout,
		LocalTools:         localTools,
		SystemPrompt:       cfg.Agent.SystemPrompt,
		MaxIterations:      cfg.Agent.MaxIterations,
		MaxTokens:          cfg.Agent.MaxTokens,
		Temperature:        cfg.Agent.Temperature,
	})
}

// initLocalTools selects the configured tools from the built-in catalog.
func initLocalTools(cfg *config.Config, log *slog.Logger) ([]domain.Tool, error) {
	return tool.Builtins(log).Select(cfg.Agent.LocalTools)
}

// initRemoteTransport returns nil when remote discovery is disabled.
func initRemoteTransport(cfg *config.Config, log *slog.Logger) (domain.RemoteToolTransport, error) {
	if cfg.RemoteTools.Transport == "" {
		return nil, nil
	}
	t, err := tool.NewMCPTransport(cfg.RemoteTools, log)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// initMemory picks AgentCore when a memory id is configured, else the
// in-process store with its reaper.
func initMemory(cfg config.MemoryConfig, log *slog.Logger) (usecase.SessionBuilder, string, func() error, error) {
	if cfg.ID != "" {
		return memory.NewAgentCoreBuilder(log), "agentcore", func() error { return nil }, nil
	}
	store := memory.NewLocalStore(cfg.LocalTTL, log)
	if cfg.ReapSchedule != "" && cfg.LocalTTL > 0 {
		if err := store.StartReaper(cfg.ReapSchedule); err != nil {
			return nil, "", nil, fmt.Errorf("start memory reaper: %w", err)
		}
	}
	return store, "local", store.Close, nil
}

// initModelBuilder returns the Bedrock builder with the configured resilience.
func initModelBuilder(cfg *config.Config, m *metrics.Collector, log *slog.Logger) *llm.BedrockBuilder {
	opts := []llm.BuilderOption{llm.WithMetrics(m)}
	if cfg.Model.CircuitBreaker.Enabled {
		opts = append(opts, llm.WithCircuitBreaker(cfg.Model.CircuitBreaker))
	}
	return llm.NewBedrockBuilder(cfg.Model.Region, log, opts...)
}

func gatewayConfig(cfg config.ServerConfig, metricsCfg config.MetricsConfig) gateway.Config {
	gc := gateway.Config{
		Addr:            cfg.Addr,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	}
	if cfg.RateLimit.Enabled {
		gc.RateLimit = &middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			TrustedProxies:    append([]string(nil), cfg.RateLimit.TrustedProxies...),
		}
		if cfg.RateLimit.PerActor {
			gc.RateLimit.KeyHeader = gateway.HeaderUserID
		}
	}
	if cfg.CORS.Enabled {
		gc.CORSOrigins = append([]string{}, cfg.CORS.AllowedOrigins...)
	}
	if metricsCfg.Enabled {
		gc.MetricsPath = metricsCfg.Path
	}
	return gc
}

// initComponents wires the factory and the HTTP shell. The returned cleanup
// releases memory backends.
func initComponents(cfg *config.Config, log *slog.Logger) (*Components, func() error, error) {
	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector("stitchlab")
	}

	localTools, err := initLocalTools(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("local tools: %w", err)
	}
	remote, err := initRemoteTransport(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("remote tools: %w", err)
	}
	factoryCfg, err := buildFactoryConfig(cfg, localTools, remote)
	if err != nil {
		return nil, nil, fmt.Errorf("factory config: %w", err)
	}

	sessions, memName, memClose, err := initMemory(cfg.Memory, log)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: %w", err)
	}

	factory := usecase.NewAgentFactory(factoryCfg, initModelBuilder(cfg, m, log), sessions, log,
		usecase.WithFactoryMetrics(m))

	srv := gateway.NewServer(gatewayConfig(cfg.Server, cfg.Metrics), gateway.FromFactory(factory), m, log)

	return &Components{
		Factory: factory,
		Gateway: srv,
		Metrics: m,
		Memory:  memName,
	}, memClose, nil
}

// warmUp initializes the factory ahead of the first request. Failure is not
// fatal: the first CreateAgent retries.
func warmUp(ctx context.Context, f *usecase.AgentFactory, log *slog.Logger) {
	if err := f.InitializeComponents(ctx); err != nil {
		log.Warn("agent factory warm-up failed, will retry on first request", "error", err)
	}
}
