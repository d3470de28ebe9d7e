package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/metrics"
	"stitchlab-agent/internal/infra/tracer"
)

// ModelBuilder constructs the model client from its spec.
type ModelBuilder interface {
	BuildModel(ctx context.Context, spec domain.ModelSpec) (domain.ModelClient, error)
}

// SessionBuilder constructs session memory for one (actor, session).
type SessionBuilder interface {
	BuildSession(ctx context.Context, scope domain.SessionScope) (domain.SessionMemory, error)
}

// AgentAssembler builds an Agent from its parts.
type AgentAssembler func(deps AgentDeps) (*Agent, error)

// components is the cached result of a successful initialization.
type components struct {
	model domain.ModelClient
	tools *Toolset
}

// AgentFactory amortizes model construction and remote tool discovery across
// requests. The first CreateAgent initializes once; every call builds fresh
// session memory and a fresh Agent around the shared model and toolset.
type AgentFactory struct {
	cfg      FactoryConfig
	models   ModelBuilder
	sessions SessionBuilder
	assemble AgentAssembler
	logger   *slog.Logger
	metrics  *metrics.Collector

	group singleflight.Group
	state atomic.Pointer[components]
}

// FactoryOption customizes an AgentFactory.
type FactoryOption func(*AgentFactory)

// WithFactoryMetrics records factory and agent metrics.
func WithFactoryMetrics(m *metrics.Collector) FactoryOption {
	return func(f *AgentFactory) { f.metrics = m }
}

// WithAgentAssembler replaces NewAgent as the agent constructor.
func WithAgentAssembler(fn AgentAssembler) FactoryOption {
	return func(f *AgentFactory) { f.assemble = fn }
}

// NewAgentFactory wires a factory. It performs no I/O. Unset timeouts and
// limits in cfg get their defaults.
func NewAgentFactory(cfg FactoryConfig, models ModelBuilder, sessions SessionBuilder, logger *slog.Logger, opts ...FactoryOption) *AgentFactory {
	f := &AgentFactory{
		cfg:      cfg.withDefaults(),
		models:   models,
		sessions: sessions,
		assemble: NewAgent,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the factory configuration.
func (f *AgentFactory) Config() FactoryConfig { return f.cfg }

// Initialized reports whether the shared components are cached.
func (f *AgentFactory) Initialized() bool { return f.state.Load() != nil }

// Model returns the cached model client, or nil before initialization.
func (f *AgentFactory) Model() domain.ModelClient {
	if c := f.state.Load(); c != nil {
		return c.model
	}
	return nil
}

// Tools returns the cached toolset, or nil before initialization.
func (f *AgentFactory) Tools() *Toolset {
	if c := f.state.Load(); c != nil {
		return c.tools
	}
	return nil
}

// InitializeComponents builds the model client and resolves the toolset once.
// Concurrent callers share a single attempt. The attempt is detached from the
// caller's cancellation; ctx only bounds how long this caller waits. A failed
// attempt leaves the factory uninitialized so the next call retries.
func (f *AgentFactory) InitializeComponents(ctx context.Context) error {
	if f.state.Load() != nil {
		return nil
	}

	ch := f.group.DoChan("init", func() (any, error) {
		if c := f.state.Load(); c != nil {
			return c, nil
		}
		c, err := f.initialize(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		f.state.Store(c)
		return c, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *AgentFactory) initialize(ctx context.Context) (*components, error) {
	ctx, span := tracer.StartSpan(ctx, "factory.initialize",
		trace.WithAttributes(tracer.StringAttr("llm.model", f.cfg.ModelID)),
	)
	defer span.End()

	model, err := f.models.BuildModel(ctx, f.cfg.modelSpec())
	if err != nil {
		tracer.RecordError(span, err)
		f.metrics.FactoryInitialized(false, 0, 0)
		f.logger.Error("model construction failed", "model", f.cfg.ModelID, "error", err)
		return nil, &domain.DomainError{
			Op:  "AgentFactory.InitializeComponents",
			Err: fmt.Errorf("%w: %w", domain.ErrModelConstruction, err),
		}
	}

	remote, shadowed, err := f.resolveRemoteTools(ctx)
	if err != nil {
		f.logger.Warn("remote tools unavailable, continuing with local tools only", "error", err)
		remote, shadowed = nil, nil
	}

	local := make([]domain.Tool, 0, len(f.cfg.LocalTools))
	for _, t := range f.cfg.LocalTools {
		if shadowed[t.Name()] {
			f.logger.Info("local tool replaced by remote tool", "tool", t.Name())
			continue
		}
		local = append(local, t)
	}

	tools := newToolset(remote, local)
	span.SetAttributes(
		tracer.IntAttr("tools.remote", len(remote)),
		tracer.IntAttr("tools.local", len(local)),
	)
	tracer.SetOK(span)
	f.metrics.FactoryInitialized(true, len(remote), len(local))
	f.logger.Info("agent factory initialized",
		"model", model.Name(),
		"remote_tools", len(remote),
		"local_tools", len(local),
		"tools", tools.Names(),
	)
	return &components{model: model, tools: tools}, nil
}

// resolveRemoteTools discovers, filters and de-duplicates remote tools. It
// also returns the local tool names a remote tool replaces under PreferRemote.
// Any error means the remote source contributes nothing.
func (f *AgentFactory) resolveRemoteTools(ctx context.Context) ([]domain.Tool, map[string]bool, error) {
	if f.cfg.RemoteTransport == nil {
		return nil, nil, nil
	}

	ctx, span := tracer.StartSpan(ctx, "factory.discover_tools",
		trace.WithAttributes(tracer.StringAttr("tool.transport", f.cfg.RemoteTransport.Name())),
	)
	defer span.End()

	infos, err := f.discover(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrRemoteDiscovery, err)
	}

	localNames := make(map[string]bool, len(f.cfg.LocalTools))
	for _, t := range f.cfg.LocalTools {
		localNames[t.Name()] = true
	}

	var (
		tools    []domain.Tool
		shadowed map[string]bool
		seen     = make(map[string]bool, len(infos))
	)
	for _, info := range infos {
		if !f.cfg.AllowedRemoteTools.Allows(info.Name) {
			continue
		}
		if seen[info.Name] {
			f.logger.Warn("duplicate remote tool ignored", "tool", info.Name)
			continue
		}
		seen[info.Name] = true

		if localNames[info.Name] {
			switch f.cfg.DuplicatePolicy {
			case RejectDuplicates:
				err := fmt.Errorf("%w: %w: %q is both local and remote",
					domain.ErrRemoteDiscovery, domain.ErrDuplicateTool, info.Name)
				tracer.RecordError(span, err)
				return nil, nil, err
			case PreferRemote:
				if shadowed == nil {
					shadowed = make(map[string]bool)
				}
				shadowed[info.Name] = true
			default:
				f.logger.Info("remote tool shadowed by local tool", "tool", info.Name)
				continue
			}
		}
		tools = append(tools, newRemoteTool(f.cfg.RemoteTransport, info, f.cfg.RemoteCallTimeout, f.logger))
	}

	span.SetAttributes(
		tracer.IntAttr("tools.discovered", len(infos)),
		tracer.IntAttr("tools.accepted", len(tools)),
	)
	tracer.SetOK(span)
	f.logger.Info("remote tools resolved",
		"transport", f.cfg.RemoteTransport.Name(),
		"discovered", len(infos),
		"accepted", len(tools),
		"filter", f.cfg.AllowedRemoteTools.String(),
	)
	return tools, shadowed, nil
}

// discover lists tools within DiscoveryTimeout. The session is always closed.
func (f *AgentFactory) discover(ctx context.Context) (infos []domain.RemoteToolInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.DiscoveryTimeout)
	defer cancel()

	sess, err := f.cfg.RemoteTransport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			f.logger.Debug("remote tool session close failed", "error", cerr)
		}
	}()

	infos, err = sess.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return infos, nil
}

// CreateAgent returns a new Agent for (actorID, sessionID). The error is a
// *domain.DomainError wrapping ErrInvalidInput, ErrModelConstruction,
// ErrSessionInit or ErrAgentAssembly, or the caller's context error if it
// stopped waiting for initialization.
func (f *AgentFactory) CreateAgent(ctx context.Context, actorID, sessionID string) (*Agent, error) {
	const op = "AgentFactory.CreateAgent"

	ctx, span := tracer.StartSpan(ctx, "factory.create_agent",
		trace.WithAttributes(
			tracer.StringAttr("actor.id", actorID),
			tracer.StringAttr("session.id", sessionID),
		),
	)
	defer span.End()

	if actorID == "" || sessionID == "" {
		err := domain.NewDomainError(op, domain.ErrInvalidInput, "actor id and session id are required")
		tracer.RecordError(span, err)
		f.metrics.AgentCreated("invalid")
		return nil, err
	}

	if err := f.InitializeComponents(ctx); err != nil {
		tracer.RecordError(span, err)
		f.metrics.AgentCreated("init_failed")
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &domain.DomainError{Op: op, Err: err}
	}
	c := f.state.Load()

	scope := domain.SessionScope{
		MemoryID:  f.cfg.MemoryID,
		ActorID:   actorID,
		SessionID: sessionID,
		Region:    f.cfg.Region,
	}
	mem, err := f.sessions.BuildSession(ctx, scope)
	if err != nil {
		tracer.RecordError(span, err)
		f.metrics.AgentCreated("session_failed")
		f.logger.Error("session memory construction failed",
			"actor_id", actorID, "session_id", sessionID, "error", err)
		return nil, &domain.DomainError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrSessionInit, err)}
	}

	agent, err := f.assemble(AgentDeps{
		Model:         c.model,
		Tools:         c.tools,
		SystemPrompt:  f.cfg.SystemPrompt,
		Memory:        mem,
		Logger:        f.logger.With("component", "agent"),
		Metrics:       f.metrics,
		MaxIterations: f.cfg.MaxIterations,
		MaxTokens:     f.cfg.MaxTokens,
		Temperature:   f.cfg.Temperature,
	})
	if err != nil {
		tracer.RecordError(span, err)
		f.metrics.AgentCreated("assembly_failed")
		f.logger.Error("agent assembly failed",
			"actor_id", actorID, "session_id", sessionID, "error", err)
		return nil, &domain.DomainError{Op: op, Err: fmt.Errorf("%w: %w", domain.ErrAgentAssembly, err)}
	}

	tracer.SetOK(span)
	f.metrics.AgentCreated("success")
	return agent, nil
}
