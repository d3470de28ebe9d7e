package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/metrics"
)

type factoryFixture struct {
	models   *mockModelBuilder
	sessions *mockSessionBuilder
	factory  *AgentFactory
}

func newFactoryFixture(t *testing.T, cfg FactoryConfig, opts ...FactoryOption) *factoryFixture {
	t.Helper()
	if cfg.ModelID == "" {
		cfg.ModelID = "m1"
	}
	cfg, err := NewFactoryConfig(cfg)
	require.NoError(t, err)

	fx := &factoryFixture{
		models:   &mockModelBuilder{},
		sessions: &mockSessionBuilder{},
	}
	fx.factory = NewAgentFactory(cfg, fx.models, fx.sessions, newTestLogger(), opts...)
	return fx
}

func localTools(names ...string) []domain.Tool {
	tools := make([]domain.Tool, len(names))
	for i, n := range names {
		tools[i] = newMockTool(n)
	}
	return tools
}

func TestInitializeComponents_Idempotent(t *testing.T) {
	transport := &mockTransport{infos: remoteInfos("R1")}
	fx := newFactoryFixture(t, FactoryConfig{
		RemoteTransport: transport,
		LocalTools:      localTools("L1"),
	})
	ctx := context.Background()

	require.NoError(t, fx.factory.InitializeComponents(ctx))
	model, tools := fx.factory.Model(), fx.factory.Tools()
	require.NotNil(t, model)
	require.NotNil(t, tools)

	for range 5 {
		require.NoError(t, fx.factory.InitializeComponents(ctx))
		assert.Same(t, model, fx.factory.Model())
		assert.Same(t, tools, fx.factory.Tools())
	}
	assert.Equal(t, 1, fx.models.Calls())
	assert.Equal(t, int32(1), transport.lists.Load())
}

func TestInitializeComponents_NotInitializedBeforeFirstCall(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{})
	assert.False(t, fx.factory.Initialized())
	assert.Nil(t, fx.factory.Model())
	assert.Nil(t, fx.factory.Tools())
	assert.Equal(t, 0, fx.models.Calls())
}

func TestInitializeComponents_ModelSpec(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{
		ModelID:        "m1",
		Guardrail:      domain.Guardrail{ID: "g1", Version: "3"},
		GuardrailTrace: domain.GuardrailTraceEnabled,
	})
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))

	require.Len(t, fx.models.specs, 1)
	assert.Equal(t, domain.ModelSpec{
		ModelID:   "m1",
		Trace:     domain.GuardrailTraceEnabled,
		Guardrail: domain.Guardrail{ID: "g1", Version: "3"},
	}, fx.models.specs[0])
}

func TestInitializeComponents_ToolOrder(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{
		RemoteTransport: &mockTransport{infos: remoteInfos("R1", "R2", "R3")},
		LocalTools:      localTools("L1", "L2"),
	})
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))

	tools := fx.factory.Tools()
	assert.Equal(t, []string{"R1", "R2", "R3", "L1", "L2"}, tools.Names())
	assert.Equal(t, 3, tools.Count(domain.ToolSourceRemote))
	assert.Equal(t, 2, tools.Count(domain.ToolSourceLocal))

	src, ok := tools.Source("R2")
	require.True(t, ok)
	assert.Equal(t, domain.ToolSourceRemote, src)
	src, ok = tools.Source("L1")
	require.True(t, ok)
	assert.Equal(t, domain.ToolSourceLocal, src)
}

func TestInitializeComponents_AllowList(t *testing.T) {
	tests := []struct {
		name   string
		filter ToolFilter
		want   []string
	}{
		{"absent keeps all", AllowAll(), []string{"R1", "R2"}},
		{"empty keeps none", AllowOnly(), nil},
		{"single name", AllowOnly("R1"), []string{"R1"}},
		{"unknown name", AllowOnly("R9"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFactoryFixture(t, FactoryConfig{
				RemoteTransport:    &mockTransport{infos: remoteInfos("R1", "R2")},
				AllowedRemoteTools: tt.filter,
			})
			require.NoError(t, fx.factory.InitializeComponents(context.Background()))

			tools := fx.factory.Tools()
			if tt.want == nil {
				assert.Zero(t, tools.Len())
				return
			}
			assert.Equal(t, tt.want, tools.Names())
		})
	}
}

func TestInitializeComponents_AllowListPreservesDiscoveryOrder(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{
		RemoteTransport:    &mockTransport{infos: remoteInfos("R1", "R2", "R3")},
		AllowedRemoteTools: AllowOnly("R3", "R1"),
	})
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))
	assert.Equal(t, []string{"R1", "R3"}, fx.factory.Tools().Names())
}

func TestInitializeComponents_DegradedRemoteSource(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantClose int32
	}{
		{"open fails", &mockTransport{openErr: errBoom}, 0},
		{"list fails", &mockTransport{infos: remoteInfos("R1"), listErr: errBoom}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFactoryFixture(t, FactoryConfig{
				RemoteTransport: tt.transport,
				LocalTools:      localTools("subtract", "multiply"),
			})
			require.NoError(t, fx.factory.InitializeComponents(context.Background()))

			assert.True(t, fx.factory.Initialized())
			assert.Equal(t, []string{"subtract", "multiply"}, fx.factory.Tools().Names())
			assert.Equal(t, tt.wantClose, tt.transport.closes.Load())
		})
	}
}

func TestInitializeComponents_DiscoveryTimeout(t *testing.T) {
	transport := &mockTransport{block: true}
	fx := newFactoryFixture(t, FactoryConfig{
		RemoteTransport:  transport,
		DiscoveryTimeout: 20 * time.Millisecond,
		LocalTools:       localTools("L1"),
	})

	start := time.Now()
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, []string{"L1"}, fx.factory.Tools().Names())
	assert.Equal(t, int32(1), transport.closes.Load())
}

func TestInitializeComponents_SessionClosedAfterDiscovery(t *testing.T) {
	transport := &mockTransport{infos: remoteInfos("R1")}
	fx := newFactoryFixture(t, FactoryConfig{RemoteTransport: transport})
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))

	assert.Equal(t, int32(1), transport.opens.Load())
	assert.Equal(t, int32(1), transport.closes.Load())
}

func TestInitializeComponents_DuplicateRemoteNamesKeepFirst(t *testing.T) {
	infos := remoteInfos("R1", "R2")
	dup := infos[0]
	dup.Description = "second R1"
	infos = append(infos, dup)

	fx := newFactoryFixture(t, FactoryConfig{RemoteTransport: &mockTransport{infos: infos}})
	require.NoError(t, fx.factory.InitializeComponents(context.Background()))

	tools := fx.factory.Tools()
	assert.Equal(t, []string{"R1", "R2"}, tools.Names())
	r1, ok := tools.Get("R1")
	require.True(t, ok)
	assert.Equal(t, "remote R1", r1.Description())
}

func TestInitializeComponents_DuplicatePolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     DuplicatePolicy
		wantNames  []string
		wantSource domain.ToolSource
	}{
		{"prefer local", PreferLocal, []string{"R1", "add", "L1"}, domain.ToolSourceLocal},
		{"prefer remote", PreferRemote, []string{"add", "R1", "L1"}, domain.ToolSourceRemote},
		{"reject degrades to local only", RejectDuplicates, []string{"add", "L1"}, domain.ToolSourceLocal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFactoryFixture(t, FactoryConfig{
				RemoteTransport: &mockTransport{infos: remoteInfos("add", "R1")},
				LocalTools:      localTools("add", "L1"),
				DuplicatePolicy: tt.policy,
			})
			require.NoError(t, fx.factory.InitializeComponents(context.Background()))

			tools := fx.factory.Tools()
			assert.Equal(t, tt.wantNames, tools.Names())
			src, ok := tools.Source("add")
			require.True(t, ok)
			assert.Equal(t, tt.wantSource, src)
		})
	}
}

func TestInitializeComponents_ModelFailureIsFatal(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{})
	fx.models.err = errBoom

	err := fx.factory.InitializeComponents(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelConstruction)
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, fx.factory.Initialized())
	assert.Nil(t, fx.factory.Model())
}

func TestInitializeComponents_RetriesAfterModelFailure(t *testing.T) {
	transport := &mockTransport{infos: remoteInfos("R1")}
	fx := newFactoryFixture(t, FactoryConfig{RemoteTransport: transport})
	ctx := context.Background()

	fx.models.err = errBoom
	require.Error(t, fx.factory.InitializeComponents(ctx))
	require.Error(t, fx.factory.InitializeComponents(ctx))
	assert.Equal(t, 2, fx.models.Calls())
	assert.Zero(t, transport.opens.Load())

	fx.models.mu.Lock()
	fx.models.err = nil
	fx.models.mu.Unlock()

	require.NoError(t, fx.factory.InitializeComponents(ctx))
	assert.True(t, fx.factory.Initialized())
	assert.Equal(t, 3, fx.models.Calls())
	assert.Equal(t, []string{"R1"}, fx.factory.Tools().Names())
}

func TestInitializeComponents_ConcurrentCallersShareOneAttempt(t *testing.T) {
	release := make(chan struct{})
	fx := newFactoryFixture(t, FactoryConfig{LocalTools: localTools("L1")})
	fx.models.build = func(spec domain.ModelSpec) (domain.ModelClient, error) {
		<-release
		return &mockModel{name: spec.ModelID}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fx.factory.InitializeComponents(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return fx.models.Calls() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, fx.models.Calls())
	assert.True(t, fx.factory.Initialized())
}

func TestInitializeComponents_ConcurrentCallersShareFailedAttempt(t *testing.T) {
	release := make(chan struct{})
	fx := newFactoryFixture(t, FactoryConfig{LocalTools: localTools("L1")})
	fx.models.build = func(domain.ModelSpec) (domain.ModelClient, error) {
		<-release
		return nil, errBoom
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fx.factory.InitializeComponents(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return fx.models.Calls() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrModelConstruction)
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, 1, fx.models.Calls())
	assert.False(t, fx.factory.Initialized())
}

func TestNewAgentFactory_UnnormalizedConfigKeepsRemoteTools(t *testing.T) {
	transport := &mockTransport{infos: remoteInfos("R1"), checkCtx: true}
	cfg := FactoryConfig{
		ModelID:         "m1",
		RemoteTransport: transport,
		LocalTools:      localTools("L1"),
	}
	f := NewAgentFactory(cfg, &mockModelBuilder{}, &mockSessionBuilder{}, newTestLogger())

	got := f.Config()
	assert.Equal(t, DefaultDiscoveryTimeout, got.DiscoveryTimeout)
	assert.Equal(t, DefaultRemoteCallTimeout, got.RemoteCallTimeout)
	assert.Equal(t, DefaultMaxIterations, got.MaxIterations)
	assert.Equal(t, PreferLocal, got.DuplicatePolicy)

	require.NoError(t, f.InitializeComponents(context.Background()))
	assert.Equal(t, []string{"R1", "L1"}, f.Tools().Names())

	r1, ok := f.Tools().Get("R1")
	require.True(t, ok)
	res, err := r1.Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, res.IsError, res.Content)
}

func TestInitializeComponents_CallerCancellationDoesNotAbortAttempt(t *testing.T) {
	release := make(chan struct{})
	fx := newFactoryFixture(t, FactoryConfig{})
	fx.models.build = func(spec domain.ModelSpec) (domain.ModelClient, error) {
		<-release
		return &mockModel{name: spec.ModelID}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.factory.InitializeComponents(ctx) }()

	require.Eventually(t, func() bool { return fx.models.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, fx.factory.Initialized, time.Second, time.Millisecond)
	assert.Equal(t, 1, fx.models.Calls())
}

func TestCreateAgent_PerCallIsolation(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{
		RemoteTransport: &mockTransport{infos: remoteInfos("R1")},
		LocalTools:      localTools("L1"),
	})
	ctx := context.Background()

	a1, err := fx.factory.CreateAgent(ctx, "u1", "s1")
	require.NoError(t, err)
	a2, err := fx.factory.CreateAgent(ctx, "u1", "s1")
	require.NoError(t, err)

	assert.NotSame(t, a1, a2)
	assert.NotSame(t, a1.Memory(), a2.Memory())
	assert.Same(t, a1.Model(), a2.Model())
	assert.Same(t, a1.Tools(), a2.Tools())
	assert.Same(t, fx.factory.Model(), a1.Model())
	assert.Same(t, fx.factory.Tools(), a1.Tools())
	assert.Equal(t, 1, fx.models.Calls())
}

func TestCreateAgent_SessionScope(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{MemoryID: "mem-1", Region: "eu-west-1"})

	agent, err := fx.factory.CreateAgent(context.Background(), "u1", "s1")
	require.NoError(t, err)

	want := domain.SessionScope{MemoryID: "mem-1", ActorID: "u1", SessionID: "s1", Region: "eu-west-1"}
	assert.Equal(t, want, agent.Scope())
	assert.Equal(t, []domain.SessionScope{want}, fx.sessions.Scopes())
}

func TestCreateAgent_SystemPromptAndLimits(t *testing.T) {
	var got AgentDeps
	fx := newFactoryFixture(t, FactoryConfig{
		SystemPrompt:  "be terse",
		MaxIterations: 3,
		MaxTokens:     256,
		Temperature:   0.2,
	}, WithAgentAssembler(func(deps AgentDeps) (*Agent, error) {
		got = deps
		return NewAgent(deps)
	}))

	agent, err := fx.factory.CreateAgent(context.Background(), "u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "be terse", agent.SystemPrompt())
	assert.Equal(t, 3, got.MaxIterations)
	assert.Equal(t, 256, got.MaxTokens)
	assert.InDelta(t, 0.2, got.Temperature, 1e-9)
	assert.NotNil(t, got.Logger)
}

func TestCreateAgent_InvalidIdentifiers(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{})
	for _, ids := range [][2]string{{"", "s1"}, {"u1", ""}, {"", ""}} {
		agent, err := fx.factory.CreateAgent(context.Background(), ids[0], ids[1])
		assert.Nil(t, agent)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}
	assert.Equal(t, 0, fx.models.Calls())
	assert.False(t, fx.factory.Initialized())
}

func TestCreateAgent_ModelFailurePropagates(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{})
	fx.models.err = errBoom

	agent, err := fx.factory.CreateAgent(context.Background(), "u1", "s1")
	assert.Nil(t, agent)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelConstruction)
	assert.Equal(t, domain.CodeModelConstruction, domain.ErrorCodeOf(err))

	var de *domain.DomainError
	require.True(t, errors.As(err, &de))
	assert.Empty(t, fx.sessions.Scopes())
}

func TestCreateAgent_SessionFailure(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{LocalTools: localTools("L1")})
	ctx := context.Background()

	require.NoError(t, fx.factory.InitializeComponents(ctx))
	model, tools := fx.factory.Model(), fx.factory.Tools()

	fx.sessions.err = errBoom
	agent, err := fx.factory.CreateAgent(ctx, "u1", "s1")
	assert.Nil(t, agent)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionInit)
	assert.ErrorIs(t, err, errBoom)

	assert.True(t, fx.factory.Initialized())
	assert.Same(t, model, fx.factory.Model())
	assert.Same(t, tools, fx.factory.Tools())
	assert.Equal(t, 1, fx.models.Calls())

	fx.sessions.mu.Lock()
	fx.sessions.err = nil
	fx.sessions.mu.Unlock()

	agent, err = fx.factory.CreateAgent(ctx, "u1", "s2")
	require.NoError(t, err)
	assert.NotNil(t, agent)
}

func TestCreateAgent_AssemblyFailure(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{}, WithAgentAssembler(func(AgentDeps) (*Agent, error) {
		return nil, errBoom
	}))

	agent, err := fx.factory.CreateAgent(context.Background(), "u1", "s1")
	assert.Nil(t, agent)
	assert.ErrorIs(t, err, domain.ErrAgentAssembly)
	assert.Equal(t, domain.CodeAgentAssembly, domain.ErrorCodeOf(err))
	assert.True(t, fx.factory.Initialized())
}

func TestCreateAgent_ConcreteScenario(t *testing.T) {
	fx := newFactoryFixture(t, FactoryConfig{
		ModelID:    "m1",
		LocalTools: localTools("subtract", "multiply"),
	})
	ctx := context.Background()

	first, err := fx.factory.CreateAgent(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, fx.factory.Initialized())
	assert.Equal(t, []string{"subtract", "multiply"}, toolNames(fx.factory.Tools()))
	assert.Equal(t, "m1", first.Model().Name())

	second, err := fx.factory.CreateAgent(ctx, "u1", "s2")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, fx.models.Calls())
	assert.NotSame(t, first, second)
	assert.NotSame(t, first.Memory(), second.Memory())
	assert.Equal(t, "s2", second.Scope().SessionID)
	assert.Equal(t, "s1", first.Scope().SessionID)
}

func TestCreateAgent_Metrics(t *testing.T) {
	m := metrics.NewCollector("test")
	fx := newFactoryFixture(t, FactoryConfig{}, WithFactoryMetrics(m))
	ctx := context.Background()

	_, err := fx.factory.CreateAgent(ctx, "u1", "s1")
	require.NoError(t, err)
	_, err = fx.factory.CreateAgent(ctx, "", "s1")
	require.Error(t, err)

	const families = "test_agent_creations_total"
	count, err := testutil.GatherAndCount(m.Registry(), families)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
