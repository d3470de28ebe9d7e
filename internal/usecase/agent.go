package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/metrics"
	"stitchlab-agent/internal/infra/tracer"
)

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Model         domain.ModelClient
	Tools         *Toolset
	SystemPrompt  string
	Memory        domain.SessionMemory
	Logger        *slog.Logger
	Metrics       *metrics.Collector // optional
	MaxIterations int
	MaxTokens     int
	Temperature   float64
}

// Agent runs the receive-think-act loop for one session. The model and
// toolset are shared and never modified; the memory is owned.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) (*Agent, error) {
	switch {
	case deps.Model == nil:
		return nil, fmt.Errorf("%w: model is nil", domain.ErrInvalidInput)
	case deps.Tools == nil:
		return nil, fmt.Errorf("%w: toolset is nil", domain.ErrInvalidInput)
	case deps.Memory == nil:
		return nil, fmt.Errorf("%w: session memory is nil", domain.ErrInvalidInput)
	}
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{deps: deps}, nil
}

func (a *Agent) Model() domain.ModelClient    { return a.deps.Model }
func (a *Agent) Tools() *Toolset              { return a.deps.Tools }
func (a *Agent) Memory() domain.SessionMemory { return a.deps.Memory }
func (a *Agent) SystemPrompt() string         { return a.deps.SystemPrompt }
func (a *Agent) Scope() domain.SessionScope   { return a.deps.Memory.Scope() }

// Invoke processes one user message. When sink is non-nil and the model can
// stream, text deltas and tool progress are delivered to sink as they happen;
// an error from sink aborts the turn.
func (a *Agent) Invoke(ctx context.Context, prompt string, sink domain.EventSink) (*domain.InvocationResult, error) {
	const op = "Agent.Invoke"
	start := time.Now()
	scope := a.deps.Memory.Scope()

	ctx, span := tracer.StartSpan(ctx, "agent.invoke",
		trace.WithAttributes(tracer.StringAttr("session.id", scope.SessionID)),
	)
	defer span.End()
	ctx = domain.ContextWithScope(ctx, scope)

	if strings.TrimSpace(prompt) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "prompt is empty")
	}

	result, err := a.run(ctx, span, prompt, sink)
	status := "ok"
	if err != nil {
		status = "error"
		tracer.RecordError(span, err)
	} else {
		tracer.SetOK(span)
	}
	a.deps.Metrics.Invocation(status, time.Since(start))
	return result, err
}

func (a *Agent) run(ctx context.Context, span trace.Span, prompt string, sink domain.EventSink) (*domain.InvocationResult, error) {
	history, err := a.deps.Memory.History(ctx)
	if err != nil {
		a.deps.Logger.WarnContext(ctx, "session history unavailable, starting fresh", "error", err)
		history = nil
	}

	userMsg := domain.Message{Role: domain.RoleUser, Content: prompt, Timestamp: time.Now()}
	a.persist(ctx, userMsg)
	messages := append(history, userMsg)

	var (
		usage     domain.Usage
		toolsUsed []string
	)
	for i := 0; i < a.deps.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		span.AddEvent("agent.iteration", trace.WithAttributes(tracer.IntAttr("iteration", i)))

		req := domain.ChatRequest{
			Model:       a.deps.Model.Name(),
			System:      a.deps.SystemPrompt,
			Messages:    messages,
			Tools:       a.deps.Tools.Schemas(),
			MaxTokens:   a.deps.MaxTokens,
			Temperature: a.deps.Temperature,
		}
		msg, stopReason, callUsage, err := a.callModel(ctx, req, sink, i)
		if err != nil {
			return nil, err
		}
		usage.Add(callUsage)
		messages = append(messages, msg)

		a.deps.Logger.DebugContext(ctx, "model response",
			"iteration", i,
			"tool_calls", len(msg.ToolCalls),
			"stop_reason", stopReason,
			"tokens", callUsage.TotalTokens,
		)

		if len(msg.ToolCalls) == 0 {
			a.persist(ctx, msg)
			return &domain.InvocationResult{
				Content:    msg.Content,
				StopReason: stopReason,
				Iterations: i + 1,
				ToolsUsed:  toolsUsed,
				Usage:      usage,
			}, nil
		}

		for _, call := range msg.ToolCalls {
			toolsUsed = append(toolsUsed, call.Name)
			if err := emit(sink, domain.AgentEvent{Type: domain.AgentEventToolStart, Tool: call.Name, Iteration: i}); err != nil {
				return nil, err
			}
		}

		// Results are collected by index to preserve call order.
		outcomes := make([]toolOutcome, len(msg.ToolCalls))
		var wg sync.WaitGroup
		for idx, call := range msg.ToolCalls {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[idx] = a.executeTool(ctx, call)
			}()
		}
		wg.Wait()

		toolMsgs := make([]domain.Message, len(outcomes))
		for idx, out := range outcomes {
			toolMsgs[idx] = out.msg
			ev := domain.AgentEvent{
				Type:      domain.AgentEventToolEnd,
				Tool:      out.msg.Name,
				IsError:   out.isError,
				Iteration: i,
			}
			if err := emit(sink, ev); err != nil {
				return nil, err
			}
		}
		messages = append(messages, toolMsgs...)
	}

	return nil, domain.NewDomainError("Agent.Invoke", domain.ErrMaxIterations,
		fmt.Sprintf("%d iterations", a.deps.MaxIterations))
}

// persist appends msg to session memory. Failures are logged; the turn goes on.
func (a *Agent) persist(ctx context.Context, msg domain.Message) {
	if err := a.deps.Memory.Append(ctx, msg); err != nil {
		a.deps.Logger.WarnContext(ctx, "session memory append failed", "role", msg.Role, "error", err)
	}
}

// callModel performs one model call, streaming when both the model and the
// caller support it.
func (a *Agent) callModel(ctx context.Context, req domain.ChatRequest, sink domain.EventSink, iteration int) (domain.Message, string, domain.Usage, error) {
	sm, canStream := a.deps.Model.(domain.StreamingModelClient)
	if sink == nil || !canStream {
		resp, err := a.deps.Model.Chat(ctx, req)
		if err != nil {
			return domain.Message{}, "", domain.Usage{}, err
		}
		msg := resp.Message
		msg.Role = domain.RoleAssistant
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		return msg, resp.StopReason, resp.Usage, nil
	}

	deltas, err := sm.ChatStream(ctx, req)
	if err != nil {
		return domain.Message{}, "", domain.Usage{}, err
	}

	acc := newStreamAccumulator()
	var sinkErr error
	for delta := range deltas {
		if delta.Err != nil {
			acc.err = delta.Err
			continue
		}
		acc.addDelta(delta)
		if delta.Content != "" && sinkErr == nil {
			sinkErr = emit(sink, domain.AgentEvent{Type: domain.AgentEventDelta, Content: delta.Content, Iteration: iteration})
		}
	}
	if sinkErr != nil {
		return domain.Message{}, "", domain.Usage{}, sinkErr
	}
	if acc.err != nil {
		return domain.Message{}, "", domain.Usage{}, acc.err
	}
	msg, stop, usage := acc.build()
	return msg, stop, usage, nil
}

type toolOutcome struct {
	msg     domain.Message
	isError bool
}

// executeTool runs a single tool call and returns the result as a Message.
// Unknown tools and tool failures become error results for the model.
func (a *Agent) executeTool(ctx context.Context, call domain.ToolCall) toolOutcome {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	reply := func(content string, isError bool) toolOutcome {
		a.deps.Metrics.ToolCall(call.Name, isError)
		return toolOutcome{
			msg: domain.Message{
				Role:      domain.RoleTool,
				Name:      call.Name,
				Content:   content,
				ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
				Timestamp: time.Now(),
			},
			isError: isError,
		}
	}

	tool, ok := a.deps.Tools.Get(call.Name)
	if !ok {
		err := domain.NewDomainError("Agent.executeTool", domain.ErrToolNotFound, call.Name)
		tracer.RecordError(span, err)
		a.deps.Logger.WarnContext(ctx, "model requested unknown tool", "tool", call.Name)
		return reply(err.Error(), true)
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		if !errors.Is(err, context.Canceled) {
			a.deps.Logger.WarnContext(ctx, "tool execution failed", "tool", call.Name, "error", err)
		}
		return reply(err.Error(), true)
	}
	if result.IsError {
		tracer.RecordError(span, fmt.Errorf("%w: %s", domain.ErrToolFailure, result.Content))
		return reply(result.Content, true)
	}

	tracer.SetOK(span)
	return reply(result.Content, false)
}

func emit(sink domain.EventSink, ev domain.AgentEvent) error {
	if sink == nil {
		return nil
	}
	return sink(ev)
}

// streamAccumulator collects incremental deltas into a complete message.
// Tool calls arrive whole, one per delta.
type streamAccumulator struct {
	content    strings.Builder
	toolCalls  []domain.ToolCall
	stopReason string
	usage      domain.Usage
	err        error
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)
	acc.toolCalls = append(acc.toolCalls, delta.ToolCalls...)
	if delta.StopReason != "" {
		acc.stopReason = delta.StopReason
	}
	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

func (acc *streamAccumulator) build() (domain.Message, string, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.stopReason, acc.usage
}
