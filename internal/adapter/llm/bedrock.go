package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/metrics"
	"stitchlab-agent/internal/infra/tracer"
)

const defaultMaxTokens = 4096

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockModel is a domain.StreamingModelClient backed by the Bedrock
// Converse API. It holds no per-conversation state and is safe to share.
type BedrockModel struct {
	spec    domain.ModelSpec
	client  bedrockConverseAPI
	logger  *slog.Logger
	metrics *metrics.Collector
}

func newBedrockModel(spec domain.ModelSpec, client bedrockConverseAPI, logger *slog.Logger, m *metrics.Collector) *BedrockModel {
	if spec.Trace == "" {
		spec.Trace = domain.GuardrailTraceEnabled
	}
	return &BedrockModel{spec: spec, client: client, logger: logger, metrics: m}
}

// Name implements domain.ModelClient.
func (p *BedrockModel) Name() string { return p.spec.ModelID }

// Spec returns the construction parameters.
func (p *BedrockModel) Spec() domain.ModelSpec { return p.spec }

// Chat implements domain.ModelClient.
func (p *BedrockModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", p.spec.ModelID),
			tracer.BoolAttr("llm.guardrail", p.spec.Guardrail.Enabled()),
		),
	)
	defer span.End()

	output, err := p.client.Converse(ctx, p.converseInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		p.metrics.LLMRequest(p.spec.ModelID, "error", 0, 0)
		return nil, err
	}

	result := fromConverseOutput(output, p.spec.ModelID)
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", result.Usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", result.Usage.CompletionTokens),
		tracer.StringAttr("llm.stop_reason", result.StopReason),
	)
	tracer.SetOK(span)
	p.metrics.LLMRequest(p.spec.ModelID, "ok", result.Usage.PromptTokens, result.Usage.CompletionTokens)
	p.logger.Debug("llm chat completed",
		"model", p.spec.ModelID,
		"stop_reason", result.StopReason,
		"tool_calls", len(result.Message.ToolCalls),
		"total_tokens", result.Usage.TotalTokens,
	)
	return result, nil
}

// ChatStream implements domain.StreamingModelClient. Text arrives as
// incremental deltas; each tool call is emitted once, complete, when its
// content block closes. The final delta has Done set.
func (p *BedrockModel) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.chat_stream",
		trace.WithAttributes(tracer.StringAttr("llm.model", p.spec.ModelID)),
	)

	output, err := p.client.ConverseStream(ctx, p.converseStreamInput(req))
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		span.End()
		p.metrics.LLMRequest(p.spec.ModelID, "error", 0, 0)
		return nil, err
	}

	ch := make(chan domain.StreamDelta, 16)
	go p.pump(ctx, span, output.GetStream(), ch)
	return ch, nil
}

// converseEventReader is the part of the Bedrock event stream pump reads.
type converseEventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Err() error
	Close() error
}

// pump translates stream events into deltas and closes ch when done.
func (p *BedrockModel) pump(ctx context.Context, span trace.Span, stream converseEventReader, ch chan<- domain.StreamDelta) {
	defer close(ch)
	defer span.End()
	defer stream.Close()

	send := func(d domain.StreamDelta) bool {
		select {
		case ch <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	acc := newToolUseAssembler()
	var usage domain.Usage
	stopReason := ""
	for evt := range stream.Events() {
		switch e := evt.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				acc.start(aws.ToInt32(e.Value.ContentBlockIndex), start.Value)
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := e.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if !send(domain.StreamDelta{Content: d.Value}) {
					return
				}
			case *types.ContentBlockDeltaMemberToolUse:
				acc.appendInput(aws.ToInt32(e.Value.ContentBlockIndex), aws.ToString(d.Value.Input))
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if call, ok := acc.finish(aws.ToInt32(e.Value.ContentBlockIndex)); ok {
				if !send(domain.StreamDelta{ToolCalls: []domain.ToolCall{call}}) {
					return
				}
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			stopReason = string(e.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			if e.Value.Usage != nil {
				usage = tokenUsage(e.Value.Usage)
			}
		}
	}

	if err := stream.Err(); err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		p.metrics.LLMRequest(p.spec.ModelID, "error", usage.PromptTokens, usage.CompletionTokens)
		send(domain.StreamDelta{Done: true, Err: err})
		return
	}

	tracer.SetOK(span)
	p.metrics.LLMRequest(p.spec.ModelID, "ok", usage.PromptTokens, usage.CompletionTokens)
	send(domain.StreamDelta{Done: true, StopReason: stopReason, Usage: &usage})
}

// --- request conversion ---

func (p *BedrockModel) converseInput(req domain.ChatRequest) *bedrockruntime.ConverseInput {
	system, messages := toBedrockMessages(req)
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(p.spec.ModelID),
		System:          system,
		Messages:        messages,
		InferenceConfig: inferenceConfig(req),
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(req.Tools)
	}
	if g := p.spec.Guardrail; g.Enabled() {
		input.GuardrailConfig = &types.GuardrailConfiguration{
			GuardrailIdentifier: aws.String(g.ID),
			GuardrailVersion:    aws.String(g.Version),
			Trace:               guardrailTrace(p.spec.Trace),
		}
	}
	return input
}

func (p *BedrockModel) converseStreamInput(req domain.ChatRequest) *bedrockruntime.ConverseStreamInput {
	ci := p.converseInput(req)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         ci.ModelId,
		Messages:        ci.Messages,
		System:          ci.System,
		InferenceConfig: ci.InferenceConfig,
		ToolConfig:      ci.ToolConfig,
	}
	if g := p.spec.Guardrail; g.Enabled() {
		input.GuardrailConfig = &types.GuardrailStreamConfiguration{
			GuardrailIdentifier: aws.String(g.ID),
			GuardrailVersion:    aws.String(g.Version),
			Trace:               guardrailTrace(p.spec.Trace),
		}
	}
	return input
}

func guardrailTrace(t domain.GuardrailTrace) types.GuardrailTrace {
	if t == domain.GuardrailTraceDisabled {
		return types.GuardrailTraceDisabled
	}
	return types.GuardrailTraceEnabled
}

func inferenceConfig(req domain.ChatRequest) *types.InferenceConfiguration {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	cfg := &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(float32(req.Temperature))
	}
	return cfg
}

// toBedrockMessages splits out system text and merges consecutive turns of the
// same role, since Converse requires strictly alternating user/assistant turns.
// Tool results travel in user turns.
func toBedrockMessages(req domain.ChatRequest) ([]types.SystemContentBlock, []types.Message) {
	var system []types.SystemContentBlock
	if req.System != "" {
		system = append(system, &types.SystemContentBlockMemberText{Value: req.System})
	}

	var out []types.Message
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		role, blocks := toBedrockBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return system, out
}

func toBedrockBlocks(m domain.Message) (types.ConversationRole, []types.ContentBlock) {
	switch m.Role {
	case domain.RoleTool:
		toolUseID := ""
		if len(m.ToolCalls) > 0 {
			toolUseID = m.ToolCalls[0].ID
		}
		return types.ConversationRoleUser, []types.ContentBlock{
			&types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(toolUseID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			},
		}

	case domain.RoleAssistant:
		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		return types.ConversationRoleAssistant, blocks

	case domain.RoleUser:
		if m.Content == "" {
			return types.ConversationRoleUser, nil
		}
		return types.ConversationRoleUser, []types.ContentBlock{
			&types.ContentBlockMemberText{Value: m.Content},
		}
	}
	return "", nil
}

func toBedrockToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: out}
}

// --- response conversion ---

func fromConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.ChatResponse {
	now := time.Now()
	result := &domain.ChatResponse{
		Model:      model,
		StopReason: string(output.StopReason),
		CreatedAt:  now,
	}
	if output.Usage != nil {
		result.Usage = tokenUsage(output.Usage)
	}

	msg := domain.Message{Role: domain.RoleAssistant, Timestamp: now}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: marshalDocument(b.Value.Input),
				})
			}
		}
		msg.Content = text.String()
	}
	result.Message = msg
	return result
}

func tokenUsage(u *types.TokenUsage) domain.Usage {
	in, out := int(aws.ToInt32(u.InputTokens)), int(aws.ToInt32(u.OutputTokens))
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

// marshalDocument converts a Bedrock document to JSON, defaulting to "{}".
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// toolUseAssembler collects streamed tool-use input fragments per content block.
type toolUseAssembler struct {
	blocks map[int32]*pendingToolUse
}

type pendingToolUse struct {
	call  domain.ToolCall
	input strings.Builder
}

func newToolUseAssembler() *toolUseAssembler {
	return &toolUseAssembler{blocks: make(map[int32]*pendingToolUse)}
}

func (a *toolUseAssembler) start(idx int32, s types.ToolUseBlockStart) {
	a.blocks[idx] = &pendingToolUse{call: domain.ToolCall{
		ID:   aws.ToString(s.ToolUseId),
		Name: aws.ToString(s.Name),
	}}
}

func (a *toolUseAssembler) appendInput(idx int32, fragment string) {
	if b, ok := a.blocks[idx]; ok {
		b.input.WriteString(fragment)
	}
}

func (a *toolUseAssembler) finish(idx int32) (domain.ToolCall, bool) {
	b, ok := a.blocks[idx]
	if !ok {
		return domain.ToolCall{}, false
	}
	delete(a.blocks, idx)
	args := strings.TrimSpace(b.input.String())
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}
	b.call.Arguments = json.RawMessage(args)
	return b.call, true
}

// --- error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	msg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case code == "ThrottlingException" || code == "TooManyRequestsException" || code == "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException" || code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}
	return domain.WrapOp("bedrock", err)
}
