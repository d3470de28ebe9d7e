package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentcore/types"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/tracer"
)

const defaultListPageSize int32 = 100

// agentCoreAPI is the subset of the AgentCore data-plane client used here.
type agentCoreAPI interface {
	CreateEvent(ctx context.Context, params *bedrockagentcore.CreateEventInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.CreateEventOutput, error)
	ListEvents(ctx context.Context, params *bedrockagentcore.ListEventsInput, optFns ...func(*bedrockagentcore.Options)) (*bedrockagentcore.ListEventsOutput, error)
}

// AgentCoreBuilder builds session memory backed by Bedrock AgentCore Memory.
// One client is kept per region and shared by every session in it. Concurrent
// builds for a region share a single credential load.
type AgentCoreBuilder struct {
	logger    *slog.Logger
	load      func(ctx context.Context, region string) (aws.Config, error)
	newClient func(aws.Config) agentCoreAPI

	loads   singleflight.Group
	mu      sync.Mutex
	clients map[string]agentCoreAPI
}

// NewAgentCoreBuilder returns a builder using the default AWS credential chain.
func NewAgentCoreBuilder(logger *slog.Logger) *AgentCoreBuilder {
	return &AgentCoreBuilder{
		logger: logger,
		load: func(ctx context.Context, region string) (aws.Config, error) {
			return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		},
		newClient: func(cfg aws.Config) agentCoreAPI {
			return bedrockagentcore.NewFromConfig(cfg)
		},
		clients: make(map[string]agentCoreAPI),
	}
}

// BuildSession returns a fresh session handle bound to scope.
func (b *AgentCoreBuilder) BuildSession(ctx context.Context, scope domain.SessionScope) (domain.SessionMemory, error) {
	if scope.MemoryID == "" {
		return nil, fmt.Errorf("%w: memory id is required", domain.ErrInvalidInput)
	}
	if scope.ActorID == "" || scope.SessionID == "" {
		return nil, fmt.Errorf("%w: actor and session ids are required", domain.ErrInvalidInput)
	}

	client, err := b.client(ctx, scope.Region)
	if err != nil {
		return nil, err
	}
	return &agentCoreSession{client: client, scope: scope, logger: b.logger}, nil
}

func (b *AgentCoreBuilder) cached(region string) (agentCoreAPI, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[region]
	return c, ok
}

// client returns the region's client, loading AWS config outside b.mu. The
// load ignores the caller's cancellation; ctx only bounds how long this caller
// waits.
func (b *AgentCoreBuilder) client(ctx context.Context, region string) (agentCoreAPI, error) {
	if c, ok := b.cached(region); ok {
		return c, nil
	}

	ch := b.loads.DoChan(region, func() (any, error) {
		if c, ok := b.cached(region); ok {
			return c, nil
		}
		cfg, err := b.load(context.WithoutCancel(ctx), region)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		c := b.newClient(cfg)
		b.mu.Lock()
		b.clients[region] = c
		b.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(agentCoreAPI), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type agentCoreSession struct {
	client agentCoreAPI
	scope  domain.SessionScope
	logger *slog.Logger
}

func (s *agentCoreSession) Scope() domain.SessionScope { return s.scope }

// History lists every event in the session and returns them oldest first.
func (s *agentCoreSession) History(ctx context.Context) ([]domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "memory.load",
		trace.WithAttributes(tracer.StringAttr("session.id", s.scope.SessionID)),
	)
	defer span.End()

	var events []types.Event
	var next *string
	for {
		out, err := s.client.ListEvents(ctx, &bedrockagentcore.ListEventsInput{
			MemoryId:        aws.String(s.scope.MemoryID),
			ActorId:         aws.String(s.scope.ActorID),
			SessionId:       aws.String(s.scope.SessionID),
			IncludePayloads: aws.Bool(true),
			MaxResults:      aws.Int32(defaultListPageSize),
			NextToken:       next,
		})
		if err != nil {
			err = fmt.Errorf("%w: list events: %v", domain.ErrMemoryStore, err)
			tracer.RecordError(span, err)
			return nil, err
		}
		events = append(events, out.Events...)
		if aws.ToString(out.NextToken) == "" {
			break
		}
		next = out.NextToken
	}

	sort.SliceStable(events, func(i, j int) bool {
		return aws.ToTime(events[i].EventTimestamp).Before(aws.ToTime(events[j].EventTimestamp))
	})

	msgs := make([]domain.Message, 0, len(events))
	for _, e := range events {
		for _, p := range e.Payload {
			if m, ok := decodePayload(p, aws.ToTime(e.EventTimestamp)); ok {
				msgs = append(msgs, m)
			}
		}
	}
	span.SetAttributes(tracer.IntAttr("memory.messages", len(msgs)))
	tracer.SetOK(span)
	return msgs, nil
}

// Append stores msg as one conversational event.
func (s *agentCoreSession) Append(ctx context.Context, msg domain.Message) error {
	ctx, span := tracer.StartSpan(ctx, "memory.append",
		trace.WithAttributes(tracer.StringAttr("session.id", s.scope.SessionID)),
	)
	defer span.End()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", domain.ErrMemoryStore, err)
	}

	_, err = s.client.CreateEvent(ctx, &bedrockagentcore.CreateEventInput{
		MemoryId:       aws.String(s.scope.MemoryID),
		ActorId:        aws.String(s.scope.ActorID),
		SessionId:      aws.String(s.scope.SessionID),
		EventTimestamp: aws.Time(msg.Timestamp),
		Payload: []types.PayloadType{
			&types.PayloadTypeMemberConversational{Value: types.Conversational{
				Role:    toAgentCoreRole(msg.Role),
				Content: &types.ContentMemberText{Value: string(body)},
			}},
		},
	})
	if err != nil {
		err = fmt.Errorf("%w: create event: %v", domain.ErrMemoryStore, err)
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// decodePayload reads a conversational payload. Text that is not an encoded
// message, such as events written by other clients, becomes plain content.
func decodePayload(p types.PayloadType, ts time.Time) (domain.Message, bool) {
	conv, ok := p.(*types.PayloadTypeMemberConversational)
	if !ok {
		return domain.Message{}, false
	}
	text, ok := conv.Value.Content.(*types.ContentMemberText)
	if !ok {
		return domain.Message{}, false
	}

	var m domain.Message
	if err := json.Unmarshal([]byte(text.Value), &m); err == nil && m.Role != "" {
		return m, true
	}
	return domain.Message{
		Role:      fromAgentCoreRole(conv.Value.Role),
		Content:   text.Value,
		Timestamp: ts,
	}, true
}

func toAgentCoreRole(role string) types.Role {
	switch role {
	case domain.RoleUser:
		return types.RoleUser
	case domain.RoleAssistant:
		return types.RoleAssistant
	case domain.RoleTool:
		return types.RoleTool
	default:
		return types.RoleOther
	}
}

func fromAgentCoreRole(role types.Role) string {
	switch role {
	case types.RoleUser:
		return domain.RoleUser
	case types.RoleAssistant:
		return domain.RoleAssistant
	case types.RoleTool:
		return domain.RoleTool
	default:
		return domain.RoleUser
	}
}

var (
	_ domain.SessionMemory = (*agentCoreSession)(nil)
	_ domain.SessionMemory = (*localSession)(nil)
)
