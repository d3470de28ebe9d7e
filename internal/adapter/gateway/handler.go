package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"stitchlab-agent/internal/domain"
)

// Runtime headers that carry session and user identity when the body does not.
const (
	HeaderSessionID = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"
	HeaderUserID    = "X-Amzn-Bedrock-AgentCore-Runtime-User-Id"

	defaultActorID = "default"
)

// Client-facing error messages. Reasons stay in the logs.
const (
	msgInvalidBody      = "invalid request body"
	msgBodyTooLarge     = "request body too large"
	msgPromptRequired   = "prompt is required"
	msgAgentUnavailable = "agent unavailable"
	msgInvocationFailed = "invocation failed"
)

type invocationRequest struct {
	Prompt    string `json:"prompt"`
	Message   string `json:"message"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
}

// text returns the prompt, accepting "message" as an alias.
func (r invocationRequest) text() string {
	if strings.TrimSpace(r.Prompt) != "" {
		return r.Prompt
	}
	return r.Message
}

type invocationMetadata struct {
	ActorID    string       `json:"actor_id"`
	SessionID  string       `json:"session_id"`
	StopReason string       `json:"stop_reason"`
	Iterations int          `json:"iterations"`
	ToolsUsed  []string     `json:"tools_used,omitempty"`
	Usage      domain.Usage `json:"usage"`
}

type invocationResponse struct {
	Result   string             `json:"result"`
	Metadata invocationMetadata `json:"metadata"`
}

type streamEvent struct {
	Delta   string `json:"delta,omitempty"`
	Event   string `json:"event,omitempty"`
	Tool    string `json:"tool,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func newSessionID() string { return ulid.Make().String() }

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "Healthy"})
}

func (s *Server) handleInvocation(w http.ResponseWriter, r *http.Request) {
	var req invocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	prompt := req.text()
	if strings.TrimSpace(prompt) == "" {
		writeError(w, http.StatusBadRequest, msgPromptRequired)
		return
	}

	sessionID := firstNonEmpty(req.SessionID, r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		sessionID = s.newID()
	}
	actorID := firstNonEmpty(req.ActorID, r.Header.Get(HeaderUserID), defaultActorID)
	logger := s.logger.With("actor_id", actorID, "session_id", sessionID)

	ctx := r.Context()
	agent, err := s.agents(ctx, actorID, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("client went away during agent creation", "error", err)
			return
		}
		logger.Error("agent creation failed", "error", err, "code", domain.ErrorCodeOf(err))
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrModelConstruction) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, msgAgentUnavailable)
		return
	}

	w.Header().Set(HeaderSessionID, sessionID)
	meta := invocationMetadata{ActorID: actorID, SessionID: sessionID}

	if wantsEventStream(r) {
		s.streamInvocation(ctx, w, agent, prompt, meta)
		return
	}

	result, err := agent.Invoke(ctx, prompt, nil)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("invocation failed", "error", err, "code", domain.ErrorCodeOf(err))
		writeError(w, http.StatusInternalServerError, msgInvocationFailed)
		return
	}
	writeJSON(w, http.StatusOK, buildResponse(result, meta))
}

// streamInvocation answers with server-sent events: one per text delta or
// tool transition, then a final event with the result and metadata.
func (s *Server) streamInvocation(ctx context.Context, w http.ResponseWriter, agent Invoker, prompt string, meta invocationMetadata) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	sink := func(ev domain.AgentEvent) error {
		switch ev.Type {
		case domain.AgentEventDelta:
			return send(streamEvent{Delta: ev.Content})
		default:
			return send(streamEvent{Event: string(ev.Type), Tool: ev.Tool, IsError: ev.IsError})
		}
	}

	result, err := agent.Invoke(ctx, prompt, sink)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("invocation failed",
			"actor_id", meta.ActorID, "session_id", meta.SessionID,
			"error", err, "code", domain.ErrorCodeOf(err))
		_ = send(map[string]string{"error": msgInvocationFailed})
		return
	}
	if err := send(buildResponse(result, meta)); err != nil {
		s.logger.Debug("final event not delivered", "session_id", meta.SessionID, "error", err)
	}
}

func buildResponse(result *domain.InvocationResult, meta invocationMetadata) invocationResponse {
	meta.StopReason = result.StopReason
	meta.Iterations = result.Iterations
	meta.ToolsUsed = result.ToolsUsed
	meta.Usage = result.Usage
	return invocationResponse{Result: result.Content, Metadata: meta}
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
