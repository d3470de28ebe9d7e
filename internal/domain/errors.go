package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the agent bootstrap path.
var (
	// Fatal to factory initialization: no agent can run without a model.
	ErrModelConstruction = fmt.Errorf("model client construction failed")
	// Degraded: the remote tool source is unusable, local tools still apply.
	ErrRemoteDiscovery = fmt.Errorf("remote tool discovery failed")
	// Per-request failures.
	ErrSessionInit   = fmt.Errorf("session memory initialization failed")
	ErrAgentAssembly = fmt.Errorf("agent assembly failed")

	ErrDuplicateTool       = fmt.Errorf("duplicate tool name")
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrToolFailure         = fmt.Errorf("tool execution failed")
	ErrMaxIterations       = fmt.Errorf("agent reached max iterations")
	ErrMemoryStore         = fmt.Errorf("memory store failed")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrGuardrailIntervened = fmt.Errorf("guardrail intervened")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "AgentFactory.CreateAgent")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderError) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeModelConstruction  ErrorCode = "MODEL_CONSTRUCTION"
	CodeRemoteDiscovery    ErrorCode = "REMOTE_DISCOVERY"
	CodeSessionInit        ErrorCode = "SESSION_INIT"
	CodeAgentAssembly      ErrorCode = "AGENT_ASSEMBLY"
	CodeDuplicateTool      ErrorCode = "DUPLICATE_TOOL"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeMemoryStore        ErrorCode = "MEMORY_STORE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeGuardrail          ErrorCode = "GUARDRAIL_INTERVENED"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:            CodeNotFound,
	ErrDuplicate:           CodeDuplicate,
	ErrTimeout:             CodeTimeout,
	ErrInvalidInput:        CodeInvalidInput,
	ErrProviderError:       CodeProviderError,
	ErrModelConstruction:   CodeModelConstruction,
	ErrRemoteDiscovery:     CodeRemoteDiscovery,
	ErrSessionInit:         CodeSessionInit,
	ErrAgentAssembly:       CodeAgentAssembly,
	ErrDuplicateTool:       CodeDuplicateTool,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolFailure:         CodeToolFailure,
	ErrMaxIterations:       CodeMaxIterations,
	ErrMemoryStore:         CodeMemoryStore,
	ErrConfigLoad:          CodeConfigLoad,
	ErrGuardrailIntervened: CodeGuardrail,
	ErrContextOverflow:     CodeContextOverflow,
	ErrRateLimit:           CodeRateLimit,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrCircuitOpen:         CodeCircuitOpen,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
