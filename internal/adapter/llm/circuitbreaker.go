package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/infra/metrics"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerModel wraps a ModelClient with circuit breaker protection.
// After repeated backend failures the circuit opens and calls fail fast with
// domain.ErrCircuitOpen until a half-open trial request succeeds.
type CircuitBreakerModel struct {
	inner   domain.ModelClient
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerModel wraps inner. Zero-valued settings fall back to
// defaults. State changes are logged and exported through m, which may be nil.
func NewCircuitBreakerModel(inner domain.ModelClient, cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Collector) *CircuitBreakerModel {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "model:" + inner.Name(),
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.CircuitState(inner.Name(), int(to))
			logger.Warn("model circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller-side problems say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrContextOverflow) ||
				errors.Is(err, domain.ErrInvalidInput)
		},
	})

	m.CircuitState(inner.Name(), int(gobreaker.StateClosed))
	return &CircuitBreakerModel{inner: inner, breaker: cb}
}

// Chat implements domain.ModelClient.
func (p *CircuitBreakerModel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, p.wrap(err)
	}
	return resp, nil
}

// ChatStream implements domain.StreamingModelClient. Only stream setup counts
// toward the breaker; errors surfacing mid-stream arrive on the channel.
func (p *CircuitBreakerModel) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingModelClient)
	if !ok {
		return nil, fmt.Errorf("model %q does not support streaming", p.inner.Name())
	}

	var ch <-chan domain.StreamDelta
	_, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = sp.ChatStream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		return nil, p.wrap(err)
	}
	return ch, nil
}

func (p *CircuitBreakerModel) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("model %q: %w: %v", p.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return err
}

// Name implements domain.ModelClient.
func (p *CircuitBreakerModel) Name() string { return p.inner.Name() }

// Unwrap returns the protected model.
func (p *CircuitBreakerModel) Unwrap() domain.ModelClient { return p.inner }

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerModel) State() gobreaker.State {
	return p.breaker.State()
}

var (
	_ domain.StreamingModelClient = (*BedrockModel)(nil)
	_ domain.StreamingModelClient = (*CircuitBreakerModel)(nil)
)
