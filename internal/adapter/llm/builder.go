package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/infra/metrics"
)

// awsConfigLoader resolves AWS settings for a region.
type awsConfigLoader func(ctx context.Context, region string) (aws.Config, error)

func loadDefaultAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// BedrockBuilder constructs Bedrock model clients. The AWS configuration is
// resolved once and reused by every model it builds.
type BedrockBuilder struct {
	region            string
	breaker           config.CircuitBreakerConfig
	verifyCredentials bool
	logger            *slog.Logger
	metrics           *metrics.Collector

	load      awsConfigLoader
	newClient func(aws.Config) bedrockConverseAPI

	mu     sync.Mutex
	awsCfg *aws.Config
}

// BuilderOption customizes a BedrockBuilder.
type BuilderOption func(*BedrockBuilder)

// WithCircuitBreaker wraps every built model in a circuit breaker.
func WithCircuitBreaker(cfg config.CircuitBreakerConfig) BuilderOption {
	return func(b *BedrockBuilder) { b.breaker = cfg }
}

// WithCredentialCheck makes BuildModel fail when no AWS credentials resolve.
func WithCredentialCheck() BuilderOption {
	return func(b *BedrockBuilder) { b.verifyCredentials = true }
}

// WithMetrics records model request metrics.
func WithMetrics(m *metrics.Collector) BuilderOption {
	return func(b *BedrockBuilder) { b.metrics = m }
}

// NewBedrockBuilder returns a builder for models in region.
func NewBedrockBuilder(region string, logger *slog.Logger, opts ...BuilderOption) *BedrockBuilder {
	b := &BedrockBuilder{
		region: region,
		logger: logger,
		load:   loadDefaultAWSConfig,
		newClient: func(cfg aws.Config) bedrockConverseAPI {
			return bedrockruntime.NewFromConfig(cfg)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildModel validates spec and returns a ready model client.
func (b *BedrockBuilder) BuildModel(ctx context.Context, spec domain.ModelSpec) (domain.ModelClient, error) {
	if strings.TrimSpace(spec.ModelID) == "" || strings.ContainsAny(spec.ModelID, " \t\n") {
		return nil, fmt.Errorf("%w: model id %q", domain.ErrInvalidInput, spec.ModelID)
	}
	if spec.Trace != "" && !spec.Trace.Valid() {
		return nil, fmt.Errorf("%w: guardrail trace %q", domain.ErrInvalidInput, spec.Trace)
	}
	if (spec.Guardrail.ID == "") != (spec.Guardrail.Version == "") {
		return nil, fmt.Errorf("%w: guardrail id and version must be set together", domain.ErrInvalidInput)
	}

	awsCfg, err := b.awsConfig(ctx)
	if err != nil {
		return nil, err
	}

	model := newBedrockModel(spec, b.newClient(awsCfg), b.logger, b.metrics)
	b.logger.Info("bedrock model ready",
		"model", spec.ModelID,
		"region", awsCfg.Region,
		"guardrail", spec.Guardrail.Enabled(),
	)
	if !b.breaker.Enabled {
		return model, nil
	}
	return NewCircuitBreakerModel(model, b.breaker, b.logger, b.metrics), nil
}

func (b *BedrockBuilder) awsConfig(ctx context.Context) (aws.Config, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.awsCfg != nil {
		return *b.awsCfg, nil
	}

	cfg, err := b.load(ctx, b.region)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if b.verifyCredentials {
		if cfg.Credentials == nil {
			return aws.Config{}, fmt.Errorf("%w: no aws credentials provider", domain.ErrAuthInvalid)
		}
		if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
			return aws.Config{}, fmt.Errorf("%w: retrieve aws credentials: %v", domain.ErrAuthInvalid, err)
		}
	}
	b.awsCfg = &cfg
	return cfg, nil
}
