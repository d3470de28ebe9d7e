package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateModel(cfg, ve)
	validateMemory(cfg, ve)
	validateRemoteTools(cfg, ve)
	validateServer(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if cfg.Agent.MaxTokens < 0 {
		ve.Add("agent.max_tokens must be >= 0")
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 1 {
		ve.Add("agent.temperature must be between 0 and 1")
	}
	seen := make(map[string]bool, len(cfg.Agent.LocalTools))
	for _, name := range cfg.Agent.LocalTools {
		if seen[name] {
			ve.Add("agent.local_tools: duplicate tool %q", name)
		}
		seen[name] = true
	}
}

func validateModel(cfg *Config, ve *ValidationError) {
	if cfg.Model.ID == "" {
		ve.Add("model.id is required (set BEDROCK_MODEL_ID)")
	}
	if cfg.Model.Region == "" {
		ve.Add("model.region is required (set BEDROCK_REGION)")
	}
	g := cfg.Model.Guardrail
	if (g.ID == "") != (g.Version == "") {
		ve.Add("model.guardrail.id and model.guardrail.version must be set together")
	}
	switch g.Trace {
	case "enabled", "disabled":
	default:
		ve.Add("model.guardrail.trace must be \"enabled\" or \"disabled\", got %q", g.Trace)
	}
	if cb := cfg.Model.CircuitBreaker; cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("model.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("model.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateMemory(cfg *Config, ve *ValidationError) {
	if cfg.Memory.ID != "" {
		return
	}
	if cfg.Memory.LocalTTL < 0 {
		ve.Add("memory.local_ttl must be >= 0")
	}
	if cfg.Memory.ReapSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Memory.ReapSchedule); err != nil {
			ve.Add("memory.reap_schedule %q: %v", cfg.Memory.ReapSchedule, err)
		}
	}
}

var validDuplicatePolicies = map[string]bool{
	"prefer_local":  true,
	"prefer_remote": true,
	"reject":        true,
}

func validateRemoteTools(cfg *Config, ve *ValidationError) {
	rt := cfg.RemoteTools
	switch rt.Transport {
	case "":
		return
	case "http":
		if rt.URL == "" {
			ve.Add("remote_tools.url is required for http transport (set MCP_URL)")
		} else if u, err := url.Parse(rt.URL); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("remote_tools.url %q is not a valid URL", rt.URL)
		}
	case "stdio":
		if rt.Command == "" {
			ve.Add("remote_tools.command is required for stdio transport")
		}
	default:
		ve.Add("remote_tools.transport must be \"http\" or \"stdio\", got %q", rt.Transport)
	}
	if !validDuplicatePolicies[rt.DuplicatePolicy] {
		ve.Add("remote_tools.duplicate_policy %q is invalid (want prefer_local, prefer_remote or reject)", rt.DuplicatePolicy)
	}
	if rt.DiscoveryTimeout <= 0 {
		ve.Add("remote_tools.discovery_timeout must be > 0")
	}
	if rt.CallTimeout <= 0 {
		ve.Add("remote_tools.call_timeout must be > 0")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", cfg.Server.Addr)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			ve.Add("server.rate_limit.requests_per_second must be > 0 when enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when enabled")
		}
	}
}

func validateObservability(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "noop", "stdout", "":
		case "otlp":
			if cfg.Tracer.Endpoint == "" {
				ve.Add("tracer.endpoint is required for the otlp exporter")
			}
		case "langfuse":
			if !cfg.Tracer.Langfuse.Configured() {
				ve.Add("tracer.langfuse.public_key and secret_key are required for the langfuse exporter")
			}
			if h := cfg.Tracer.Langfuse.Host; h != "" {
				if u, err := url.Parse(h); err != nil || u.Scheme == "" || u.Host == "" {
					ve.Add("tracer.langfuse.host must be an absolute URL, got %q", h)
				}
			}
		default:
			ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
		}
		if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
			ve.Add("tracer.sample_ratio must be between 0 and 1, got %g", r)
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		ve.Add("metrics.path must start with /")
	}
}
