package usecase

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"stitchlab-agent/internal/domain"
)

// Defaults applied by NewFactoryConfig.
const (
	DefaultDiscoveryTimeout  = 30 * time.Second
	DefaultRemoteCallTimeout = 30 * time.Second
	DefaultMaxIterations     = 10
)

// ToolFilter selects remote tools by name. The zero value allows every tool;
// AllowOnly with no names allows none.
type ToolFilter struct {
	restricted bool
	names      map[string]struct{}
}

// AllowAll returns a filter that keeps every discovered tool.
func AllowAll() ToolFilter { return ToolFilter{} }

// AllowOnly returns a filter that keeps only the named tools.
func AllowOnly(names ...string) ToolFilter {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return ToolFilter{restricted: true, names: set}
}

// Allows reports whether a tool named name passes the filter.
func (f ToolFilter) Allows(name string) bool {
	if !f.restricted {
		return true
	}
	_, ok := f.names[name]
	return ok
}

// Restricted reports whether the filter is an explicit allow-list.
func (f ToolFilter) Restricted() bool { return f.restricted }

// Names returns the allow-list in sorted order, or nil for AllowAll.
func (f ToolFilter) Names() []string {
	if !f.restricted {
		return nil
	}
	out := make([]string, 0, len(f.names))
	for n := range f.names {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (f ToolFilter) String() string {
	if !f.restricted {
		return "*"
	}
	return "[" + strings.Join(f.Names(), ",") + "]"
}

// DuplicatePolicy decides which tool survives when a remote and a local tool
// share a name.
type DuplicatePolicy string

const (
	PreferLocal      DuplicatePolicy = "prefer_local"
	PreferRemote     DuplicatePolicy = "prefer_remote"
	RejectDuplicates DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy parses s; the empty string selects PreferLocal.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(s); p {
	case "":
		return PreferLocal, nil
	case PreferLocal, PreferRemote, RejectDuplicates:
		return p, nil
	default:
		return "", fmt.Errorf("%w: duplicate policy %q", domain.ErrInvalidInput, s)
	}
}

// FactoryConfig is everything an AgentFactory needs. Build it with
// NewFactoryConfig; the factory only fills unset defaults.
type FactoryConfig struct {
	ModelID        string
	MemoryID       string
	Region         string
	Guardrail      domain.Guardrail
	GuardrailTrace domain.GuardrailTrace

	// RemoteTransport is nil when remote discovery is disabled.
	RemoteTransport    domain.RemoteToolTransport
	AllowedRemoteTools ToolFilter
	DuplicatePolicy    DuplicatePolicy
	DiscoveryTimeout   time.Duration
	RemoteCallTimeout  time.Duration

	LocalTools   []domain.Tool
	SystemPrompt string

	MaxIterations int
	MaxTokens     int
	Temperature   float64
}

// NewFactoryConfig validates cfg and returns a normalized copy.
func NewFactoryConfig(cfg FactoryConfig) (FactoryConfig, error) {
	var errs []error

	cfg.ModelID = strings.TrimSpace(cfg.ModelID)
	if cfg.ModelID == "" {
		errs = append(errs, errors.New("model id is required"))
	}
	if (cfg.Guardrail.ID == "") != (cfg.Guardrail.Version == "") {
		errs = append(errs, errors.New("guardrail id and version must be set together"))
	}
	if cfg.GuardrailTrace != "" && !cfg.GuardrailTrace.Valid() {
		errs = append(errs, fmt.Errorf("guardrail trace %q must be enabled or disabled", cfg.GuardrailTrace))
	}

	policy, err := ParseDuplicatePolicy(string(cfg.DuplicatePolicy))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.DuplicatePolicy = policy

	seen := make(map[string]bool, len(cfg.LocalTools))
	for i, t := range cfg.LocalTools {
		if t == nil {
			errs = append(errs, fmt.Errorf("local tool %d is nil", i))
			continue
		}
		if seen[t.Name()] {
			errs = append(errs, fmt.Errorf("%w: local tool %q", domain.ErrDuplicateTool, t.Name()))
		}
		seen[t.Name()] = true
	}
	cfg.LocalTools = slices.Clone(cfg.LocalTools)

	if cfg.DiscoveryTimeout < 0 || cfg.RemoteCallTimeout < 0 {
		errs = append(errs, errors.New("remote tool timeouts must not be negative"))
	}
	if cfg.MaxIterations < 0 {
		errs = append(errs, errors.New("max iterations must not be negative"))
	}
	cfg = cfg.withDefaults()

	if len(errs) > 0 {
		return FactoryConfig{}, domain.NewDomainError("NewFactoryConfig", domain.ErrInvalidInput,
			strings.ReplaceAll(errors.Join(errs...).Error(), "\n", "; "))
	}
	return cfg, nil
}

// withDefaults fills unset timeouts, iteration limit and duplicate policy.
func (c FactoryConfig) withDefaults() FactoryConfig {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.RemoteCallTimeout <= 0 {
		c.RemoteCallTimeout = DefaultRemoteCallTimeout
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = PreferLocal
	}
	return c
}

func (c FactoryConfig) modelSpec() domain.ModelSpec {
	return domain.ModelSpec{
		ModelID:   c.ModelID,
		Trace:     c.GuardrailTrace,
		Guardrail: c.Guardrail,
	}
}
