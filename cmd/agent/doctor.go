package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"stitchlab-agent/internal/adapter/llm"
	"stitchlab-agent/internal/adapter/tool"
	"stitchlab-agent/internal/domain"
	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/usecase"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 15 * time.Second

var configNotLoaded = CheckResult{
	Status:  StatusFail,
	Message: "cannot check, config not loaded",
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()
	if _, err := config.LoadDotEnv(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)
	quiet := slog.New(slog.DiscardHandler)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Model", Fn: checkModel},
		{Name: "AWS credentials", Fn: checkModelCredentials(bedrockModelBuild(quiet))},
		{Name: "Memory backend", Fn: checkMemoryBackend},
		{Name: "Local tools", Fn: checkLocalTools(quiet)},
		{Name: "Remote tools", Fn: checkRemoteTools(mcpTransportFor(quiet))},
		{Name: "Listen address", Fn: checkListenAddr},
	}
	return printReport(os.Stdout, checks, cfg)
}

func printReport(w io.Writer, checks []Check, cfg *config.Config) error {
	fmt.Fprintln(w, "stitchlab-agent doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Fprintln(w, "\nFix the FAIL issues above before serving traffic.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Fprintln(w, "\nThe runtime should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(w, "\nAll checks passed.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports on the config file. A missing file is only a
// warning since defaults and environment variables are enough to run.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				return CheckResult{
					Status:  StatusFail,
					Message: fmt.Sprintf("%d validation error(s): %s", len(ve.Errors), strings.Join(ve.Errors, "; ")),
					Fix:     "Correct the listed fields in config.yaml or the environment",
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config load error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600)",
			}
		}

		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
				Fix:     "Create config.yaml or pass --config to pin settings",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkModel(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	msg := fmt.Sprintf("%s in %s", cfg.Model.ID, cfg.Model.Region)
	if g := cfg.Model.Guardrail; g.ID != "" {
		msg += fmt.Sprintf(", guardrail %s v%s (trace %s)", g.ID, g.Version, g.Trace)
	}
	if !cfg.Model.CircuitBreaker.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: msg + ", circuit breaker disabled",
			Fix:     "Enable model.circuit_breaker to shed load when Bedrock is failing",
		}
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

// modelBuildFunc builds a model client for spec, resolving credentials.
type modelBuildFunc func(ctx context.Context, region string, spec domain.ModelSpec) error

func bedrockModelBuild(log *slog.Logger) modelBuildFunc {
	return func(ctx context.Context, region string, spec domain.ModelSpec) error {
		_, err := llm.NewBedrockBuilder(region, log, llm.WithCredentialCheck()).BuildModel(ctx, spec)
		return err
	}
}

func checkModelCredentials(build modelBuildFunc) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return configNotLoaded
		}
		ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
		defer cancel()

		spec := domain.ModelSpec{
			ModelID:   cfg.Model.ID,
			Trace:     domain.GuardrailTrace(cfg.Model.Guardrail.Trace),
			Guardrail: domain.Guardrail{ID: cfg.Model.Guardrail.ID, Version: cfg.Model.Guardrail.Version},
		}
		if err := build(ctx, cfg.Model.Region, spec); err != nil {
			fix := "Check the model id and guardrail settings"
			if errors.Is(err, domain.ErrAuthInvalid) {
				fix = "Configure AWS credentials (AWS_PROFILE, AWS_ACCESS_KEY_ID or an instance role)"
			}
			return CheckResult{
				Status:  StatusFail,
				Message: err.Error(),
				Fix:     fix,
			}
		}
		return CheckResult{Status: StatusPass, Message: "credentials resolved"}
	}
}

func checkMemoryBackend(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if cfg.Memory.ID != "" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("AgentCore memory %s", cfg.Memory.ID),
		}
	}
	if cfg.Memory.LocalTTL == 0 || cfg.Memory.ReapSchedule == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "in-process memory without expiry, sessions grow until restart",
			Fix:     "Set memory.local_ttl and memory.reap_schedule, or MEMORY_ID for AgentCore",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("in-process memory, ttl %s, reaped %s", cfg.Memory.LocalTTL, cfg.Memory.ReapSchedule),
	}
}

func checkLocalTools(log *slog.Logger) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return configNotLoaded
		}
		catalog := tool.Builtins(log)
		if _, err := catalog.Select(cfg.Agent.LocalTools); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: err.Error(),
				Fix:     fmt.Sprintf("agent.local_tools must name distinct built-in tools: %s", strings.Join(catalog.Names(), ", ")),
			}
		}
		if len(cfg.Agent.LocalTools) == 0 {
			return CheckResult{Status: StatusWarn, Message: "no local tools configured"}
		}
		return CheckResult{Status: StatusPass, Message: strings.Join(cfg.Agent.LocalTools, ", ")}
	}
}

// transportFactory opens a remote tool transport from config.
type transportFactory func(cfg config.RemoteToolsConfig) (domain.RemoteToolTransport, error)

func mcpTransportFor(log *slog.Logger) transportFactory {
	return func(cfg config.RemoteToolsConfig) (domain.RemoteToolTransport, error) {
		t, err := tool.NewMCPTransport(cfg, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func checkRemoteTools(newTransport transportFactory) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return configNotLoaded
		}
		rt := cfg.RemoteTools
		if rt.Transport == "" {
			return CheckResult{
				Status:  StatusWarn,
				Message: "remote tool discovery disabled",
				Fix:     "Set MCP_URL (or remote_tools.transport) to discover remote tools",
			}
		}

		transport, err := newTransport(rt)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}

		timeout := rt.DiscoveryTimeout
		if timeout <= 0 || timeout > doctorTimeout {
			timeout = doctorTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		session, err := transport.Open(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("connect %s: %v", transport.Name(), err),
				Fix:     "Check that the MCP server is running and reachable",
			}
		}
		defer session.Close()

		infos, err := session.ListTools(ctx)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("list tools on %s: %v", transport.Name(), err),
			}
		}

		filter := usecase.AllowAll()
		if rt.Allowed != nil {
			filter = usecase.AllowOnly(*rt.Allowed...)
		}
		var kept int
		for _, info := range infos {
			if filter.Allows(info.Name) {
				kept++
			}
		}
		msg := fmt.Sprintf("%d tool(s) on %s, %d allowed by %s", len(infos), transport.Name(), kept, filter)
		if kept == 0 {
			return CheckResult{
				Status:  StatusWarn,
				Message: msg,
				Fix:     "Check MCP_TOOLS against the server's tool names",
			}
		}
		return CheckResult{Status: StatusPass, Message: msg}
	}
}

func checkListenAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Server.Addr, err),
			Fix:     "Stop the process holding the port or change server.addr",
		}
	}
	_ = ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.Server.Addr)}
}
