package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the agent runtime.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Agent       AgentConfig       `yaml:"agent"`
	Model       ModelConfig       `yaml:"model"`
	Memory      MemoryConfig      `yaml:"memory"`
	RemoteTools RemoteToolsConfig `yaml:"remote_tools"`
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name    string `yaml:"name"`
	Debug   bool   `yaml:"debug"`
	Verbose bool   `yaml:"verbose"`
}

// AgentConfig holds settings for the assembled agent.
type AgentConfig struct {
	SystemPrompt  string   `yaml:"system_prompt"`
	MaxIterations int      `yaml:"max_iterations"`
	MaxTokens     int      `yaml:"max_tokens"`
	Temperature   float64  `yaml:"temperature"`
	LocalTools    []string `yaml:"local_tools"` // names from the built-in tool catalog
}

// ModelConfig selects and configures the Bedrock model.
type ModelConfig struct {
	ID             string               `yaml:"id"` // model id or registry alias
	Region         string               `yaml:"region"`
	Guardrail      GuardrailConfig      `yaml:"guardrail"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// GuardrailConfig identifies an optional Bedrock guardrail.
type GuardrailConfig struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	Trace   string `yaml:"trace"` // "enabled" or "disabled"
}

// CircuitBreakerConfig holds circuit breaker settings for the model client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// MemoryConfig selects the session memory backend. An empty ID selects the
// in-process store.
type MemoryConfig struct {
	ID           string        `yaml:"id"`
	LocalTTL     time.Duration `yaml:"local_ttl"`
	ReapSchedule string        `yaml:"reap_schedule"` // cron spec
}

// RemoteToolsConfig configures remote tool discovery over MCP.
// An empty Transport disables discovery.
type RemoteToolsConfig struct {
	Transport        string            `yaml:"transport"` // "", "http" or "stdio"
	URL              string            `yaml:"url,omitempty"`
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	AuthToken        string            `yaml:"auth_token,omitempty"`
	Allowed          *[]string         `yaml:"allowed"` // nil: no filter; empty: accept none
	DuplicatePolicy  string            `yaml:"duplicate_policy"`
	DiscoveryTimeout time.Duration     `yaml:"discovery_timeout"`
	CallTimeout      time.Duration     `yaml:"call_timeout"`
}

// ServerConfig holds HTTP shell settings.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	CORS            CORSConfig      `yaml:"cors"`
}

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// PerActor keys buckets by the AgentCore user id header when present.
	PerActor       bool     `yaml:"per_actor"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// CORSConfig lists origins allowed to call the shell from a browser.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "noop", "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	// SampleRatio is the fraction of root traces kept. 0 keeps all of them.
	SampleRatio float64        `yaml:"sample_ratio"`
	Langfuse    LangfuseConfig `yaml:"langfuse"`
}

// DefaultLangfuseHost is used when the langfuse exporter has no host.
const DefaultLangfuseHost = "https://cloud.langfuse.com"

// LangfuseConfig holds the project keys of the langfuse exporter, which
// sends spans to Langfuse's OTLP HTTP endpoint with basic auth.
type LangfuseConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// Configured reports whether both project keys are set.
func (l LangfuseConfig) Configured() bool { return l.PublicKey != "" && l.SecretKey != "" }

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// modelAliases maps registry names to Bedrock model ids.
var modelAliases = map[string]string{
	"CLAUDE3_5_SONNET":  "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"CLAUDE_3_5_SONNET": "anthropic.claude-3-5-sonnet-20240620-v1:0",
	"NOVA_PRO":          "us.amazon.nova-pro-v1:0",
	"QWEN3_480B":        "qwen.qwen3-coder-480b-a35b-v1:0",
}

// ResolveModelID expands a registry alias and strips a leading "bedrock/"
// provider prefix. Unknown values are returned trimmed but otherwise verbatim.
func ResolveModelID(id string) string {
	id = strings.TrimSpace(id)
	if v, ok := modelAliases[strings.ToUpper(id)]; ok {
		id = v
	}
	return strings.TrimPrefix(id, "bedrock/")
}

// ParseAllowList interprets an MCP_TOOLS style value. An empty value means no
// filter (nil). "-" means a filter that accepts nothing. Anything else is a
// comma-separated list of tool names.
func ParseAllowList(v string) *[]string {
	v = strings.TrimSpace(v)
	switch v {
	case "":
		return nil
	case "-":
		return &[]string{}
	}
	names := splitAndTrim(v, ",")
	return &names
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name: "Stitchlab Agent",
		},
		Agent: AgentConfig{
			SystemPrompt:  "You are a helpful assistant. Use the available tools when they help answer the question.",
			MaxIterations: 10,
			MaxTokens:     4096,
			LocalTools:    []string{"subtract", "multiply"},
		},
		Model: ModelConfig{
			ID:     "CLAUDE3_5_SONNET",
			Region: "us-east-1",
			Guardrail: GuardrailConfig{
				Trace: "disabled",
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Memory: MemoryConfig{
			LocalTTL:     time.Hour,
			ReapSchedule: "@every 10m",
		},
		RemoteTools: RemoteToolsConfig{
			DuplicatePolicy:  "prefer_local",
			DiscoveryTimeout: 30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             20,
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			absPath, err := filepath.Abs(path)
			if err != nil {
				return nil, fmt.Errorf("resolve config path: %w", err)
			}
			if err := validatePermissions(absPath); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	cfg.Model.ID = ResolveModelID(cfg.Model.ID)

	if passphrase := os.Getenv("STITCHLAB_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables onto config fields. The
// unprefixed names are the runtime's public contract; STITCHLAB_* names cover
// operational knobs.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APP_NAME"); v != "" {
		cfg.App.Name = v
	}
	if v, ok := envBool("DEBUG"); ok {
		cfg.App.Debug = v
	}
	if v, ok := envBool("VERBOSE"); ok {
		cfg.App.Verbose = v
	}

	if v := os.Getenv("MODEL_ID"); v != "" {
		cfg.Model.ID = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Model.ID = v
	}
	if v := os.Getenv("BEDROCK_REGION"); v != "" {
		cfg.Model.Region = v
	}
	if v := os.Getenv("BEDROCK_GUARDRAIL_ID"); v != "" {
		cfg.Model.Guardrail.ID = v
	}
	if v := os.Getenv("BEDROCK_GUARDRAIL_VER"); v != "" {
		cfg.Model.Guardrail.Version = v
	}
	if v := os.Getenv("BEDROCK_GUARDRAIL_TRACE"); v != "" {
		cfg.Model.Guardrail.Trace = strings.ToLower(v)
	}
	if v := os.Getenv("MEMORY_ID"); v != "" {
		cfg.Memory.ID = v
	}
	if v := os.Getenv("BEDROCK_AGENTCORE_MEMORY_ID"); v != "" {
		cfg.Memory.ID = v
	}

	if v := os.Getenv("MCP_URL"); v != "" {
		cfg.RemoteTools.URL = v
		if cfg.RemoteTools.Transport == "" {
			cfg.RemoteTools.Transport = "http"
		}
	}
	if v, ok := os.LookupEnv("MCP_TOOLS"); ok {
		cfg.RemoteTools.Allowed = ParseAllowList(v)
	}
	if v := os.Getenv("MCP_AUTH_TOKEN"); v != "" {
		cfg.RemoteTools.AuthToken = v
	}

	if v := os.Getenv("STITCHLAB_SYSTEM_PROMPT"); v != "" {
		cfg.Agent.SystemPrompt = v
	}
	if v := os.Getenv("STITCHLAB_LOCAL_TOOLS"); v != "" {
		cfg.Agent.LocalTools = splitAndTrim(v, ",")
	}
	if v := os.Getenv("STITCHLAB_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("STITCHLAB_DUPLICATE_TOOL_POLICY"); v != "" {
		cfg.RemoteTools.DuplicatePolicy = v
	}
	if v := os.Getenv("STITCHLAB_DISCOVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.RemoteTools.DiscoveryTimeout = d
		}
	}
	if v := os.Getenv("STITCHLAB_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STITCHLAB_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("STITCHLAB_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("STITCHLAB_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("STITCHLAB_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("STITCHLAB_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("STITCHLAB_TRACER_SAMPLE_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = r
		}
	}
	if v := os.Getenv("LANGFUSE_PUBLIC_KEY"); v != "" {
		cfg.Tracer.Langfuse.PublicKey = v
	}
	if v := os.Getenv("LANGFUSE_SECRET_KEY"); v != "" {
		cfg.Tracer.Langfuse.SecretKey = v
	}
	if v := os.Getenv("LANGFUSE_HOST"); v != "" {
		cfg.Tracer.Langfuse.Host = v
	}
	// Langfuse keys turn tracing on unless another exporter was chosen.
	if cfg.Tracer.Langfuse.Configured() && (cfg.Tracer.Exporter == "" || cfg.Tracer.Exporter == "noop") {
		cfg.Tracer.Enabled = true
		cfg.Tracer.Exporter = "langfuse"
	}
	if v := os.Getenv("STITCHLAB_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}

	if cfg.App.Debug {
		cfg.Logger.Level = "debug"
	}
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret-bearing fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"remote_tools.auth_token":    &cfg.RemoteTools.AuthToken,
		"tracer.langfuse.secret_key": &cfg.Tracer.Langfuse.SecretKey,
	}
	for k := range cfg.RemoteTools.Headers {
		v := cfg.RemoteTools.Headers[k]
		if !strings.HasPrefix(v, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("remote_tools.headers.%s: %w", k, err)
		}
		cfg.RemoteTools.Headers[k] = decrypted
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
