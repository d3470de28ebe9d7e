package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/infra/logger"
	"stitchlab-agent/internal/infra/tracer"
)

const serviceName = "stitchlab-agent"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Stdin, os.Stdout, os.Getenv(passphraseEnv)); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'stitchlab-agent --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`stitchlab-agent - Bedrock agent runtime with remote tool discovery

USAGE:
    stitchlab-agent [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP runtime (default)
    doctor      Run health checks on your setup
    encrypt     Read a secret from stdin and print its "enc:" form

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (optional; defaults apply when missing)
    Environment: BEDROCK_*, MCP_*, LANGFUSE_* and STITCHLAB_* variables
                 override the file. MODEL_ID and MEMORY_ID are accepted
                 when the BEDROCK_ forms are unset. A .env file next to
                 the config is loaded.
    Secrets:     STITCHLAB_CONFIG_KEY decrypts "enc:" values.

EXAMPLES:
    stitchlab-agent                                  # Run with config.yaml
    stitchlab-agent --config /etc/stitchlab.yaml     # Run with custom config
    echo -n token | stitchlab-agent encrypt          # Encrypt a secret
    stitchlab-agent doctor                           # Check system health`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("STITCHLAB_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfgPath := configPath()
	envFiles, err := config.LoadDotEnv(cfgPath)
	if err != nil {
		return fmt.Errorf("dotenv: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()
	if len(envFiles) > 0 {
		log.Debug("loaded env files", "files", envFiles)
	}

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer, serviceName)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Factory, memory and HTTP shell
	comps, cleanup, err := initComponents(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Warn("memory cleanup failed", "error", err)
		}
	}()

	fc := comps.Factory.Config()
	log.Info("agent runtime configured",
		"model", fc.ModelID,
		"region", fc.Region,
		"memory", comps.Memory,
		"guardrail", fc.Guardrail.Enabled(),
		"remote_tools", fc.RemoteTransport != nil,
		"allowed_remote_tools", fc.AllowedRemoteTools.String(),
		"local_tools", len(fc.LocalTools),
	)

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Warm up in the background; requests retry on failure.
	go warmUp(ctx, comps.Factory, log)

	// 6. Serve
	if err := comps.Gateway.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

const passphraseEnv = "STITCHLAB_CONFIG_KEY"

// runEncrypt reads one secret from in and writes its "enc:" form to out.
func runEncrypt(in io.Reader, out io.Writer, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("%s is not set", passphraseEnv)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return errors.New("empty secret")
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", enc)
	return err
}
