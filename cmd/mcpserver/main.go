// Command mcpserver is a sample remote tool server for local development. It
// serves an "add" tool over MCP streamable HTTP at /mcp, or over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"stitchlab-agent/internal/infra/config"
	"stitchlab-agent/internal/infra/logger"
)

const (
	serverName    = "Simple MCP Server"
	serverVersion = "1.0.0"
)

// CLI is the mcpserver command line.
type CLI struct {
	Addr     string `help:"Listen address for streamable HTTP." default:"0.0.0.0:8000"`
	Stdio    bool   `help:"Serve over stdin/stdout instead of HTTP."`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("mcpserver"),
		kong.Description("Sample MCP tool server serving an add tool."),
		kong.UsageOnError(),
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	_, err = parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := run(cli.Addr, cli.Stdio, cli.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, stdio bool, level string) error {
	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	log, closeLog, err := logger.New(config.LoggerConfig{Level: level, Format: "text", Output: "stderr"}, "mcpserver")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	s := newServer(log)

	if stdio {
		log.Info("serving MCP over stdio")
		return server.ServeStdio(s)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	httpSrv := server.NewStreamableHTTPServer(s, server.WithEndpointPath("/mcp"))
	errCh := make(chan error, 1)
	go func() {
		log.Info("serving MCP over streamable HTTP", "addr", addr, "path", "/mcp")
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("mcp server stopped")
	return nil
}

func newServer(log *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.AddTool(mcp.NewTool("add",
		mcp.WithDescription("Add two numbers together."),
		mcp.WithNumber("a", mcp.Required(), mcp.Description("first addend")),
		mcp.WithNumber("b", mcp.Required(), mcp.Description("second addend")),
	), addHandler(log))
	return s
}

func addHandler(log *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a, err := req.RequireInt("a")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := req.RequireInt("b")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		log.Debug("add", "a", a, "b", b)
		return mcp.NewToolResultText(fmt.Sprint(a + b)), nil
	}
}
