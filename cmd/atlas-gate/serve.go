package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlas-gate/atlas-gate/internal/audit"
	"github.com/atlas-gate/atlas-gate/internal/bootstrap"
	"github.com/atlas-gate/atlas-gate/internal/config"
	"github.com/atlas-gate/atlas-gate/internal/mcp"
	"github.com/atlas-gate/atlas-gate/internal/session"
	"github.com/atlas-gate/atlas-gate/internal/tools/gatetools"
)

var serveHTTP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	Long: `Run the ATLAS-GATE MCP server over stdio (default) or Streamable
HTTP (--http), per the server's atlas-gate.toml transport configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveHTTP, "http", false, "serve over Streamable HTTP instead of stdio")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveHTTP {
		cfg.Transport.Mode = "http"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	version := cfg.Server.Version
	if Version != "dev" {
		version = Version
	}

	logger.Info("starting atlas-gate", "version", version, "transport", cfg.Transport.Mode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions := session.NewManager()

	// The workspace root isn't known until begin_session resolves one, so
	// the log starts unbound; the dispatcher binds it to the session's
	// AuditLogPath on first successful call.
	auditLog := audit.New("", cfg.Audit.LockTimeout)

	verifier := bootstrap.NewVerifier(cfg.Bootstrap.Secret, cfg.Bootstrap.MaxClockSkew)

	registry := mcp.NewRegistry()
	registry.Register(gatetools.NewBeginSession(sessions))
	registry.Register(gatetools.NewReadPrompt())
	registry.Register(gatetools.NewListPlans(sessions))
	registry.Register(gatetools.NewReadFile(sessions))
	registry.Register(gatetools.NewWriteFile(sessions, cfg.Workspace.IntentExemptGlobs))
	registry.Register(gatetools.NewLintPlan())
	registry.Register(gatetools.NewBootstrapPlan(sessions, verifier))
	registry.Register(gatetools.NewReadAuditLog(sessions))
	registry.Register(gatetools.NewVerifyIntegrity(sessions))

	server := mcp.NewServer(registry, mcp.ServerInfo{
		Name:    cfg.Server.Name,
		Version: version,
	}, logger, sessions, auditLog)

	if cfg.Transport.Mode == "http" {
		httpServer := mcp.NewHTTPServer(server, cfg.Transport.CORSOrigins, logger)
		addr := cfg.Transport.Host + ":" + cfg.Transport.Port
		logger.Info("listening", "addr", addr)
		return http.ListenAndServe(addr, httpServer.Handler())
	}

	return server.Run(ctx)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
