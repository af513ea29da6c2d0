// Relaywork MCP server.
// Stdio for the local agent, streamable HTTP for remote agents, metrics and the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/dashboard"
	"github.com/jaakkos/relaywork/internal/policy"
	"github.com/jaakkos/relaywork/internal/tools/mesh"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const logPrefix = "[relaywork] "

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("relaywork " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, logPrefix, log.LstdFlags|log.Lshortfile)
	configPath := policy.ConfigPath()
	cfg := loadConfig(configPath, tmpLogger)
	pol := policy.New(cfg)

	logger := setupLogger(pol.LogFile())
	logger.Println("Starting relaywork server...")
	logger.Printf("Log file: %s", pol.LogFile())
	logger.Printf("Workspace root: %s", cfg.WorkspaceRoot)
	logger.Printf("Broker: %s (registry bucket %s)", pol.NATSURL(), pol.Namespace())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := broker.Connect(connectCtx, pol.NATSURL(), logger, broker.WithName("relaywork-"+app.LocalHostname()))
	connectCancel()
	if err != nil {
		logger.Fatalf("Broker: %v", err)
	}

	svc := app.NewService(client, pol, logger)
	if err := svc.Initialize(ctx); err != nil {
		logger.Fatalf("Registry: %v", err)
	}

	sessions := app.NewSessionRegistry()

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})
	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		logger.Printf("Client session registered: %s", session.SessionID())
	})
	// A client that disconnects without deregister_agent goes offline here.
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		sid := session.SessionID()
		sess := sessions.RemoveSession(sid)
		if sess == nil {
			logger.Printf("Client session unregistered: %s", sid)
			return
		}
		guid := sess.GUID()
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if err := sess.Deregister(dctx); err != nil {
			logger.Printf("Client session %s: deregister %s: %v", sid, guid, err)
		}
		logger.Printf("Client session unregistered: %s (agent=%s)", sid, guid)
	})

	mcpServer := server.NewMCPServer(
		"relaywork",
		Version,
		server.WithInstructions(mesh.InstructionsText()),
		server.WithToolHandlerMiddleware(mesh.UnreadMiddleware(sessions)),
		server.WithToolHandlerMiddleware(mesh.ToolGateMiddleware(pol)),
		server.WithToolFilter(mesh.ToolFilter(pol)),
		server.WithHooks(hooks),
		server.WithResourceCapabilities(false, true),
	)
	mesh.Register(mcpServer, svc, sessions, logger)

	pushFunc := func(sessionID, method string, params any) error {
		return mcpServer.SendNotificationToSpecificClient(sessionID, method, map[string]any{"params": params})
	}
	notifier := app.NewNotifier(svc.Directory(), sessions, pushFunc, logger)
	svc.SetNotifier(notifier)
	go notifier.Start(ctx)

	go func() {
		err := policy.Watch(ctx, configPath, logger, func(next *policy.Config) {
			if next.WorkspaceRoot == "" {
				next.WorkspaceRoot = cfg.WorkspaceRoot
			}
			pol.Apply(next)
			for _, b := range sessions.Sessions() {
				b.Session.ApplyPolicy()
			}
		})
		if err != nil {
			logger.Printf("Config watcher disabled: %v", err)
		}
	}()

	httpShutdown := func() {}
	if port := pol.HTTPPort(); port > 0 {
		httpShutdown = startHTTPServer(mcpServer, svc, sessions, port, logger)
	}

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	stdioSrv.SetErrorLogger(logger)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	httpShutdown()
	notifier.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, b := range sessions.Sessions() {
		if err := b.Session.Deregister(shutdownCtx); err != nil {
			logger.Printf("Warning: deregister %s: %v", b.Session.GUID(), err)
		}
	}
	if err := client.Close(); err != nil {
		logger.Printf("Warning: close broker connection: %v", err)
	}

	logger.Println("Server stopped")
}

// startHTTPServer serves streamable MCP, health, metrics and the dashboard in the
// background. Returns a shutdown function.
func startHTTPServer(mcpServer *server.MCPServer, svc *app.Service, sessions *app.SessionRegistry, port int, logger *log.Logger) func() {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Fatalf("HTTP listen: %v", err)
	}
	actualPort := ln.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://localhost:%d", actualPort)

	logger.Printf("HTTP server on :%d", actualPort)
	logger.Printf("  Agents connect at: %s/mcp", baseURL)
	logger.Printf("  Dashboard:         %s/dashboard", baseURL)
	logger.Printf("  Metrics:           %s/metrics", baseURL)

	streamSrv := server.NewStreamableHTTPServer(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", streamSrv)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := "ok"
		if !svc.Connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			status = "broker_disconnected"
		}
		fmt.Fprintf(w, `{"status":%q,"port":%d,"agents":%d}`, status, actualPort, sessions.AgentCount())
	})
	dashboard.NewHandler(svc, sessions).RegisterRoutes(mux)

	httpServer := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpServer.Serve(ln); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger creates a logger that writes to a log file and, when stderr is an
// interactive terminal, to stderr as well.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "%sWarning: cannot open log file %s: %v\n", logPrefix, logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "%sWarning: cannot create log dir %s: %v\n", logPrefix, filepath.Dir(logFilePath), err)
		}
	}

	// stdout carries the stdio transport, so stderr is the only console output.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), logPrefix, log.LstdFlags|log.Lshortfile)
}

// loadConfig loads path or defaults and fills the workspace root from the working directory.
func loadConfig(path string, logger *log.Logger) *policy.Config {
	cfg, err := policy.LoadOrDefault(path)
	if err != nil {
		logger.Printf("Warning: failed to load config %s: %v, using defaults", path, err)
		cfg = policy.DefaultConfig()
		policy.ApplyEnv(cfg)
	}
	if cfg.WorkspaceRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		cfg.WorkspaceRoot = cwd
	}
	return cfg
}
