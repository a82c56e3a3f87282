// Package main is the entry point for the mcp-agent binary.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build a Runtime and register its task handlers
//  4. Run the connect/register/heartbeat/dispatch loop until signalled
//  5. Send a best-effort agent_unregister and exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/agentruntime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL         string
	agentID           string
	agentType         string
	capabilities      string
	maxConcurrent     int
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
	collectMetrics    bool
	maxRetries        int
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "mcp-agent",
		Short: "MCP agent — a research worker that connects to an mcp-broker",
		Long: `mcp-agent dials the broker over websocket, registers its declared
capabilities, and executes research tasks the broker dispatches to it,
reconnecting with exponential backoff if the connection drops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("MCP_AGENT_SERVER_URL", "ws://localhost:9000/ws"), "Broker websocket URL")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("MCP_AGENT_ID", defaultAgentID()), "Unique agent id")
	root.PersistentFlags().StringVar(&cfg.agentType, "agent-type", envOrDefault("MCP_AGENT_TYPE", "generic"), "Agent type reported at registration (routing uses --capabilities)")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("MCP_AGENT_CAPABILITIES", "echo,sleep"), "Comma-separated list of task types this agent handles")
	root.PersistentFlags().IntVar(&cfg.maxConcurrent, "max-concurrent", envOrDefaultInt("MCP_AGENT_MAX_CONCURRENT", 1), "Maximum number of tasks this agent runs at once")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultDuration("MCP_AGENT_HEARTBEAT_INTERVAL", 30*time.Second), "Heartbeat interval")
	root.PersistentFlags().DurationVar(&cfg.requestTimeout, "request-timeout", envOrDefaultDuration("MCP_AGENT_REQUEST_TIMEOUT", 30*time.Second), "Timeout for broker-bound requests")
	root.PersistentFlags().BoolVar(&cfg.collectMetrics, "collect-metrics", envOrDefaultBool("MCP_AGENT_COLLECT_METRICS", false), "Attach CPU/memory metrics to each heartbeat")
	root.PersistentFlags().IntVar(&cfg.maxRetries, "max-retries", envOrDefaultInt("MCP_AGENT_MAX_RETRIES", 15), "Consecutive failed reconnect attempts before giving up")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MCP_AGENT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcp-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	caps := splitCSV(cfg.capabilities)

	logger.Info("starting mcp agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.agentID),
		zap.String("agent_type", cfg.agentType),
		zap.Strings("capabilities", caps),
		zap.String("server_url", cfg.serverURL),
	)

	rt := agentruntime.New(agentruntime.Config{
		ServerURL:         cfg.serverURL,
		AgentID:           cfg.agentID,
		AgentType:         cfg.agentType,
		Capabilities:      caps,
		MaxConcurrent:     cfg.maxConcurrent,
		HeartbeatInterval: cfg.heartbeatInterval,
		RequestTimeout:    cfg.requestTimeout,
		CollectMetrics:    cfg.collectMetrics,
		MaxRetries:        cfg.maxRetries,
	}, logger)

	for _, c := range caps {
		switch c {
		case "echo":
			rt.RegisterHandler("echo", agentruntime.EchoHandler)
		case "sleep":
			rt.RegisterHandler("sleep", agentruntime.SleepHandler)
		default:
			logger.Warn("no built-in handler for declared capability, task_request for it will fail", zap.String("capability", c))
		}
	}

	runErr := rt.Run(ctx)
	rt.Unregister()
	return runErr
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func defaultAgentID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "agent-unknown"
	}
	return "agent-" + host
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true")
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
