package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pzanna/mcp-broker/internal/broker"
	"github.com/pzanna/mcp-broker/internal/store/sqlitestore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	listenAddr   string
	strategy     string
	pollInterval time.Duration
	livenessInt  time.Duration
	livenessTO   time.Duration
	unhealthyGrace time.Duration
	timeoutSweep   time.Duration
	retention    time.Duration
	decayInt     time.Duration
	metricsAddr  string
	storeDriver  string
	storeDSN     string
	logLevel     string
	logPath      string

	maxConcurrentTasks int
	maxQueueSize       int
	taskTimeoutSecs    int
	retryAttempts      int
	pingTimeoutSecs    int

	breakerEnabled      bool
	breakerThreshold    int
	breakerCooldownSecs int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "mcp-broker",
		Short: "MCP broker — coordination fabric for a multi-agent research platform",
		Long: `mcp-broker accepts websocket connections from research agents, admits and
schedules research tasks across them, and load-balances dispatch according
to a configurable strategy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("MCP_BROKER_LISTEN_ADDR", ":9000"), "Websocket listen address")
	root.PersistentFlags().StringVar(&cfg.strategy, "strategy", envOrDefault("MCP_BROKER_STRATEGY", "adaptive"), "Load balancing strategy (round_robin, least_loaded, fastest, healthiest, adaptive)")
	root.PersistentFlags().DurationVar(&cfg.pollInterval, "dispatch-poll-interval", envOrDefaultDuration("MCP_BROKER_DISPATCH_POLL_INTERVAL", 100*time.Millisecond), "How often the dispatcher drains the ready queue")
	root.PersistentFlags().DurationVar(&cfg.livenessInt, "liveness-interval", envOrDefaultDuration("MCP_BROKER_LIVENESS_INTERVAL", 15*time.Second), "How often the liveness sweep runs")
	root.PersistentFlags().DurationVar(&cfg.livenessTO, "liveness-timeout", envOrDefaultDuration("MCP_BROKER_LIVENESS_TIMEOUT", 60*time.Second), "How old a heartbeat must be to mark an agent unhealthy")
	root.PersistentFlags().DurationVar(&cfg.retention, "task-retention", envOrDefaultDuration("MCP_BROKER_TASK_RETENTION", 24*time.Hour), "How long terminal tasks are kept before eviction")
	root.PersistentFlags().DurationVar(&cfg.decayInt, "metrics-decay-interval", envOrDefaultDuration("MCP_BROKER_METRICS_DECAY_INTERVAL", time.Minute), "How often load-balancer metrics decay toward neutral")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("MCP_BROKER_METRICS_ADDR", ""), "Prometheus /metrics listen address (empty disables it)")
	root.PersistentFlags().StringVar(&cfg.storeDriver, "store-driver", envOrDefault("MCP_BROKER_STORE_DRIVER", "none"), "Persistence backend: none or sqlite")
	root.PersistentFlags().StringVar(&cfg.storeDSN, "store-dsn", envOrDefault("MCP_BROKER_STORE_DSN", "./mcp-broker.db"), "sqlite DSN, when store-driver=sqlite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("MCP_BROKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.logPath, "log-path", envOrDefault("MCP_BROKER_LOG_PATH", ""), "Additional file path to write logs to (empty disables it)")

	root.PersistentFlags().DurationVar(&cfg.unhealthyGrace, "unhealthy-grace", envOrDefaultDuration("MCP_BROKER_UNHEALTHY_GRACE", 60*time.Second), "How long an unhealthy agent is kept before it's unregistered")
	root.PersistentFlags().DurationVar(&cfg.timeoutSweep, "timeout-sweep-interval", envOrDefaultDuration("MCP_BROKER_TIMEOUT_SWEEP_INTERVAL", 10*time.Second), "How often dispatched tasks are checked against their deadline")

	root.PersistentFlags().IntVar(&cfg.maxConcurrentTasks, "max-concurrent-tasks", envOrDefaultInt("MCP_BROKER_MAX_CONCURRENT_TASKS", 100), "Soft cap on concurrently dispatched tasks, surfaced via get_server_stats")
	root.PersistentFlags().IntVar(&cfg.maxQueueSize, "max-queue-size", envOrDefaultInt("MCP_BROKER_MAX_QUEUE_SIZE", 50), "Maximum queued+dispatched tasks before admission rejects with queue_overflow (0 disables the check)")
	root.PersistentFlags().IntVar(&cfg.taskTimeoutSecs, "task-timeout-seconds", envOrDefaultInt("MCP_BROKER_TASK_TIMEOUT_SECONDS", 300), "Default per-task timeout applied when research_action omits one")
	root.PersistentFlags().IntVar(&cfg.retryAttempts, "retry-attempts", envOrDefaultInt("MCP_BROKER_RETRY_ATTEMPTS", 3), "Default max retry attempts applied when research_action omits one")
	root.PersistentFlags().IntVar(&cfg.pingTimeoutSecs, "ping-timeout-seconds", envOrDefaultInt("MCP_BROKER_PING_TIMEOUT_SECONDS", 0), "Websocket pong wait in seconds (0 keeps the transport package default)")

	root.PersistentFlags().BoolVar(&cfg.breakerEnabled, "circuit-breaker-enabled", envOrDefaultBool("MCP_BROKER_CIRCUIT_BREAKER_ENABLED", true), "Enable the per-agent circuit breaker")
	root.PersistentFlags().IntVar(&cfg.breakerThreshold, "circuit-breaker-threshold", envOrDefaultInt("MCP_BROKER_CIRCUIT_BREAKER_THRESHOLD", 5), "Consecutive failures before an agent's breaker trips open")
	root.PersistentFlags().IntVar(&cfg.breakerCooldownSecs, "circuit-breaker-cooldown-seconds", envOrDefaultInt("MCP_BROKER_CIRCUIT_BREAKER_COOLDOWN_SECONDS", 60), "Circuit breaker open-state cooldown ceiling, in seconds")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcp-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cli *cliConfig) error {
	logger, err := buildLogger(cli.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := broker.DefaultConfig()
	cfg.ListenAddr = cli.listenAddr
	cfg.Strategy = cli.strategy
	cfg.DispatchPollInterval = cli.pollInterval
	cfg.LivenessInterval = cli.livenessInt
	cfg.LivenessTimeout = cli.livenessTO
	cfg.UnhealthyGrace = cli.unhealthyGrace
	cfg.TimeoutSweepInterval = cli.timeoutSweep
	cfg.TaskRetentionAge = cli.retention
	cfg.MetricsDecayInterval = cli.decayInt
	cfg.MetricsAddr = cli.metricsAddr
	cfg.StoreDriver = cli.storeDriver
	cfg.StoreDSN = cli.storeDSN
	cfg.LogLevel = cli.logLevel
	cfg.LogPath = cli.logPath
	cfg.MaxConcurrentTasks = cli.maxConcurrentTasks
	cfg.MaxQueueSize = cli.maxQueueSize
	cfg.TaskTimeout = time.Duration(cli.taskTimeoutSecs) * time.Second
	cfg.RetryAttempts = cli.retryAttempts
	cfg.PingTimeout = time.Duration(cli.pingTimeoutSecs) * time.Second
	cfg.CircuitBreakerEnabled = cli.breakerEnabled
	cfg.CircuitBreakerThreshold = cli.breakerThreshold
	cfg.CircuitBreakerCooldownSecs = cli.breakerCooldownSecs

	logger.Info("starting mcp-broker",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("strategy", cfg.Strategy),
		zap.String("store_driver", cfg.StoreDriver),
	)

	srv, err := broker.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build broker: %w", err)
	}

	if cfg.StoreDriver == "sqlite" {
		st, err := sqlitestore.Open(cfg.StoreDSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		defer st.Close()
		srv.SetStore(st)
	}

	return srv.Run(ctx)
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
