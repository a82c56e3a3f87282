package broker

import (
	"time"

	"github.com/pzanna/mcp-broker/internal/loadbalancer"
)

// Config holds every tunable the broker exposes, set from cmd/broker's
// cobra flags (each with an ARKEEP-style env-var fallback).
type Config struct {
	ListenAddr string

	Strategy string // round_robin | least_loaded | fastest | healthiest | adaptive

	MaxConcurrentTasks int // soft cap surfaced via get_server_stats; per-agent limits do the actual gating
	MaxQueueSize       int // 0 means unbounded; admission rejects with queue_overflow once reached
	TaskTimeout        time.Duration // default timeout applied when research_action omits one
	RetryAttempts      int           // default max_retries applied when research_action omits one

	DispatchPollInterval time.Duration
	LivenessInterval     time.Duration
	LivenessTimeout      time.Duration
	UnhealthyGrace       time.Duration // how long an unhealthy agent is kept before unregistering it
	TimeoutSweepInterval time.Duration // how often dispatched tasks are checked against their deadline
	TaskRetentionAge     time.Duration
	MetricsDecayInterval time.Duration

	PingTimeout time.Duration // websocket pong wait; 0 keeps the transport package default

	CircuitBreakerEnabled      bool
	CircuitBreakerThreshold    int
	CircuitBreakerCooldownSecs int

	MetricsAddr string // if non-empty, Prometheus /metrics is served here

	StoreDriver string // "none" or "sqlite"
	StoreDSN    string

	LogLevel string
	LogPath  string // if non-empty, logs are additionally written here
}

// DefaultConfig returns sane defaults for every tunable, matching the
// values named in the protocol's tunables section.
func DefaultConfig() Config {
	return Config{
		ListenAddr:                 ":9000",
		Strategy:                   "adaptive",
		MaxConcurrentTasks:         100,
		MaxQueueSize:               50,
		TaskTimeout:                5 * time.Minute,
		RetryAttempts:              3,
		DispatchPollInterval:       100 * time.Millisecond,
		LivenessInterval:           15 * time.Second,
		LivenessTimeout:            60 * time.Second,
		UnhealthyGrace:             60 * time.Second,
		TimeoutSweepInterval:       10 * time.Second,
		TaskRetentionAge:           24 * time.Hour,
		MetricsDecayInterval:       time.Minute,
		PingTimeout:                0,
		CircuitBreakerEnabled:      true,
		CircuitBreakerThreshold:    5,
		CircuitBreakerCooldownSecs: 60,
		MetricsAddr:                "",
		StoreDriver:                "none",
		StoreDSN:                   "./mcp-broker.db",
		LogLevel:                   "info",
		LogPath:                    "",
	}
}

// breakerConfig translates the flat config surface into the load balancer's
// BreakerConfig: a 5s base cooldown, lowered to the configured ceiling when
// the operator has set a ceiling shorter than that.
func (c Config) breakerConfig() loadbalancer.BreakerConfig {
	cooldown := time.Duration(c.CircuitBreakerCooldownSecs) * time.Second
	base := 5 * time.Second
	if cooldown < base {
		base = cooldown
	}
	return loadbalancer.BreakerConfig{
		Enabled:      c.CircuitBreakerEnabled,
		Threshold:    c.CircuitBreakerThreshold,
		BaseCooldown: base,
		MaxCooldown:  cooldown,
	}
}
