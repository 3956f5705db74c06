// Package config loads the coordinator's configuration document
// (.hive-mind/config.json, §6.1) with viper, following the teacher's
// split-struct-plus-defaults convention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hivemind/coordinator/internal/store/models"
)

// Config is the single immutable record carrying every tunable of the
// coordinator (§9 "Dynamic objects → closed sum types ... configuration
// carried by a single immutable record").
type Config struct {
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
	DataDir     string        `mapstructure:"data_dir"`
	Swarm       SwarmConfig   `mapstructure:"swarm"`
	Memory      MemoryConfig  `mapstructure:"memory"`
	Session     SessionConfig `mapstructure:"session"`
	Messaging   MsgConfig     `mapstructure:"messaging"`
	StatusAPI   StatusAPI     `mapstructure:"status_api"`
}

// SwarmConfig governs queen policy, worker pool sizing and consensus defaults.
type SwarmConfig struct {
	QueenType         models.QueenType        `mapstructure:"queen_type"`
	Topology          models.Topology         `mapstructure:"topology"`
	MaxWorkers        int                     `mapstructure:"max_workers"`
	ConsensusAlgo     models.ConsensusAlgo    `mapstructure:"consensus_algorithm"`
	ConsensusQuorum   float64                 `mapstructure:"consensus_quorum"`
	ConsensusTimeout  time.Duration           `mapstructure:"consensus_timeout"`
	TaskTimeoutMin    int                     `mapstructure:"task_timeout_minutes"`
	NonInteractive    bool                    `mapstructure:"non_interactive"`
}

// MemoryConfig bounds the collective memory cache (§4.2).
type MemoryConfig struct {
	MaxEntries             int           `mapstructure:"max_entries"`
	MaxMemoryMB            int           `mapstructure:"max_memory_mb"`
	CompressionThresholdB  int           `mapstructure:"compression_threshold_bytes"`
	FlushInterval          time.Duration `mapstructure:"flush_interval"`
	FlushHighWaterMark     int           `mapstructure:"flush_high_water_mark"`
	GCInterval             time.Duration `mapstructure:"gc_interval"`
	RedisAddr              string        `mapstructure:"redis_addr"`
}

// SessionConfig governs auto-save batching (§4.4).
type SessionConfig struct {
	SaveInterval time.Duration `mapstructure:"save_interval"`
	AutoStart    bool          `mapstructure:"auto_start"`
	ArchiveDays  int           `mapstructure:"archive_days"`
}

// MsgConfig governs the agent message bus (§4.8).
type MsgConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	TickDeliverMax     int           `mapstructure:"tick_deliver_max"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`
	DispatchBurst      int           `mapstructure:"dispatch_burst"`
	GossipFanout       int           `mapstructure:"gossip_fanout"`
	GossipHopCap       int           `mapstructure:"gossip_hop_cap"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	OfflineAfter       time.Duration `mapstructure:"offline_after"`
	AckTimeout         time.Duration `mapstructure:"ack_timeout"`
	EncryptionEnabled  bool          `mapstructure:"encryption_enabled"`
	DashboardAddr      string        `mapstructure:"dashboard_addr"`
}

// StatusAPI governs the optional read-only health/metrics surface.
type StatusAPI struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads .hive-mind/config.json (or config.yaml/.env overrides) plus
// environment variables, applying the defaults below, exactly as the
// teacher's Load does for its server config.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath("./.hive-mind")
	viper.AddConfigPath(".")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("HIVEMIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("data_dir", ".hive-mind")

	viper.SetDefault("swarm.queen_type", string(models.QueenTypeStrategic))
	viper.SetDefault("swarm.topology", string(models.TopologyHierarchical))
	viper.SetDefault("swarm.max_workers", 8)
	viper.SetDefault("swarm.consensus_algorithm", string(models.ConsensusMajority))
	viper.SetDefault("swarm.consensus_quorum", 0.67)
	viper.SetDefault("swarm.consensus_timeout", "5s")
	viper.SetDefault("swarm.task_timeout_minutes", 30)
	viper.SetDefault("swarm.non_interactive", false)

	viper.SetDefault("memory.max_entries", 1000)
	viper.SetDefault("memory.max_memory_mb", 50)
	viper.SetDefault("memory.compression_threshold_bytes", 1024)
	viper.SetDefault("memory.flush_interval", "30s")
	viper.SetDefault("memory.flush_high_water_mark", 50)
	viper.SetDefault("memory.gc_interval", "5m")
	viper.SetDefault("memory.redis_addr", "")

	viper.SetDefault("session.save_interval", "30s")
	viper.SetDefault("session.auto_start", true)
	viper.SetDefault("session.archive_days", 30)

	viper.SetDefault("messaging.buffer_size", 1000)
	viper.SetDefault("messaging.tick_deliver_max", 10)
	viper.SetDefault("messaging.dispatch_interval", "2ms")
	viper.SetDefault("messaging.dispatch_burst", 4)
	viper.SetDefault("messaging.gossip_fanout", 3)
	viper.SetDefault("messaging.gossip_hop_cap", 3)
	viper.SetDefault("messaging.heartbeat_interval", "10s")
	viper.SetDefault("messaging.offline_after", "30s")
	viper.SetDefault("messaging.ack_timeout", "5s")
	viper.SetDefault("messaging.encryption_enabled", false)
	viper.SetDefault("messaging.dashboard_addr", "")

	viper.SetDefault("status_api.enabled", false)
	viper.SetDefault("status_api.addr", "127.0.0.1:8420")
}

func validate(cfg *Config) error {
	switch cfg.Swarm.QueenType {
	case models.QueenTypeStrategic, models.QueenTypeTactical, models.QueenTypeAdaptive:
	default:
		return fmt.Errorf("invalid queen_type: %s", cfg.Swarm.QueenType)
	}

	switch cfg.Swarm.ConsensusAlgo {
	case models.ConsensusMajority, models.ConsensusWeighted, models.ConsensusByzantine:
	default:
		return fmt.Errorf("invalid consensus_algorithm: %s", cfg.Swarm.ConsensusAlgo)
	}

	if cfg.Swarm.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must be >= 0")
	}

	if cfg.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory.max_entries must be positive")
	}

	if cfg.Swarm.ConsensusQuorum <= 0 || cfg.Swarm.ConsensusQuorum > 1 {
		return fmt.Errorf("swarm.consensus_quorum must be in (0,1]")
	}

	return nil
}

// QueenDecisionWeight returns the synthetic vote weight the queen
// contributes during consensus/decision-making (§4.5, §4.7).
func QueenDecisionWeight(qt models.QueenType) float64 {
	switch qt {
	case models.QueenTypeStrategic:
		return 3.0
	case models.QueenTypeTactical:
		return 2.0
	case models.QueenTypeAdaptive:
		return 2.5
	default:
		return 1.0
	}
}

// QueenConsensusThreshold returns the default consensus-driven phase
// threshold for a queen type (§4.5 consensus_driven strategy).
func QueenConsensusThreshold(qt models.QueenType) float64 {
	switch qt {
	case models.QueenTypeStrategic:
		return 0.6
	case models.QueenTypeTactical:
		return 0.5
	case models.QueenTypeAdaptive:
		return 0.55
	default:
		return 0.5
	}
}
