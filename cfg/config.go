package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// ClusterConfiguration controls cluster membership and peer communication
type ClusterConfiguration struct {
	NatsURL           string   `toml:"nats_url"`
	AdvertiseAddress  string   `toml:"advertise_address"` // Address peers use to reach this node
	SeedNodes         []string `toml:"seed_nodes"`
	Datacenter        string   `toml:"datacenter"`
	Rack              string   `toml:"rack"`
	VirtualNodes      int      `toml:"virtual_nodes"`
	ReplicationFactor int      `toml:"replication_factor"`
}

// RepairConfiguration controls repair orchestration behavior
type RepairConfiguration struct {
	MaxRepairMemoryMB int    `toml:"max_repair_memory_mb"` // Global ceiling for in-flight row buffers
	RowBufferSizeKB   int    `toml:"row_buffer_size_kb"`   // Per-exchange row buffer cap
	DiffAlgorithm     string `toml:"diff_algorithm"`       // "set" or "tree"
	RangesInParallel  int    `toml:"ranges_in_parallel"`   // Concurrent range synchronizers per job
	RequestTimeoutMS  int    `toml:"request_timeout_ms"`   // Per-exchange timeout
	FlushTimeoutMS    int    `toml:"flush_timeout_ms"`     // Hints/batchlog flush timeout
	HashSeedRotation  bool   `toml:"hash_seed_rotation"`   // Fresh random seed per repair job
	TableFilter       string `toml:"table_filter"`         // Glob over table names, empty = all
}

// HistoryConfiguration controls the persistent repair history store
type HistoryConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // Defaults to <data_dir>/history
}

// AdminConfiguration for the operator HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Cluster    ClusterConfiguration    `toml:"cluster"`
	Repair     RepairConfiguration     `toml:"repair"`
	History    HistoryConfiguration    `toml:"history"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./caulk-data",

	Cluster: ClusterConfiguration{
		NatsURL:           "nats://127.0.0.1:4222",
		SeedNodes:         []string{},
		Datacenter:        "dc1",
		Rack:              "rack1",
		VirtualNodes:      150,
		ReplicationFactor: 3,
	},

	Repair: RepairConfiguration{
		MaxRepairMemoryMB: 64,
		RowBufferSizeKB:   256,
		DiffAlgorithm:     "set",
		RangesInParallel:  4,
		RequestTimeoutMS:  10000,
		FlushTimeoutMS:    30000,
		HashSeedRotation:  true,
	},

	History: HistoryConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8951,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("caulk")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Cluster.AdvertiseAddress == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get hostname, using localhost")
			hostname = "localhost"
		}
		Config.Cluster.AdvertiseAddress = hostname
		log.Info().
			Str("advertise_address", Config.Cluster.AdvertiseAddress).
			Msg("Auto-configured advertise address")
	}

	if Config.Cluster.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be >= 1")
	}

	if Config.Cluster.VirtualNodes < 1 {
		return fmt.Errorf("virtual nodes must be >= 1")
	}

	if Config.Repair.MaxRepairMemoryMB < 1 {
		return fmt.Errorf("max repair memory must be >= 1MB")
	}

	if Config.Repair.RowBufferSizeKB < 1 {
		return fmt.Errorf("row buffer size must be >= 1KB")
	}

	// A row buffer larger than the global ceiling could never be admitted
	// and the acquiring synchronizer would block forever.
	if int64(Config.Repair.RowBufferSizeKB)*1024 > int64(Config.Repair.MaxRepairMemoryMB)*1024*1024 {
		return fmt.Errorf("row buffer size (%dKB) exceeds max repair memory (%dMB)",
			Config.Repair.RowBufferSizeKB, Config.Repair.MaxRepairMemoryMB)
	}

	switch Config.Repair.DiffAlgorithm {
	case "set", "tree":
	default:
		return fmt.Errorf("invalid diff algorithm: %s", Config.Repair.DiffAlgorithm)
	}

	if Config.Repair.RangesInParallel < 1 {
		return fmt.Errorf("ranges in parallel must be >= 1")
	}

	if Config.Repair.RequestTimeoutMS < 1 {
		return fmt.Errorf("request timeout must be >= 1ms")
	}

	if Config.Repair.FlushTimeoutMS < 1 {
		return fmt.Errorf("flush timeout must be >= 1ms")
	}

	return nil
}

// HistoryPath returns the directory used by the persistent history store
func HistoryPath() string {
	if Config.History.Path != "" {
		return Config.History.Path
	}
	return path.Join(Config.DataDir, "history")
}

// MaxRepairMemoryBytes returns the global repair memory ceiling in bytes
func MaxRepairMemoryBytes() int64 {
	return int64(Config.Repair.MaxRepairMemoryMB) * 1024 * 1024
}

// RowBufferBytes returns the per-exchange row buffer cap in bytes
func RowBufferBytes() int64 {
	return int64(Config.Repair.RowBufferSizeKB) * 1024
}

// IsAdminAuthEnabled reports whether admin endpoints require a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the configured admin PSK
func GetAdminSecret() string {
	return Config.Admin.Secret
}
