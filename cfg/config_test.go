package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func validTestConfig() *Configuration {
	return &Configuration{
		NodeID:  1,
		DataDir: "./test-data",
		Cluster: ClusterConfiguration{
			NatsURL:           "nats://127.0.0.1:4222",
			AdvertiseAddress:  "node1",
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
		},
		Admin: AdminConfiguration{
			Enabled: true,
			Port:    8951,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_RowBufferLargerThanCeiling(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Repair.MaxRepairMemoryMB = 1
	Config.Repair.RowBufferSizeKB = 2048 // 2MB buffer, 1MB ceiling

	if err := Validate(); err == nil {
		t.Error("Expected error when row buffer exceeds repair memory ceiling")
	}
}

func TestValidate_InvalidDiffAlgorithm(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Repair.DiffAlgorithm = "merkle-ish"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown diff algorithm")
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.Admin.Port = 99999

	if err := Validate(); err == nil {
		t.Error("Expected error for out-of-range admin port")
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = validTestConfig()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := `
node_id = 7
data_dir = "` + filepath.Join(dir, "data") + `"

[repair]
max_repair_memory_mb = 128
diff_algorithm = "tree"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if err := Load(cfgPath); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeID != 7 {
		t.Errorf("NodeID = %d, want 7", Config.NodeID)
	}
	if Config.Repair.MaxRepairMemoryMB != 128 {
		t.Errorf("MaxRepairMemoryMB = %d, want 128", Config.Repair.MaxRepairMemoryMB)
	}
	if Config.Repair.DiffAlgorithm != "tree" {
		t.Errorf("DiffAlgorithm = %s, want tree", Config.Repair.DiffAlgorithm)
	}
}

func TestHistoryPathDefaultsToDataDir(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = validTestConfig()
	Config.History.Path = ""

	want := filepath.Join("test-data", "history")
	if got := HistoryPath(); filepath.Clean(got) != want {
		t.Errorf("HistoryPath = %s, want %s", got, want)
	}
}
