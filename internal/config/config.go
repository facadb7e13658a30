package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Sim       SimConfig       `toml:"sim"`
	Transport TransportConfig `toml:"transport"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Logging   LoggingConfig   `toml:"logging"`
	Scene     SceneConfig     `toml:"scene"`
}

// Duration accepts TOML strings like "20ms" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

type ServerConfig struct {
	Name      string `toml:"name"`
	ID        int    `toml:"id"`
	StartTime int64  // set at boot, not from config
}

type SimConfig struct {
	TickRate   Duration `toml:"tick_rate"`
	Workers    int      `toml:"workers"` // 0 = one per CPU
	Backend    string   `toml:"backend"` // "cpu" or "lua"
	ScriptsDir string   `toml:"scripts_dir"`
}

type TransportConfig struct {
	BindAddress  string `toml:"bind_address"`
	InQueueSize  int    `toml:"in_queue_size"`
	OutQueueSize int    `toml:"out_queue_size"`
	FramesPerSec int    `toml:"frames_per_sec"`
}

type BridgeConfig struct {
	QueueSize  int `toml:"queue_size"`
	InboundCap int `toml:"inbound_cap"`
}

type SnapshotConfig struct {
	Dir           string `toml:"dir"`
	DSN           string `toml:"dsn"`             // empty disables the Postgres store
	IntervalTicks int    `toml:"interval_ticks"`  // 0 disables periodic snapshots
	RestoreOnBoot bool   `toml:"restore_on_boot"` // load dir instead of spawning scene entities
}

type MetricsConfig struct {
	BindAddress string `toml:"bind_address"` // empty disables the endpoint
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

type SceneConfig struct {
	Path string `toml:"path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Server.StartTime = time.Now().Unix()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "elodin",
			ID:   1,
		},
		Sim: SimConfig{
			TickRate:   Duration{20 * time.Millisecond},
			Backend:    "cpu",
			ScriptsDir: "scripts",
		},
		Transport: TransportConfig{
			BindAddress:  "0.0.0.0:7401",
			InQueueSize:  128,
			OutQueueSize: 256,
			FramesPerSec: 120,
		},
		Bridge: BridgeConfig{
			QueueSize:  8,
			InboundCap: 256,
		},
		Snapshot: SnapshotConfig{
			Dir: "snapshots",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Scene: SceneConfig{
			Path: "scene.yaml",
		},
	}
}
