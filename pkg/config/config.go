package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"replog/pkg/types"

	"github.com/goccy/go-yaml"
)

var ErrInvalid = errors.New("invalid config")

// Config - корневая структура конфигурации ноды
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger      LoggerConfig      `yaml:"logger" validate:"required"`
	Server      ServerConfig      `yaml:"http-server" validate:"required"`
	Member      MemberConfig      `yaml:"member" validate:"required"`
	Replication ReplicationConfig `yaml:"replication" validate:"required"`
	Snapshot    SnapshotConfig    `yaml:"snapshot" validate:"required"`
	Journal     JournalConfig     `yaml:"journal" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type PeerConfig struct {
	ID      uint64 `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required,url"`
}

type MemberConfig struct {
	ID                uint64        `yaml:"id" validate:"required"`
	Term              int64         `yaml:"term" validate:"min=0"`
	Leader            uint64        `yaml:"leader" validate:"required"`
	Peers             []PeerConfig  `yaml:"peers" validate:"required,dive"`
	TickInterval      time.Duration `yaml:"tick_interval" validate:"required"`
	MailboxSize       int           `yaml:"mailbox_size" validate:"min=1"`
	AsyncSnapshotSave bool          `yaml:"async_snapshot_save"`
}

type ReplicationConfig struct {
	MaxEntries int `yaml:"max_entries" validate:"required,min=1"`
	// -1 disables the byte cap
	MaxBytes int64 `yaml:"max_bytes" validate:"min=-1"`
}

type SnapshotConfig struct {
	Path                    string `yaml:"path" validate:"required"`
	BatchCount              int64  `yaml:"batch_count" validate:"min=0"`
	DataThresholdPercentage int64  `yaml:"data_threshold_percentage" validate:"min=0,max=100"`
	TotalMemory             int64  `yaml:"total_memory" validate:"min=0"`
	Retain                  int    `yaml:"retain" validate:"min=1"`
}

type JournalConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	Compression string `yaml:"compression" validate:"oneof=none zstd"`
	Async       bool   `yaml:"async"`
	QueueSize   int    `yaml:"queue_size" validate:"min=1"`
}

// Default returns a baseline single-member development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Member: MemberConfig{
			ID:     1,
			Term:   1,
			Leader: 1,
			Peers: []PeerConfig{
				{ID: 1, Address: "http://localhost:8080"},
			},
			TickInterval: 100 * time.Millisecond,
			MailboxSize:  256,
		},
		Replication: ReplicationConfig{
			MaxEntries: 64,
			MaxBytes:   1 << 20,
		},
		Snapshot: SnapshotConfig{
			Path:                    "./data/snapshots.db",
			BatchCount:              1000,
			DataThresholdPercentage: 10,
			TotalMemory:             256 << 20,
			Retain:                  3,
		},
		Journal: JournalConfig{
			Dir:         "./data/journal",
			Compression: "none",
			QueueSize:   64,
		},
	}
}

// Load reads a YAML file over Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	_, levelErr := c.Logger.SlogLevel()
	check(levelErr == nil, "logger.level %q", c.Logger.Level)
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "http-server.port %d", c.Server.Port)
	check(c.Server.ReadHeaderTimeout > 0, "http-server.read_header_timeout must be positive")

	check(c.Member.ID != 0, "member.id is required")
	check(c.Member.Term >= 0, "member.term %d", c.Member.Term)
	check(c.Member.TickInterval > 0, "member.tick_interval must be positive")
	check(c.Member.MailboxSize >= 1, "member.mailbox_size %d", c.Member.MailboxSize)
	seen := make(map[uint64]bool, len(c.Member.Peers))
	for _, p := range c.Member.Peers {
		check(p.ID != 0, "member.peers: peer id is required")
		check(!seen[p.ID], "member.peers: duplicate peer id %d", p.ID)
		check(strings.HasPrefix(p.Address, "http://") || strings.HasPrefix(p.Address, "https://"),
			"member.peers: address %q of peer %d", p.Address, p.ID)
		seen[p.ID] = true
	}
	check(seen[c.Member.ID], "member.id %d is not in member.peers", c.Member.ID)
	check(seen[c.Member.Leader], "member.leader %d is not in member.peers", c.Member.Leader)

	check(c.Replication.MaxEntries >= 1, "replication.max_entries %d", c.Replication.MaxEntries)
	check(c.Replication.MaxBytes >= -1, "replication.max_bytes %d", c.Replication.MaxBytes)

	check(c.Snapshot.Path != "", "snapshot.path is required")
	check(c.Snapshot.BatchCount >= 0, "snapshot.batch_count %d", c.Snapshot.BatchCount)
	check(c.Snapshot.DataThresholdPercentage >= 0 && c.Snapshot.DataThresholdPercentage <= 100,
		"snapshot.data_threshold_percentage %d", c.Snapshot.DataThresholdPercentage)
	check(c.Snapshot.TotalMemory >= 0, "snapshot.total_memory %d", c.Snapshot.TotalMemory)
	check(c.Snapshot.Retain >= 1, "snapshot.retain %d", c.Snapshot.Retain)

	check(c.Journal.Dir != "", "journal.dir is required")
	check(c.Journal.Compression == "none" || c.Journal.Compression == "zstd",
		"journal.compression %q", c.Journal.Compression)
	check(c.Journal.QueueSize >= 1, "journal.queue_size %d", c.Journal.QueueSize)

	return errors.Join(errs...)
}

func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: logger.level %q", ErrInvalid, l.Level)
	}
	return level, nil
}

// PeerMap indexes the peers by member id.
func (m MemberConfig) PeerMap() map[types.NodeID]string {
	peers := make(map[types.NodeID]string, len(m.Peers))
	for _, p := range m.Peers {
		peers[types.NodeID(p.ID)] = p.Address
	}
	return peers
}

// Addr is the HTTP address this member advertises to its peers.
func (m MemberConfig) Addr() string {
	return m.PeerMap()[types.NodeID(m.ID)]
}
