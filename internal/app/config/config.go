package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietfield/mtrec/internal/adapters/opcua"
	"github.com/quietfield/mtrec/internal/domain"
)

const (
	ProtocolMTConnect = "mtconnect"
	ProtocolOPCUA     = "opcua"
)

type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Poll     PollConfig     `yaml:"poll"`
	HTTP     HTTPConfig     `yaml:"http"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Sources  []SourceConfig `yaml:"sources"`
}

type StorageConfig struct {
	Dir       string `yaml:"dir"`
	Timezone  string `yaml:"timezone"`
	StateFile string `yaml:"state_file"`
}

// Location resolves the partition timezone. Partitioning never uses the
// host's local timezone.
func (s StorageConfig) Location() (*time.Location, error) {
	return time.LoadLocation(s.Timezone)
}

type PollConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
	BackoffCap int           `yaml:"backoff_cap"` // ceiling in multiples of the poll interval
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type ArchiveConfig struct {
	ConnString   string        `yaml:"conn_string"`
	Table        string        `yaml:"table"`
	MaxQueueLen  int           `yaml:"max_queue_len"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	IdleSleep    time.Duration `yaml:"idle_sleep"`
	OnQueueFull  string        `yaml:"on_queue_full"` // "drop" or "block"
}

func (a ArchiveConfig) Enabled() bool { return a.ConnString != "" }

type AnalysisConfig struct {
	StoppedStates  []string      `yaml:"stopped_states"`
	ActivityFields []string      `yaml:"activity_fields"`
	MaxStopGap     time.Duration `yaml:"max_stop_gap"`
}

type SourceConfig struct {
	ID               string        `yaml:"id"`
	Protocol         string        `yaml:"protocol"`
	Endpoint         string        `yaml:"endpoint"`
	PollInterval     time.Duration `yaml:"poll_interval"` // 0 → poll.interval
	Timeout          time.Duration `yaml:"timeout"`       // 0 → poll.timeout
	Fields           []string      `yaml:"fields"`
	IncludeCondition bool          `yaml:"include_condition"`
	OPCUA            opcua.Config  `yaml:"opcua"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Storage.Timezone == "" {
		c.Storage.Timezone = "UTC"
	}
	if c.Storage.StateFile == "" {
		c.Storage.StateFile = filepath.Join(c.Storage.Dir, "state.json")
	}

	if c.Poll.Interval == 0 {
		c.Poll.Interval = 200 * time.Millisecond // 5 Hz
	}
	if c.Poll.Timeout == 0 {
		c.Poll.Timeout = c.Poll.Interval
	}
	if c.Poll.BackoffCap == 0 {
		c.Poll.BackoffCap = 60
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":9700"
	}

	if c.Archive.Table == "" {
		c.Archive.Table = "samples"
	}
	if c.Archive.MaxQueueLen == 0 {
		c.Archive.MaxQueueLen = 100_000
	}
	if c.Archive.MaxBatchSize == 0 {
		c.Archive.MaxBatchSize = 5_000
	}
	if c.Archive.IdleSleep == 0 {
		c.Archive.IdleSleep = 5 * time.Millisecond
	}
	if c.Archive.OnQueueFull == "" {
		c.Archive.OnQueueFull = "drop"
	}

	if len(c.Analysis.StoppedStates) == 0 {
		c.Analysis.StoppedStates = []string{"STOPPED"}
	}
	if len(c.Analysis.ActivityFields) == 0 {
		c.Analysis.ActivityFields = []string{"Srpm", "Fact", "Xfrt", "Yfrt", "Zfrt"}
	}
	if c.Analysis.MaxStopGap == 0 {
		c.Analysis.MaxStopGap = 2 * time.Second
	}

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Protocol == "" {
			src.Protocol = ProtocolMTConnect
		}
		if src.PollInterval == 0 {
			src.PollInterval = c.Poll.Interval
		}
		if src.Timeout == 0 {
			src.Timeout = c.Poll.Timeout
			if src.PollInterval != c.Poll.Interval {
				src.Timeout = src.PollInterval
			}
		}
		if src.Protocol == ProtocolOPCUA {
			src.OPCUA.ApplyDefaults()
		}
	}
}

func (c *Config) validate() error {
	if _, err := c.Storage.Location(); err != nil {
		return fmt.Errorf("storage.timezone: %w", err)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if c.Archive.OnQueueFull != "drop" && c.Archive.OnQueueFull != "block" {
		return fmt.Errorf("archive.on_queue_full must be drop or block, got %q", c.Archive.OnQueueFull)
	}

	reserved := map[string]bool{
		domain.KeySequence:  true,
		domain.KeyTimestamp: true,
		domain.KeySourceID:  true,
	}

	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("source id is required")
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate source id %q", src.ID)
		}
		seen[src.ID] = true

		if src.Endpoint == "" {
			return fmt.Errorf("source %s: endpoint is required", src.ID)
		}
		switch src.Protocol {
		case ProtocolMTConnect:
		case ProtocolOPCUA:
			if err := src.OPCUA.Validate(); err != nil {
				return fmt.Errorf("source %s: opcua config: %w", src.ID, err)
			}
		default:
			return fmt.Errorf("source %s: unknown protocol %q", src.ID, src.Protocol)
		}

		for _, name := range src.Fields {
			if reserved[name] {
				return fmt.Errorf("source %s: field name %q collides with a reserved record key", src.ID, name)
			}
		}
	}
	return nil
}
