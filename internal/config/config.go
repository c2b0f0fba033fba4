// Package config handles event-builder configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/na62exp/eventbuilder/internal/sourceid"
)

// GlobalConfig is the top-level configuration, mapping to the
// `event-builder:` root key in YAML.
type GlobalConfig struct {
	Node          NodeConfig           `mapstructure:"node"`
	Control       ControlConfig        `mapstructure:"control"`
	EventBuilder  EventBuilderConfig   `mapstructure:"event_builder"`
	SourceIDTable []SourceIDTableRow   `mapstructure:"source_id_table"`
	Capture       CaptureConfig        `mapstructure:"capture"`
	Log           LogSectionConfig     `mapstructure:"log"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
}

// NodeConfig identifies this farm node.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // empty = os.Hostname()
}

// ControlConfig configures the local UDS control-plane channel.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// EventBuilderConfig is the core aggregation shape, spec §6 "Environment".
type EventBuilderConfig struct {
	NumL0Sources               int    `mapstructure:"num_l0_sources"`
	NumL1Sources               int    `mapstructure:"num_l1_sources"`
	ExpectedL0PacketsPerEvent  int    `mapstructure:"expected_l0_packets_per_event"`
	ExpectedL1PacketsPerEvent  int    `mapstructure:"expected_l1_packets_per_event"`
	EventPoolSize              int    `mapstructure:"event_pool_size"`
	L0TPActive                 bool   `mapstructure:"l0tp_active"`
	L0TPSourceID               int    `mapstructure:"l0tp_source_id"`
	PrintCompletedSourceIDs    bool   `mapstructure:"print_completed_source_ids"`
	UnfinishedSweepInterval    string `mapstructure:"unfinished_sweep_interval"`
}

// SourceIDTableRow is one row of the source-ID table: detector name, wire
// sourceID, dense sourceNum, and per-level expected fragment counts.
type SourceIDTableRow struct {
	Detector   string `mapstructure:"detector"`
	SourceID   int    `mapstructure:"source_id"`
	SourceNum  int    `mapstructure:"source_num"`
	ExpectedL0 int    `mapstructure:"expected_l0"`
	ExpectedL1 int    `mapstructure:"expected_l1"`
}

// ToSourceIDRows converts the configured table into sourceid.Row values.
func (c GlobalConfig) ToSourceIDRows() []sourceid.Row {
	rows := make([]sourceid.Row, len(c.SourceIDTable))
	for i, r := range c.SourceIDTable {
		rows[i] = sourceid.Row{
			Detector:   r.Detector,
			SourceID:   byte(r.SourceID),
			SourceNum:  r.SourceNum,
			ExpectedL0: r.ExpectedL0,
			ExpectedL1: r.ExpectedL1,
		}
	}
	return rows
}

// CaptureConfig configures the two independent datagram sources the
// aggregation core listens on: L0 fragments arrive continuously from every
// front-end source, while L1 fragments only start flowing once the trigger
// layer has requested them for a given event (spec §5 "a distinct set of
// threads inject L1 fragments after L1-request dispatch").
type CaptureConfig struct {
	L0 EndpointConfig `mapstructure:"l0"`
	L1 EndpointConfig `mapstructure:"l1"`
}

// EndpointConfig selects and configures one datagram source.
type EndpointConfig struct {
	Mode    string `mapstructure:"mode"` // "udp" | "pcap-replay"
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
	Workers int    `mapstructure:"workers"`
}

// LogSectionConfig is the `log:` section, mapping onto internal/log.Config.
type LogSectionConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Console bool              `mapstructure:"console"`
	File    *LogFileConfig    `mapstructure:"file"`
}

// LogFileConfig configures rotating file output.
type LogFileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the top-level wrapper matching the YAML root key
// `event-builder:`.
type configRoot struct {
	EventBuilder GlobalConfig `mapstructure:"event-builder"`
}

// Load reads, defaults, and validates configuration from the YAML file at
// path. Environment variables prefixed EVENT_BUILDER_ override file values
// (e.g. EVENT_BUILDER_LOG_LEVEL overrides event-builder.log.level).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg := root.EventBuilder

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("event-builder.control.socket", "/var/run/eventbuilder.sock")
	v.SetDefault("event-builder.control.pid_file", "/var/run/eventbuilder.pid")

	v.SetDefault("event-builder.event_builder.event_pool_size", 8192)
	v.SetDefault("event-builder.event_builder.unfinished_sweep_interval", "1s")
	v.SetDefault("event-builder.event_builder.l0tp_source_id", 0x24)

	v.SetDefault("event-builder.capture.l0.mode", "udp")
	v.SetDefault("event-builder.capture.l0.listen", ":45000")
	v.SetDefault("event-builder.capture.l0.workers", 4)
	v.SetDefault("event-builder.capture.l1.mode", "udp")
	v.SetDefault("event-builder.capture.l1.listen", ":45001")
	v.SetDefault("event-builder.capture.l1.workers", 4)

	v.SetDefault("event-builder.log.level", "info")
	v.SetDefault("event-builder.log.format", "text")
	v.SetDefault("event-builder.log.console", true)

	v.SetDefault("event-builder.metrics.enabled", true)
	v.SetDefault("event-builder.metrics.listen", ":9091")
	v.SetDefault("event-builder.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults checks cross-field invariants viper's flat
// defaults can't express and fills in computed values.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	if len(cfg.SourceIDTable) == 0 {
		return fmt.Errorf("config: source_id_table must not be empty")
	}
	if cfg.EventBuilder.EventPoolSize <= 0 {
		return fmt.Errorf("config: event_builder.event_pool_size must be positive")
	}
	if cfg.EventBuilder.ExpectedL0PacketsPerEvent <= 0 {
		return fmt.Errorf("config: event_builder.expected_l0_packets_per_event must be positive")
	}

	if err := validateEndpoint("l0", cfg.Capture.L0); err != nil {
		return err
	}
	if err := validateEndpoint("l1", cfg.Capture.L1); err != nil {
		return err
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: invalid log.format %q (must be text or json)", cfg.Log.Format)
	}

	return nil
}

func validateEndpoint(name string, ec EndpointConfig) error {
	switch ec.Mode {
	case "udp":
		if ec.Listen == "" {
			return fmt.Errorf("config: capture.%s.listen is required for capture.%s.mode=udp", name, name)
		}
	case "pcap-replay":
		if ec.Path == "" {
			return fmt.Errorf("config: capture.%s.path is required for capture.%s.mode=pcap-replay", name, name)
		}
	default:
		return fmt.Errorf("config: unsupported capture.%s.mode %q (must be udp or pcap-replay)", name, ec.Mode)
	}
	return nil
}
