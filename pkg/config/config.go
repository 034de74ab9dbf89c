// Package config loads flowguard settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/viper"

	"github.com/hed1ad/flowguard/pkg/ensemble"
	"github.com/hed1ad/flowguard/pkg/heuristics"
	"github.com/hed1ad/flowguard/pkg/pipeline"
	"github.com/hed1ad/flowguard/pkg/window"
)

// EnvPrefix prefixes every environment override, e.g.
// FLOWGUARD_WINDOW_SIZE for window.size.
const EnvPrefix = "FLOWGUARD"

// Config is the top-level configuration. Tags map YAML keys to fields.
type Config struct {
	LogLevel   string             `mapstructure:"log_level"`
	Window     WindowSettings     `mapstructure:"window"`
	Heuristics HeuristicsSettings `mapstructure:"heuristics"`
	Beacon     BeaconSettings     `mapstructure:"beacon"`
	Ensemble   EnsembleSettings   `mapstructure:"ensemble"`
	Risk       RiskSettings       `mapstructure:"risk"`
	Pipeline   PipelineSettings   `mapstructure:"pipeline"`
	Model      ModelSettings      `mapstructure:"model"`
	Metrics    MetricsSettings    `mapstructure:"metrics"`
}

// WindowSettings sizes the per-host state.
type WindowSettings struct {
	Size int `mapstructure:"size"`
	// MaxHosts of 0 is derived from available memory at load time.
	MaxHosts int `mapstructure:"max_hosts"`
	Shards   int `mapstructure:"shards"`
}

// HeuristicsSettings holds detector thresholds.
type HeuristicsSettings struct {
	PortScanThreshold   int      `mapstructure:"port_scan_threshold"`
	BruteForceThreshold int      `mapstructure:"brute_force_threshold"`
	ExfilZScore         float64  `mapstructure:"exfil_zscore"`
	ExfilBytes          uint64   `mapstructure:"exfil_bytes"`
	ExfilRatio          float64  `mapstructure:"exfil_ratio"`
	StandardPorts       []int    `mapstructure:"standard_ports"`
	StandardProtos      []string `mapstructure:"standard_protos"`
}

// BeaconSettings holds the periodicity detector settings.
type BeaconSettings struct {
	MinSamples int           `mapstructure:"min_samples"`
	MaxCV      float64       `mapstructure:"max_cv"`
	Span       time.Duration `mapstructure:"span"`
	History    int           `mapstructure:"history"`
}

// EnsembleSettings holds the combination multipliers.
type EnsembleSettings struct {
	AgreementBoost      float64 `mapstructure:"agreement_boost"`
	DisagreementPenalty float64 `mapstructure:"disagreement_penalty"`
}

// RiskSettings holds the risk ladder cut-offs.
type RiskSettings struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
}

// PipelineSettings holds execution settings.
type PipelineSettings struct {
	Workers int `mapstructure:"workers"`
}

// ModelSettings points at a trained model bundle. Empty means heuristics only.
type ModelSettings struct {
	Path string `mapstructure:"path"`
}

// MetricsSettings holds the Prometheus listener address. Empty disables it.
type MetricsSettings struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	h := heuristics.DefaultConfig()
	e := ensemble.DefaultConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("window.size", window.DefaultSize)
	v.SetDefault("window.max_hosts", window.DefaultMaxHosts)
	v.SetDefault("window.shards", window.DefaultShards)

	v.SetDefault("heuristics.port_scan_threshold", h.PortScanThreshold)
	v.SetDefault("heuristics.brute_force_threshold", h.BruteForceThreshold)
	v.SetDefault("heuristics.exfil_zscore", h.ExfilZScore)
	v.SetDefault("heuristics.exfil_bytes", h.ExfilBytes)
	v.SetDefault("heuristics.exfil_ratio", h.ExfilRatio)
	v.SetDefault("heuristics.standard_ports", h.StandardPorts)
	v.SetDefault("heuristics.standard_protos", h.StandardProtos)

	v.SetDefault("beacon.min_samples", h.BeaconMinSamples)
	v.SetDefault("beacon.max_cv", h.BeaconMaxCV)
	v.SetDefault("beacon.span", h.BeaconSpan)
	v.SetDefault("beacon.history", h.BeaconHistory)

	v.SetDefault("ensemble.agreement_boost", e.AgreementBoost)
	v.SetDefault("ensemble.disagreement_penalty", e.DisagreementPenalty)
	v.SetDefault("risk.critical", e.Bands.Critical)
	v.SetDefault("risk.high", e.Bands.High)
	v.SetDefault("risk.medium", e.Bands.Medium)

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("model.path", "")
	v.SetDefault("metrics.addr", "")
}

// newViper prepares a viper instance. An empty path searches for
// flowguard.yaml in the working directory and /etc/flowguard.
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowguard/")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Window.MaxHosts == 0 {
		cfg.Window.MaxHosts = AutoMaxHosts(cfg.Window.Size, availableMemory())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads configuration from path (or the default search locations when
// empty) and FLOWGUARD_* environment variables. A missing file in the
// default locations is not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := read(v); err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the file at path whenever it changes and passes every valid
// result to onChange. Invalid edits are logged and skipped.
func Watch(path string, logger zerolog.Logger, onChange func(*Config)) error {
	if path == "" {
		return errors.New("watch: config path required")
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error().Err(err).Str("file", e.Name).Msg("config reload rejected")
			return
		}
		logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// Validate checks the settings that the pipeline depends on.
func (c *Config) Validate() error {
	return c.PipelineConfig().Validate()
}

// HeuristicsConfig converts to the detector configuration.
func (c *Config) HeuristicsConfig() heuristics.Config {
	return heuristics.Config{
		PortScanThreshold:   c.Heuristics.PortScanThreshold,
		BruteForceThreshold: c.Heuristics.BruteForceThreshold,
		ExfilZScore:         c.Heuristics.ExfilZScore,
		ExfilBytes:          c.Heuristics.ExfilBytes,
		ExfilRatio:          c.Heuristics.ExfilRatio,
		StandardPorts:       c.Heuristics.StandardPorts,
		StandardProtos:      c.Heuristics.StandardProtos,
		BeaconMinSamples:    c.Beacon.MinSamples,
		BeaconMaxCV:         c.Beacon.MaxCV,
		BeaconSpan:          c.Beacon.Span,
		BeaconHistory:       c.Beacon.History,
	}
}

// EnsembleConfig converts to the scoring policy.
func (c *Config) EnsembleConfig() ensemble.Config {
	return ensemble.Config{
		AgreementBoost:      c.Ensemble.AgreementBoost,
		DisagreementPenalty: c.Ensemble.DisagreementPenalty,
		Bands: ensemble.RiskBands{
			Critical: c.Risk.Critical,
			High:     c.Risk.High,
			Medium:   c.Risk.Medium,
		},
	}
}

// PipelineConfig converts to the pipeline configuration.
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		WindowSize: c.Window.Size,
		MaxHosts:   c.Window.MaxHosts,
		Shards:     c.Window.Shards,
		Workers:    c.Pipeline.Workers,
		Heuristics: c.HeuristicsConfig(),
		Ensemble:   c.EnsembleConfig(),
	}
}

// Per-host memory estimate: the ring of flows plus map and tracker overhead.
const (
	flowBytes     = 192
	hostOverhead  = 2048
	minAutoHosts  = 1_000
	maxAutoHosts  = 10_000_000
	memoryDivisor = 4
)

// AutoMaxHosts derives a per-keyspace host cap that keeps both keyspaces
// within a quarter of avail bytes. A zero avail yields the default cap.
func AutoMaxHosts(windowSize int, avail uint64) int {
	if avail == 0 {
		return window.DefaultMaxHosts
	}
	perHost := uint64(max(windowSize, 1))*flowBytes + hostOverhead
	n := avail / memoryDivisor / 2 / perHost
	return int(min(max(n, minAutoHosts), maxAutoHosts))
}

func availableMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}
