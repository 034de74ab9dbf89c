package heuristics

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the thresholds of every detector in the bank.
type Config struct {
	// PortScanThreshold is the number of distinct (dst IP, dst port) pairs
	// from one source that marks a scan.
	PortScanThreshold int `mapstructure:"port_scan_threshold"`
	// BruteForceThreshold is the number of distinct sources against one
	// service that marks a brute-force attempt.
	BruteForceThreshold int `mapstructure:"brute_force_threshold"`

	// ExfilZScore is the byte z-score above which a non-standard flow is
	// flagged as exfiltration.
	ExfilZScore float64 `mapstructure:"exfil_zscore"`
	// ExfilBytes flags a source whose windowed outbound volume reaches it.
	// Zero disables the rule.
	ExfilBytes uint64 `mapstructure:"exfil_bytes"`
	// ExfilRatio flags a source whose windowed outbound volume is at least
	// this multiple of its inbound volume plus one. Zero disables the rule.
	ExfilRatio float64 `mapstructure:"exfil_ratio"`
	// StandardPorts and StandardProtos are never flagged as exfiltration.
	StandardPorts  []int    `mapstructure:"standard_ports"`
	StandardProtos []string `mapstructure:"standard_protos"`

	BeaconMinSamples int           `mapstructure:"beacon_min_samples"`
	BeaconMaxCV      float64       `mapstructure:"beacon_max_cv"`
	BeaconSpan       time.Duration `mapstructure:"beacon_span"`
	BeaconHistory    int           `mapstructure:"beacon_history"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		PortScanThreshold:   10,
		BruteForceThreshold: 5,
		ExfilZScore:         3.0,
		StandardPorts:       []int{22, 53, 80, 123, 443},
		StandardProtos:      []string{"icmp"},
		BeaconMinSamples:    4,
		BeaconMaxCV:         0.2,
		BeaconSpan:          10 * time.Minute,
		BeaconHistory:       16,
	}
}

// Validate reports thresholds that would make a detector meaningless.
func (c Config) Validate() error {
	var errs []error
	if c.PortScanThreshold < 1 {
		errs = append(errs, fmt.Errorf("port_scan_threshold must be >= 1, got %d", c.PortScanThreshold))
	}
	if c.BruteForceThreshold < 1 {
		errs = append(errs, fmt.Errorf("brute_force_threshold must be >= 1, got %d", c.BruteForceThreshold))
	}
	if c.ExfilZScore <= 0 {
		errs = append(errs, fmt.Errorf("exfil_zscore must be > 0, got %g", c.ExfilZScore))
	}
	if c.ExfilRatio < 0 {
		errs = append(errs, fmt.Errorf("exfil_ratio must be >= 0, got %g", c.ExfilRatio))
	}
	if c.BeaconMinSamples < 2 {
		errs = append(errs, fmt.Errorf("beacon_min_samples must be >= 2, got %d", c.BeaconMinSamples))
	}
	if c.BeaconHistory < c.BeaconMinSamples {
		errs = append(errs, fmt.Errorf("beacon_history (%d) must be >= beacon_min_samples (%d)", c.BeaconHistory, c.BeaconMinSamples))
	}
	if c.BeaconMaxCV < 0 {
		errs = append(errs, fmt.Errorf("beacon_max_cv must be >= 0, got %g", c.BeaconMaxCV))
	}
	if c.BeaconSpan < 0 {
		errs = append(errs, fmt.Errorf("beacon_span must be >= 0, got %s", c.BeaconSpan))
	}
	return errors.Join(errs...)
}
