package alerting

import "fmt"

// ThresholdConfig is the two-dimensional (severity x duration) threshold for
// one numeric metric. SustainedSeconds of 0 fires immediately.
type ThresholdConfig struct {
	HighPercent      float64 `yaml:"high_percent"`
	CriticalPercent  float64 `yaml:"critical_percent"`
	SustainedSeconds int     `yaml:"sustained_seconds"`
}

// Thresholds holds per-metric thresholds and the offline cutoff
type Thresholds struct {
	CPU                  ThresholdConfig `yaml:"cpu"`
	Memory               ThresholdConfig `yaml:"memory"`
	Disk                 ThresholdConfig `yaml:"disk"`
	ServerOfflineSeconds int             `yaml:"server_offline_seconds"`
}

// Cooldowns bound how often an open alert re-notifies
type Cooldowns struct {
	CriticalMinutes int `yaml:"critical_minutes"`
	HighMinutes     int `yaml:"high_minutes"`
}

// Config is the alert engine configuration
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Cooldowns  Cooldowns  `yaml:"cooldowns"`
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			CPU:                  ThresholdConfig{HighPercent: 85, CriticalPercent: 95, SustainedSeconds: 180},
			Memory:               ThresholdConfig{HighPercent: 85, CriticalPercent: 95, SustainedSeconds: 180},
			Disk:                 ThresholdConfig{HighPercent: 80, CriticalPercent: 95, SustainedSeconds: 0},
			ServerOfflineSeconds: 120,
		},
		Cooldowns: Cooldowns{
			CriticalMinutes: 5,
			HighMinutes:     15,
		},
	}
}

// Validate enforces the configuration contracts
func (c Config) Validate() error {
	check := func(name string, t ThresholdConfig) error {
		if t.CriticalPercent <= t.HighPercent {
			return fmt.Errorf("%s: critical_percent must be greater than high_percent", name)
		}
		if t.SustainedSeconds < 0 {
			return fmt.Errorf("%s: sustained_seconds must not be negative", name)
		}
		return nil
	}
	if err := check("cpu", c.Thresholds.CPU); err != nil {
		return err
	}
	if err := check("memory", c.Thresholds.Memory); err != nil {
		return err
	}
	if err := check("disk", c.Thresholds.Disk); err != nil {
		return err
	}
	if c.Thresholds.ServerOfflineSeconds < 30 {
		return fmt.Errorf("server_offline_seconds must be at least 30")
	}
	if c.Cooldowns.CriticalMinutes < 5 {
		return fmt.Errorf("critical cooldown must be at least 5 minutes")
	}
	if c.Cooldowns.HighMinutes < 15 {
		return fmt.Errorf("high cooldown must be at least 15 minutes")
	}
	return nil
}
