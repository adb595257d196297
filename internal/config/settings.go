package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SettingsFile is the optional workspace-level settings file.
const SettingsFile = "synthgen.yml"

// Thresholds bound the normalized drift distance per metric.
type Thresholds struct {
	NullRate    float64 `mapstructure:"null_rate" json:"null_rate"`
	Mean        float64 `mapstructure:"mean" json:"mean"`
	Std         float64 `mapstructure:"std" json:"std"`
	Cardinality float64 `mapstructure:"cardinality" json:"cardinality"`
}

// DefaultThresholds flag a metric whose relative change exceeds 25%.
func DefaultThresholds() Thresholds {
	return Thresholds{NullRate: 0.25, Mean: 0.25, Std: 0.25, Cardinality: 0.25}
}

func (t Thresholds) Validate() error {
	for name, v := range t.AsMap() {
		if v < 0 || v > 1 {
			return fmt.Errorf("drift.%s threshold %v outside [0,1]", name, v)
		}
	}
	return nil
}

func (t Thresholds) AsMap() map[string]float64 {
	return map[string]float64{
		"null_rate":   t.NullRate,
		"mean":        t.Mean,
		"std":         t.Std,
		"cardinality": t.Cardinality,
	}
}

// Settings are the tool-level knobs, resolved from flags, SYNTHGEN_* env and synthgen.yml.
type Settings struct {
	Workspace      string
	LogLevel       string
	LogFormat      string
	Drift          Thresholds
	CardinalityCap int
	JWTSecret      string
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultThresholds()
	v.SetDefault("workspace", ".")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "json")
	v.SetDefault("drift.null_rate", d.NullRate)
	v.SetDefault("drift.mean", d.Mean)
	v.SetDefault("drift.std", d.Std)
	v.SetDefault("drift.cardinality", d.Cardinality)
	v.SetDefault("cardinality-cap", 10000)
}

// LoadSettings merges synthgen.yml from the workspace (when present) into v and reads Settings.
func LoadSettings(v *viper.Viper) (Settings, error) {
	workspace := v.GetString("workspace")
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, SettingsFile)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.MergeInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read %s: %w", SettingsFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, err
	}
	s := Settings{
		Workspace:      workspace,
		LogLevel:       strings.ToLower(v.GetString("log-level")),
		LogFormat:      strings.ToLower(v.GetString("log-format")),
		CardinalityCap: v.GetInt("cardinality-cap"),
		JWTSecret:      v.GetString("jwt-secret"),
		Drift: Thresholds{
			NullRate:    v.GetFloat64("drift.null_rate"),
			Mean:        v.GetFloat64("drift.mean"),
			Std:         v.GetFloat64("drift.std"),
			Cardinality: v.GetFloat64("drift.cardinality"),
		},
	}
	if err := s.Drift.Validate(); err != nil {
		return Settings{}, err
	}
	if s.CardinalityCap <= 0 {
		return Settings{}, fmt.Errorf("cardinality-cap must be > 0")
	}
	switch s.LogFormat {
	case "json", "text":
	default:
		return Settings{}, fmt.Errorf("log-format must be json or text")
	}
	return s, nil
}
