// Package config holds the application configuration: server, logging, loop timing
// and the per-game hyper-parameters handed to environments and agents.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// OuterConfig is the envelope of config.yaml: a kind tag plus the definition.
type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// Kind is the expected envelope kind.
const Kind = "arcade"

// Viper lower-cases every key it reads, so yaml tags below are lower-case as well.

// AppConfig is the decoded definition.
type AppConfig struct {
	Server    ServerConfig  `yaml:"server"`
	Logging   LoggingConfig `yaml:"logging"`
	ModelDir  string        `yaml:"modeldir"`
	Training  LoopConfig    `yaml:"training"`
	Inference LoopConfig    `yaml:"inference"`
	Games     []GameConfig  `yaml:"games"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoopConfig sets the fixed delay between ticks, which bounds the loop rate.
type LoopConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// GameConfig holds the per-game overrides. Zero values mean "use the default".
type GameConfig struct {
	ID          string           `yaml:"id"`
	Agent       string           `yaml:"agent"`
	MaxEpisodes int              `yaml:"maxepisodes"`
	Seed        int64            `yaml:"seed"`
	HyperParams []HyperParameter `yaml:"hyperparams"`
	Constraints Constraints      `yaml:"constraints"`
}

// Constraints are puzzle cell pairs that must hold equal or different symbols. Pairs
// left empty are generated randomly by the puzzle.
type Constraints struct {
	Equal []CellPair `yaml:"equal"`
	Diff  []CellPair `yaml:"diff"`
}

// CellPair names the cells (r1, c1) and (r2, c2).
type CellPair struct {
	R1 int `yaml:"r1"`
	C1 int `yaml:"c1"`
	R2 int `yaml:"r2"`
	C2 int `yaml:"c2"`
}

type HyperParameter struct {
	Key string  `yaml:"key"`
	Val float64 `yaml:"val"`
}

const (
	DefaultAddr          = ":8000"
	DefaultModelDir      = "models"
	DefaultMaxEpisodes   = 100
	DefaultTrainingTick  = 100 * time.Millisecond
	DefaultInferenceTick = 10 * time.Millisecond
)

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	return &AppConfig{
		Server:    ServerConfig{Addr: DefaultAddr},
		Logging:   LoggingConfig{Level: "info", Format: "console"},
		ModelDir:  DefaultModelDir,
		Training:  LoopConfig{Tick: DefaultTrainingTick},
		Inference: LoopConfig{Tick: DefaultInferenceTick},
	}
}

// Game returns the config for id; unknown ids get an empty config carrying only the id.
func (cfg *AppConfig) Game(id string) GameConfig {
	for _, g := range cfg.Games {
		if g.ID == id {
			return g
		}
	}
	return GameConfig{ID: id}
}

// MaxEpisodesOrDefault returns the episode budget for a training session.
func (g GameConfig) MaxEpisodesOrDefault() int {
	if g.MaxEpisodes > 0 {
		return g.MaxEpisodes
	}
	return DefaultMaxEpisodes
}

func (g GameConfig) GetHyperParamOrDefault(param string, defaultVal float64) float64 {
	for _, kvp := range g.HyperParams {
		if kvp.Key == param {
			return kvp.Val
		}
	}
	return defaultVal
}

// ErrWrongKind is returned when the file envelope is not an arcade config.
var ErrWrongKind = errors.New("config: unexpected kind")

// FromYaml reads the envelope with viper, then round-trips the definition through yaml
// to decode it into AppConfig. Missing fields keep their defaults.
func FromYaml(path string) (*AppConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	var err error
	if err = vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	outerConfig := &OuterConfig{}
	if err = vp.Unmarshal(outerConfig); err != nil {
		return nil, err
	}
	if outerConfig.Kind != Kind {
		return nil, fmt.Errorf("%w: %q", ErrWrongKind, outerConfig.Kind)
	}

	var spec []byte
	if spec, err = yaml.Marshal(outerConfig.Def); err != nil {
		return nil, err
	}

	innerConfig := Default()
	if err = yaml.Unmarshal(spec, innerConfig); err != nil {
		return nil, err
	}
	return innerConfig, nil
}

// Load resolves the configuration from the viper instance the CLI flags and environment
// are bound to: the "config" key names the file ("config-required" makes a missing file
// an error), and "addr", "log-level", "log-format"
// and "model-dir" override the file when set.
func Load(vp *viper.Viper) (cfg *AppConfig, err error) {
	cfg = Default()
	if path := vp.GetString("config"); path != "" {
		_, statErr := os.Stat(path)
		switch {
		case statErr == nil:
			if cfg, err = FromYaml(path); err != nil {
				return nil, err
			}
		case errors.Is(statErr, os.ErrNotExist) && !vp.GetBool("config-required"):
			// The default config path is optional.
		default:
			return nil, fmt.Errorf("config %s: %w", path, statErr)
		}
	}

	if addr := vp.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if lvl := vp.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := vp.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if dir := vp.GetString("model-dir"); dir != "" {
		cfg.ModelDir = dir
	}
	return cfg, nil
}
