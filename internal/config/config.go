package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultGeneratorBaseURL    = "https://api.openai.com/v1"
	defaultGeneratorModel      = "gpt-4o-mini"
	defaultGeneratorTimeoutSec = 30
	defaultAPITimeoutSec       = 10
	defaultSendRatePerSec      = 2
	defaultHeartbeatCron       = "0 */10 * * * *"
	defaultHeartbeatTimezone   = "Asia/Tokyo"
)

// ErrInvalidBounds is returned when a configured min bound exceeds its max
// bound. Bounds are never silently swapped.
var ErrInvalidBounds = errors.New("min bound exceeds max bound")

type Config struct {
	OneBot    OneBotConfig    `yaml:"onebot"`
	Generator GeneratorConfig `yaml:"generator"`
	Poke      PokeConfig      `yaml:"poke"`
	MayPoke   MayPokeConfig   `yaml:"may_poke"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

type OneBotConfig struct {
	WSURL          string  `yaml:"ws_url"`
	AccessToken    string  `yaml:"access_token"`
	SelfID         int64   `yaml:"self_id"`
	GroupIDs       []int64 `yaml:"group_ids"`
	APITimeoutSec  int     `yaml:"api_timeout_sec"`
	SendRatePerSec float64 `yaml:"send_rate_per_sec"`
}

type GeneratorConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// PokeConfig is the hot-reloadable parameter section. Keys match the plugin
// config this bot grew out of; durations are plain seconds in the file.
type PokeConfig struct {
	MinSilenceTime        int     `yaml:"min_silence_time"`
	MaxSilenceTime        int     `yaml:"max_silence_time"`
	MinSilenceCounts      int     `yaml:"min_silence_counts"`
	MaxSilenceCounts      int     `yaml:"max_silence_counts"`
	CountsDecayInterval   int     `yaml:"counts_decay_interval"`
	ReflectProbability    float64 `yaml:"reflect_probability"`
	FollowProbability     float64 `yaml:"follow_probability"`
	InsensitivityDuration float64 `yaml:"insensitivity_duration"`
	BackPokeCooldown      int     `yaml:"back_poke_cooldown"`
}

type MayPokeConfig struct {
	Enabled bool `yaml:"enabled"`
}

type HeartbeatConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Params is the resolved poke parameter bundle handed to a single decision
// cycle. It is a point-in-time snapshot; the provider may serve a different
// bundle on the next cycle.
type Params struct {
	MinSilence         time.Duration
	MaxSilence         time.Duration
	MinPokeCount       int
	MaxPokeCount       int
	DecayInterval      time.Duration
	ReflectProbability float64
	FollowProbability  float64
	Insensitivity      time.Duration
	BackPokeCooldown   time.Duration
}

func DefaultParams() Params {
	return Params{
		MinSilence:         120 * time.Second,
		MaxSilence:         300 * time.Second,
		MinPokeCount:       5,
		MaxPokeCount:       9,
		DecayInterval:      180 * time.Second,
		ReflectProbability: 0.4,
		FollowProbability:  0.3,
		Insensitivity:      4 * time.Second,
		BackPokeCooldown:   10 * time.Second,
	}
}

func (p Params) Validate() error {
	if p.MinSilence > p.MaxSilence {
		return fmt.Errorf("silence duration: %w", ErrInvalidBounds)
	}
	if p.MinPokeCount > p.MaxPokeCount {
		return fmt.Errorf("poke count: %w", ErrInvalidBounds)
	}
	if p.ReflectProbability < 0 || p.ReflectProbability > 1 {
		return fmt.Errorf("reflect_probability %v out of [0,1]", p.ReflectProbability)
	}
	if p.FollowProbability < 0 || p.FollowProbability > 1 {
		return fmt.Errorf("follow_probability %v out of [0,1]", p.FollowProbability)
	}
	if p.DecayInterval <= 0 {
		return fmt.Errorf("decay interval %v is not positive", p.DecayInterval)
	}
	return nil
}

func defaultPokeConfig() PokeConfig {
	d := DefaultParams()
	return PokeConfig{
		MinSilenceTime:        int(d.MinSilence / time.Second),
		MaxSilenceTime:        int(d.MaxSilence / time.Second),
		MinSilenceCounts:      d.MinPokeCount,
		MaxSilenceCounts:      d.MaxPokeCount,
		CountsDecayInterval:   int(d.DecayInterval / time.Second),
		ReflectProbability:    d.ReflectProbability,
		FollowProbability:     d.FollowProbability,
		InsensitivityDuration: d.Insensitivity.Seconds(),
		BackPokeCooldown:      int(d.BackPokeCooldown / time.Second),
	}
}

func (c PokeConfig) params() Params {
	return Params{
		MinSilence:         time.Duration(c.MinSilenceTime) * time.Second,
		MaxSilence:         time.Duration(c.MaxSilenceTime) * time.Second,
		MinPokeCount:       c.MinSilenceCounts,
		MaxPokeCount:       c.MaxSilenceCounts,
		DecayInterval:      time.Duration(c.CountsDecayInterval) * time.Second,
		ReflectProbability: c.ReflectProbability,
		FollowProbability:  c.FollowProbability,
		Insensitivity:      time.Duration(c.InsensitivityDuration * float64(time.Second)),
		BackPokeCooldown:   time.Duration(c.BackPokeCooldown) * time.Second,
	}
}

func Load(path string) (Config, error) {
	cfg := Config{
		Generator: GeneratorConfig{
			BaseURL:    defaultGeneratorBaseURL,
			Model:      defaultGeneratorModel,
			TimeoutSec: defaultGeneratorTimeoutSec,
		},
		OneBot: OneBotConfig{
			APITimeoutSec:  defaultAPITimeoutSec,
			SendRatePerSec: defaultSendRatePerSec,
		},
		Poke: defaultPokeConfig(),
		Heartbeat: HeartbeatConfig{
			Cron:     defaultHeartbeatCron,
			Timezone: defaultHeartbeatTimezone,
		},
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.OneBot.WSURL) == "" {
		return errors.New("onebot.ws_url is required")
	}
	if c.OneBot.SelfID == 0 {
		return errors.New("onebot.self_id is required")
	}
	if c.OneBot.SendRatePerSec <= 0 {
		return errors.New("onebot.send_rate_per_sec must be positive")
	}
	if strings.TrimSpace(c.Generator.BaseURL) == "" {
		return errors.New("generator.base_url is required")
	}
	if strings.TrimSpace(c.Generator.Model) == "" {
		return errors.New("generator.model is required")
	}
	if err := c.Poke.params().Validate(); err != nil {
		return err
	}
	if c.Heartbeat.Enabled {
		if strings.TrimSpace(c.Heartbeat.Cron) == "" {
			return errors.New("heartbeat.cron is required")
		}
		if strings.TrimSpace(c.Heartbeat.Timezone) == "" {
			return errors.New("heartbeat.timezone is required")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	applyString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	applyInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				*dst = parsed
			}
		}
	}

	applyString("ONEBOT_WS_URL", &cfg.OneBot.WSURL)
	applyString("ONEBOT_ACCESS_TOKEN", &cfg.OneBot.AccessToken)
	applyInt64("ONEBOT_SELF_ID", &cfg.OneBot.SelfID)
	applyString("GENERATOR_BASE_URL", &cfg.Generator.BaseURL)
	applyString("GENERATOR_API_KEY", &cfg.Generator.APIKey)
	applyString("GENERATOR_MODEL", &cfg.Generator.Model)
}
