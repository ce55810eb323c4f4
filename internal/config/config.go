// Package config resolves gateway configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Critic   CriticConfig  `yaml:"critic"`
	Trust    TrustConfig   `yaml:"trust"`
	Circuit  CircuitConfig `yaml:"circuit"`
	Cache    CacheConfig   `yaml:"cache"`
	Webhooks WebhookConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type CriticConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Provider       string  `yaml:"provider"` // anthropic | openai | google | xai
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

type TrustConfig struct {
	DefaultScore int `yaml:"default_score"`
	DecayRate    int `yaml:"decay_rate"` // points per interval
	DecayHours   int `yaml:"decay_hours"`
	MaxPerUpdate int `yaml:"max_per_update"`
	MaxPerHour   int `yaml:"max_per_hour"`
	MaxPerDay    int `yaml:"max_per_day"`
}

type CircuitConfig struct {
	WindowSeconds      int     `yaml:"window_seconds"`
	ResetSeconds       int     `yaml:"reset_seconds"`
	MinRequests        int     `yaml:"min_requests"`
	HighRiskRatio      float64 `yaml:"high_risk_ratio"`
	HighRiskThreshold  float64 `yaml:"high_risk_threshold"`
	TripwireThreshold  int     `yaml:"tripwire_threshold"`
	InjectionThreshold int     `yaml:"injection_threshold"`
	CriticThreshold    int     `yaml:"critic_threshold"`
	ProbeSuccesses     int     `yaml:"probe_successes"`
	ViolationHalt      int     `yaml:"violation_halt"`
}

type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"` // memory | redis
	MaxEntries    int    `yaml:"max_entries"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type WebhookConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns the contractual defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Critic: CriticConfig{
			Enabled:        true,
			Provider:       "anthropic",
			Temperature:    0.3,
			TimeoutSeconds: 2,
		},
		Trust: TrustConfig{
			DefaultScore: 400,
			DecayRate:    5,
			DecayHours:   24,
			MaxPerUpdate: 100,
			MaxPerHour:   200,
			MaxPerDay:    400,
		},
		Circuit: CircuitConfig{
			WindowSeconds:      300,
			ResetSeconds:       300,
			MinRequests:        10,
			HighRiskRatio:      0.10,
			HighRiskThreshold:  0.7,
			TripwireThreshold:  3,
			InjectionThreshold: 2,
			CriticThreshold:    5,
			ProbeSuccesses:     3,
			ViolationHalt:      10,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    "memory",
			MaxEntries: 1024,
			TTLSeconds: 300,
		},
		Webhooks: WebhookConfig{Workers: 4},
	}
}

// Load resolves configuration: defaults, then the YAML file at path (if it
// exists), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("PORT", &c.Server.Port)
	envStr("APP_ENV", &c.Server.Env)

	envBool("CRITIC_ENABLED", &c.Critic.Enabled)
	envStr("CRITIC_PROVIDER", &c.Critic.Provider)
	envStr("CRITIC_API_KEY", &c.Critic.APIKey)
	envStr("CRITIC_MODEL", &c.Critic.Model)
	envFloat("CRITIC_TEMPERATURE", &c.Critic.Temperature)
	envInt("CRITIC_TIMEOUT_SECONDS", &c.Critic.TimeoutSeconds)

	envInt("TRUST_DEFAULT_SCORE", &c.Trust.DefaultScore)
	envInt("TRUST_DECAY_RATE", &c.Trust.DecayRate)
	envInt("TRUST_DECAY_HOURS", &c.Trust.DecayHours)

	envInt("CIRCUIT_RESET_SECONDS", &c.Circuit.ResetSeconds)
	envInt("CIRCUIT_MIN_REQUESTS", &c.Circuit.MinRequests)
	envFloat("CIRCUIT_HIGH_RISK_RATIO", &c.Circuit.HighRiskRatio)

	envBool("CACHE_ENABLED", &c.Cache.Enabled)
	envStr("CACHE_BACKEND", &c.Cache.Backend)
	envInt("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	envInt("CACHE_TTL_SECONDS", &c.Cache.TTLSeconds)
	envStr("REDIS_ADDR", &c.Cache.RedisAddr)
	envStr("REDIS_PASSWORD", &c.Cache.RedisPassword)
	envInt("REDIS_DB", &c.Cache.RedisDB)
}

// CriticTimeout returns the critic deadline as a duration.
func (c *Config) CriticTimeout() time.Duration {
	return time.Duration(c.Critic.TimeoutSeconds) * time.Second
}

// CacheTTL returns the verdict cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// DecayInterval returns the trust decay period as a duration.
func (c *Config) DecayInterval() time.Duration {
	return time.Duration(c.Trust.DecayHours) * time.Hour
}

func envStr(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envFloat(key string, out *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		}
	}
}

func envBool(key string, out *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*out = b
		}
	}
}
