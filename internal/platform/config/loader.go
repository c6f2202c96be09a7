package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	platformerrors "wifi-reward-gateway/internal/platform/errors"
)

var candidatePaths = []string{".config.yaml", "config.yaml", "data/config.yaml"}

// Loader reads configuration from yaml with env overrides.
type Loader struct {
	useDotEnv bool
	path      string
}

// NewLoader creates a loader using the default search paths.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the configuration file path (useful for tests).
func (l *Loader) WithPath(path string) *Loader {
	if path != "" {
		l.path = path
	}
	return l
}

// Result captures the loaded configuration and its origin path.
type Result struct {
	Config *Config
	Path   string
}

// Load reads the first configuration file found, layered over the defaults.
// A missing file is not an error: defaults plus env overrides apply.
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file found, using system environment")
		}
	}

	cfg := DefaultConfig()
	path := l.path
	if path == "" {
		for _, candidate := range candidatePaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindConfig, "loader.read", "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindConfig, "loader.parse", "failed to parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return &Result{Config: cfg, Path: path}, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("GATEWAY_PORTAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Portal.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Proxy.Port = port
		}
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.Session.Store.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the engines cannot run with.
func Validate(cfg *Config) error {
	if cfg.Rewards.MinWatchFraction <= 0 || cfg.Rewards.MinWatchFraction > 1 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"rewards.min_watch_fraction must be in (0, 1]")
	}
	if cfg.Rewards.PerVideoMB < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"rewards.per_video_mb must not be negative")
	}

	// Milestone table must be strictly increasing in both count and bundle size.
	rules := append([]MilestoneRule(nil), cfg.Rewards.Milestones...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].Count < rules[j].Count })
	for i, rule := range rules {
		if rule.Count <= 0 || rule.BundleMB <= 0 {
			return platformerrors.New(platformerrors.KindConfig, "validate",
				"milestone entries must have positive count and bundle_mb")
		}
		if i > 0 && (rule.Count <= rules[i-1].Count || rule.BundleMB <= rules[i-1].BundleMB) {
			return platformerrors.New(platformerrors.KindConfig, "validate",
				"milestone table must be strictly increasing in count and bundle_mb")
		}
	}
	cfg.Rewards.Milestones = rules

	if cfg.Proxy.FlushBytes <= 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			"proxy.flush_bytes must be positive")
	}
	return nil
}
