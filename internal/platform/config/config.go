package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Portal    PortalConfig    `yaml:"portal"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Session   SessionConfig   `yaml:"session"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Rewards   RewardsConfig   `yaml:"rewards"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
}

type ServerConfig struct {
	IP         string `yaml:"ip"`
	AdminToken string `yaml:"admin_token"`
	JWTSecret  string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// PortalConfig describes the captive-portal HTTP API and static site.
type PortalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	StaticDir string `yaml:"static_dir"`
}

// ProxyConfig describes the metered forward proxy listener.
type ProxyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Port          int           `yaml:"port"`
	RouterID      string        `yaml:"router_id"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	FlushBytes    int64         `yaml:"flush_bytes"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Upstream      SOCKS5Config  `yaml:"upstream,omitempty"`
}

// SOCKS5Config optionally chains the proxy through an upstream SOCKS5 server.
type SOCKS5Config struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// SessionConfig selects the session store backend.
type SessionConfig struct {
	Store StoreConfig `yaml:"store"`
}

type StoreConfig struct {
	Type    string            `yaml:"type"`
	Expiry  time.Duration     `yaml:"expiry"`
	Cleanup time.Duration     `yaml:"cleanup"`
	Redis   RedisStoreConfig  `yaml:"redis,omitempty"`
	SQLite  SQLiteStoreConfig `yaml:"sqlite,omitempty"`
	Memory  MemoryStoreConfig `yaml:"memory,omitempty"`
}

type RedisStoreConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type SQLiteStoreConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

type MemoryStoreConfig struct {
	Cleanup time.Duration `yaml:"cleanup"`
}

// LedgerConfig selects the quota ledger backend and tuning knobs.
type LedgerConfig struct {
	Store         string `yaml:"store"`
	DataDir       string `yaml:"data_dir"`
	DebitRetries  int    `yaml:"debit_retries"`
	LockShards    int    `yaml:"lock_shards"`
}

// RewardsConfig drives the video reward engine. Per-video credit and the
// milestone table are product decisions, so they live in config rather than code.
type RewardsConfig struct {
	PerVideoMB       int64           `yaml:"per_video_mb"`
	MinWatchFraction float64         `yaml:"min_watch_fraction"`
	CooldownWindow   time.Duration   `yaml:"cooldown_window"`
	DefaultDuration  time.Duration   `yaml:"default_duration"`
	Milestones       []MilestoneRule `yaml:"milestones"`
	Videos           []VideoInfo     `yaml:"videos"`
}

// MilestoneRule unlocks a bonus bundle when the cumulative accepted video
// count for an identifier reaches Count.
type MilestoneRule struct {
	Count    int   `yaml:"count"`
	BundleMB int64 `yaml:"bundle_mb"`
}

// VideoInfo declares a known advertising video and its nominal duration.
type VideoInfo struct {
	Ref      string        `yaml:"ref"`
	Title    string        `yaml:"title,omitempty"`
	Duration time.Duration `yaml:"duration"`
}

// AllowlistConfig lists host suffixes reachable without quota: the portal
// itself, auth endpoints and the video CDN.
type AllowlistConfig struct {
	Hosts []string `yaml:"hosts"`
}
