package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:        "0.0.0.0",
			JWTSecret: "change_me",
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "gateway.log",
		},
		Portal: PortalConfig{
			Enabled:   true,
			Port:      8080,
			StaticDir: "./web",
		},
		Proxy: ProxyConfig{
			Enabled:       true,
			Port:          8888,
			RouterID:      "router-default",
			IdleTimeout:   90 * time.Second,
			DialTimeout:   30 * time.Second,
			FlushBytes:    256 * 1024,
			FlushInterval: 2 * time.Second,
		},
		Session: SessionConfig{
			Store: StoreConfig{
				Type:   "memory",
				Expiry: 24 * time.Hour,
			},
		},
		Ledger: LedgerConfig{
			Store:        "sqlite",
			DataDir:      "./data",
			DebitRetries: 3,
			LockShards:   64,
		},
		Rewards: RewardsConfig{
			PerVideoMB:       20,
			MinWatchFraction: 0.9,
			CooldownWindow:   30 * time.Minute,
			DefaultDuration:  30 * time.Second,
			Milestones: []MilestoneRule{
				{Count: 5, BundleMB: 100},
			},
		},
		Allowlist: AllowlistConfig{
			Hosts: []string{
				"portal.isn.local",
				"googlevideo.com",
				"ytimg.com",
				"youtube.com",
			},
		},
	}
}
