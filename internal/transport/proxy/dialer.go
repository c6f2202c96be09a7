package proxy

import (
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"

	"wifi-reward-gateway/internal/platform/config"
)

// DialFunc opens an upstream TCP connection for a tunnel.
type DialFunc func(network, addr string) (net.Conn, error)

// buildDialer returns a direct dialer, or one chained through the configured
// upstream SOCKS5 server.
func buildDialer(cfg config.SOCKS5Config, timeout time.Duration) (DialFunc, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	base := &net.Dialer{Timeout: timeout}

	if !cfg.Enabled {
		return base.Dial, nil
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("upstream socks5 enabled but no address configured")
	}

	var auth *xproxy.Auth
	if cfg.Username != "" {
		auth = &xproxy.Auth{User: cfg.Username, Password: cfg.Password}
	}
	dialer, err := xproxy.SOCKS5("tcp", cfg.Addr, auth, base)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer: %w", err)
	}
	return dialer.Dial, nil
}
