package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wifi-reward-gateway/internal/domain/access"
	"wifi-reward-gateway/internal/domain/identity"
	identitystore "wifi-reward-gateway/internal/domain/identity/store"
	"wifi-reward-gateway/internal/domain/ledger"
	"wifi-reward-gateway/internal/domain/ledger/model"
	ledgerstore "wifi-reward-gateway/internal/domain/ledger/store"
	"wifi-reward-gateway/internal/platform/config"
	"wifi-reward-gateway/internal/platform/logging"
	"wifi-reward-gateway/internal/platform/storage"
)

type proxyEnv struct {
	proxy   *httptest.Server
	backend *httptest.Server
	ledger  *ledger.Service
	token   string
}

func newProxyEnv(t *testing.T, allowlist []string, backendBody []byte) *proxyEnv {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write(backendBody)
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.Server.JWTSecret = "test-secret"
	cfg.Proxy.FlushBytes = 1024
	cfg.Proxy.FlushInterval = 20 * time.Millisecond
	cfg.Proxy.IdleTimeout = 5 * time.Second
	cfg.Allowlist.Hosts = allowlist

	logger, err := logging.New(logging.Config{Level: "error", Dir: t.TempDir(), Filename: "proxy.log"})
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })

	dsn := fmt.Sprintf("file:proxy-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&storage.UserRecord{},
		&storage.DeviceRecord{},
		&storage.SessionRecord{},
	))

	resolver, err := identity.NewResolver(identity.Options{
		Store:  identitystore.NewMemory(identitystore.Config{TTL: time.Hour}),
		Logger: logger,
		DB:     db,
		Token:  identity.NewSessionToken(cfg.Server.JWTSecret),
	})
	require.NoError(t, err)
	t.Cleanup(func() { resolver.Close(context.Background()) })

	require.NoError(t, resolver.Register(context.Background(), "user@example.com", "secret1"))
	token, _, err := resolver.Login(context.Background(), "user@example.com", "secret1",
		identity.RequestContext{UserAgent: "proxy-test"})
	require.NoError(t, err)

	ledgerSvc, err := ledger.NewService(ledger.Options{Store: ledgerstore.NewMemory()})
	require.NoError(t, err)
	t.Cleanup(func() { ledgerSvc.Close(context.Background()) })

	srv, err := NewServer(cfg, logger, resolver, access.NewEngine(ledgerSvc, logger, allowlist), ledgerSvc)
	require.NoError(t, err)

	proxyServer := httptest.NewServer(srv)
	t.Cleanup(proxyServer.Close)

	return &proxyEnv{
		proxy:   proxyServer,
		backend: backend,
		ledger:  ledgerSvc,
		token:   token,
	}
}

func (e *proxyEnv) client() *http.Client {
	proxyURL, _ := url.Parse(e.proxy.URL)
	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func (e *proxyEnv) get(t *testing.T, client *http.Client, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.backend.URL, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("X-Session-Token", token)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *proxyEnv) grant(t *testing.T, amount int64) {
	t.Helper()
	_, err := e.ledger.Grant(context.Background(), ledger.GrantRequest{
		Identifier: "user@example.com", TotalBytes: amount, Source: model.SourceVideo,
	})
	require.NoError(t, err)
}

func (e *proxyEnv) remaining(t *testing.T) int64 {
	t.Helper()
	summary, err := e.ledger.Remaining(context.Background(), "user@example.com", "")
	require.NoError(t, err)
	return summary.RemainingBytes
}

func TestProxyMetersPlainHTTP(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 8<<10)
	env := newProxyEnv(t, nil, body)
	env.grant(t, model.MB)

	resp := env.get(t, env.client(), env.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, len(body))

	// The response settles after the handler finishes.
	require.Eventually(t, func() bool {
		return env.remaining(t) <= model.MB-int64(len(body))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProxyMetersUploadBody(t *testing.T) {
	upload := bytes.Repeat([]byte("u"), 512<<10)
	env := newProxyEnv(t, nil, []byte("ok"))
	env.grant(t, model.MB)

	req, err := http.NewRequest(http.MethodPost, env.backend.URL, bytes.NewReader(upload))
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", env.token)
	resp, err := env.client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The request body counts against quota like the response does.
	require.Eventually(t, func() bool {
		return env.remaining(t) <= model.MB-int64(len(upload))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEnsurePort(t *testing.T) {
	cases := []struct {
		host string
		port string
		want string
	}{
		{"example.com", "80", "example.com:80"},
		{"example.com:8080", "80", "example.com:8080"},
		{"[::1]", "443", "[::1]:443"},
		{"[::1]:8443", "443", "[::1]:8443"},
		{"10.0.0.1", "443", "10.0.0.1:443"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ensurePort(tc.host, tc.port), "host %q", tc.host)
	}
}

func TestProxyBlocksUnauthenticated(t *testing.T) {
	env := newProxyEnv(t, nil, []byte("hello"))
	env.grant(t, model.MB)

	resp := env.get(t, env.client(), "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "not_authenticated", resp.Header.Get(HeaderPortalReason))
	assert.Contains(t, resp.Header.Get("Location"), "/login")
}

func TestProxyBlocksWithoutQuota(t *testing.T) {
	env := newProxyEnv(t, nil, []byte("hello"))

	resp := env.get(t, env.client(), env.token)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "no_quota", resp.Header.Get(HeaderPortalReason))
}

func TestProxyAllowlistedHostUnmetered(t *testing.T) {
	body := bytes.Repeat([]byte("y"), 4<<10)
	// The backend listens on 127.0.0.1, so allowlisting it makes every
	// request to it free, even without a session.
	env := newProxyEnv(t, []string{"127.0.0.1"}, body)
	env.grant(t, model.MB)

	resp := env.get(t, env.client(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Len(t, got, len(body))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.MB, env.remaining(t))
}

func TestProxyExhaustionBlocksNextRequest(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 8<<10)
	env := newProxyEnv(t, nil, body)
	env.grant(t, 4<<10)

	client := env.client()

	// The first request drains the small grant; the transfer may be cut
	// short when the meter detects exhaustion.
	req, err := http.NewRequest(http.MethodGet, env.backend.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", env.token)
	if resp, err := client.Do(req); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	require.Eventually(t, func() bool {
		return env.remaining(t) == 0
	}, 2*time.Second, 20*time.Millisecond)

	resp := env.get(t, client, env.token)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "no_quota", resp.Header.Get(HeaderPortalReason))
}
