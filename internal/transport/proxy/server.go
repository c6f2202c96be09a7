// Package proxy is the metered forward proxy. Every request is resolved to
// an identity, gated by the access engine, and its tunnel bytes are settled
// against the quota ledger.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"wifi-reward-gateway/internal/domain/access"
	"wifi-reward-gateway/internal/domain/identity"
	"wifi-reward-gateway/internal/domain/ledger"
	"wifi-reward-gateway/internal/platform/config"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
	"wifi-reward-gateway/internal/platform/logging"
)

// HeaderPortalReason carries the machine-readable block reason.
const HeaderPortalReason = "X-Portal-Reason"

// Server is the proxy listener.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	resolver *identity.Resolver
	access   *access.Engine
	ledger   *ledger.Service
	dial     DialFunc
	httpSrv  *http.Server
}

// NewServer wires the proxy server.
func NewServer(
	cfg *config.Config,
	logger *logging.Logger,
	resolver *identity.Resolver,
	accessEngine *access.Engine,
	ledgerSvc *ledger.Service,
) (*Server, error) {
	if cfg == nil || logger == nil || resolver == nil || accessEngine == nil || ledgerSvc == nil {
		return nil, platformerrors.New(platformerrors.KindConfig, "proxy.new",
			"config, logger, resolver, access and ledger are required")
	}
	dial, err := buildDialer(cfg.Proxy.Upstream, cfg.Proxy.DialTimeout)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindConfig, "proxy.new",
			"invalid upstream configuration", err)
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		resolver: resolver,
		access:   accessEngine,
		ledger:   ledgerSvc,
		dial:     dial,
	}, nil
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.IP, s.cfg.Proxy.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "proxy.start",
			"failed to listen", err)
	}
	s.httpSrv = &http.Server{Handler: s}
	s.logger.InfoTag("PROXY", "metered proxy listening on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ServeHTTP gates and tunnels a single proxy request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := identity.RequestContext{
		ClientIP:     clientIP(r.RemoteAddr),
		RouterID:     s.cfg.Proxy.RouterID,
		UserAgent:    r.UserAgent(),
		SessionToken: proxyToken(r),
		ClientToken:  r.Header.Get("X-Client-Token"),
	}
	var identifier, fingerprint string
	if id, err := s.resolver.Resolve(r.Context(), rc); err == nil {
		identifier = id.Identifier
		fingerprint = id.DeviceFingerprint
	}

	decision := s.access.Decide(r.Context(), identifier, fingerprint, r.Host)
	if !decision.Allowed() {
		s.logger.InfoTag("PROXY", "blocked %s -> %s (%s)",
			rc.ClientIP, r.Host, decision.ReasonCode)
		s.block(w, r, decision)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, identifier, fingerprint, decision)
	} else {
		s.handleHTTP(w, r, identifier, fingerprint, decision)
	}
}

// block refuses the request with a portal hint. Plain HTTP gets a browser
// redirect; CONNECT clients only understand the status line, so they get a
// 403 with the reason header.
func (s *Server) block(w http.ResponseWriter, r *http.Request, d access.Decision) {
	w.Header().Set(HeaderPortalReason, d.ReasonCode)
	if r.Method == http.MethodConnect {
		http.Error(w, "quota required: visit the portal to earn data", http.StatusForbidden)
		return
	}
	http.Redirect(w, r, s.portalURL(), http.StatusFound)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, identifier, fingerprint string, d access.Decision) {
	target := ensurePort(r.Host, "443")

	upstream, err := s.dial("tcp", target)
	if err != nil {
		s.logger.WarnTag("PROXY", "dial %s failed: %v", target, err)
		http.Error(w, "failed to reach destination", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	defer client.Close()
	defer upstream.Close()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var meter *Meter
	if d.Metered() {
		meter = NewMeter(MeterOptions{
			Ledger:        s.ledger,
			Logger:        s.logger,
			Identifier:    identifier,
			Fingerprint:   fingerprint,
			FlushBytes:    s.cfg.Proxy.FlushBytes,
			FlushInterval: s.cfg.Proxy.FlushInterval,
			OnExhausted: func() {
				client.Close()
				upstream.Close()
			},
		})
		defer meter.Close()
	}

	s.tunnel(client, upstream, meter)
	s.logger.DebugTag("PROXY", "tunnel %s -> %s closed", clientIP(r.RemoteAddr), target)
}

// tunnel copies both directions, feeding the meter and enforcing the idle
// timeout, until either side closes.
func (s *Server) tunnel(client, upstream net.Conn, meter *Meter) {
	var lastActive atomic.Int64
	touch := func() { lastActive.Store(time.Now().UnixNano()) }
	touch()

	idle := s.cfg.Proxy.IdleTimeout
	if idle > 0 {
		watchdogStop := make(chan struct{})
		defer close(watchdogStop)
		go func() {
			ticker := time.NewTicker(idle / 4)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if time.Since(time.Unix(0, lastActive.Load())) > idle {
						client.Close()
						upstream.Close()
						return
					}
				case <-watchdogStop:
					return
				}
			}
		}()
	}

	done := make(chan struct{}, 2)
	go func() {
		meteredCopy(upstream, client, meter, touch)
		done <- struct{}{}
	}()
	go func() {
		meteredCopy(client, upstream, meter, touch)
		done <- struct{}{}
	}()
	<-done
	client.Close()
	upstream.Close()
	<-done
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request, identifier, fingerprint string, d access.Decision) {
	if !r.URL.IsAbs() {
		http.Error(w, "this is a forward proxy; absolute-form requests required", http.StatusBadRequest)
		return
	}
	target := ensurePort(r.Host, "80")

	upstream, err := s.dial("tcp", target)
	if err != nil {
		s.logger.WarnTag("PROXY", "dial %s failed: %v", target, err)
		http.Error(w, "failed to reach destination", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	var meter *Meter
	if d.Metered() {
		meter = NewMeter(MeterOptions{
			Ledger:        s.ledger,
			Logger:        s.logger,
			Identifier:    identifier,
			Fingerprint:   fingerprint,
			FlushBytes:    s.cfg.Proxy.FlushBytes,
			FlushInterval: s.cfg.Proxy.FlushInterval,
			OnExhausted:   func() { upstream.Close() },
		})
		defer meter.Close()
		// A completed request settles in full; only torn-down tunnels
		// discard their remainder.
		defer meter.Flush()
	}

	out := normalizeRequest(r)
	if meter != nil && out.Body != nil {
		// Uploads count against quota the same way downloads do.
		out.Body = &meteredBody{rc: out.Body, meter: meter}
	}
	if err := out.Write(upstream); err != nil {
		http.Error(w, "failed to forward request", http.StatusBadGateway)
		return
	}
	resp, err := http.ReadResponse(bufio.NewReader(upstream), r)
	if err != nil {
		http.Error(w, "failed to read response", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := meteredCopy(w, resp.Body, meter, func() {})
	s.logger.DebugTag("PROXY", "http %s %s -> %d (%d bytes)", r.Method, r.Host, resp.StatusCode, n)
}

// normalizeRequest rewrites an absolute-form proxy request into the
// origin-form the destination server expects, stripping hop-by-hop proxy
// headers.
func normalizeRequest(r *http.Request) *http.Request {
	out := new(http.Request)
	*out = *r

	out.URL = &url.URL{
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	if out.URL.Path == "" {
		out.URL.Path = "/"
	}
	out.RequestURI = ""

	out.Header = make(http.Header)
	for key, values := range r.Header {
		if strings.EqualFold(key, "Proxy-Connection") ||
			strings.EqualFold(key, "Proxy-Authenticate") ||
			strings.EqualFold(key, "Proxy-Authorization") {
			continue
		}
		for _, v := range values {
			out.Header.Add(key, v)
		}
	}
	out.Host = r.Host
	return out
}

// meteredBody feeds uploaded request bytes to the meter while they stream to
// the upstream server.
type meteredBody struct {
	rc    io.ReadCloser
	meter *Meter
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.meter.Add(int64(n))
	}
	return n, err
}

func (b *meteredBody) Close() error { return b.rc.Close() }

func meteredCopy(dst io.Writer, src io.Reader, meter *Meter, touch func()) (int64, error) {
	buf := make([]byte, 32<<10)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			touch()
			if meter != nil {
				meter.Add(int64(n))
			}
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

// proxyToken extracts the session token a proxy client presents, either as
// Proxy-Authorization bearer credentials or a dedicated header.
func proxyToken(r *http.Request) string {
	auth := r.Header.Get("Proxy-Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-Session-Token")
}

func (s *Server) portalURL() string {
	host := s.cfg.Server.IP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/login", host, s.cfg.Portal.Port)
}

// ensurePort appends the default port when the host carries none. Bracketed
// IPv6 literals without a port also fail SplitHostPort, so they are unwrapped
// before joining.
func ensurePort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
