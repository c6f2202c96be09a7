// Package webapi implements the portal REST API: accounts, quota queries,
// video completions and the admin surface.
package webapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"gorm.io/gorm"

	"wifi-reward-gateway/internal/domain/access"
	"wifi-reward-gateway/internal/domain/identity"
	"wifi-reward-gateway/internal/domain/ledger"
	ledgermodel "wifi-reward-gateway/internal/domain/ledger/model"
	"wifi-reward-gateway/internal/domain/reward"
	"wifi-reward-gateway/internal/platform/config"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
	"wifi-reward-gateway/internal/platform/logging"
	"wifi-reward-gateway/internal/platform/storage"
	httptransport "wifi-reward-gateway/internal/transport/http"
)

const (
	ctxIdentityKey = "gateway.identity"
	ctxTokenKey    = "gateway.token"
)

// Service is the HTTP transport layer of the portal API.
type Service struct {
	cfg       *config.Config
	logger    *logging.Logger
	resolver  *identity.Resolver
	ledger    *ledger.Service
	rewards   *reward.Engine
	access    *access.Engine
	db        *gorm.DB
	startedAt time.Time
}

// NewService wires the portal API service.
func NewService(
	cfg *config.Config,
	logger *logging.Logger,
	resolver *identity.Resolver,
	ledgerSvc *ledger.Service,
	rewards *reward.Engine,
	accessEngine *access.Engine,
	db *gorm.DB,
) (*Service, error) {
	if cfg == nil {
		return nil, platformerrors.New(platformerrors.KindConfig, "webapi.new", "config is required")
	}
	if logger == nil {
		return nil, platformerrors.New(platformerrors.KindConfig, "webapi.new", "logger is required")
	}
	if resolver == nil || ledgerSvc == nil || rewards == nil || accessEngine == nil {
		return nil, platformerrors.New(platformerrors.KindConfig, "webapi.new",
			"resolver, ledger, rewards and access engines are required")
	}

	return &Service{
		cfg:       cfg,
		logger:    logger,
		resolver:  resolver,
		ledger:    ledgerSvc,
		rewards:   rewards,
		access:    accessEngine,
		db:        db,
		startedAt: time.Now(),
	}, nil
}

// AuthMiddleware resolves the bearer token into an identity and aborts with
// 401 when it cannot.
func (s *Service) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		id, err := s.resolver.Resolve(c.Request.Context(), s.requestContext(c, token))
		if err != nil {
			httptransport.RespondError(c, http.StatusUnauthorized, "authentication required",
				gin.H{"portal": s.portalURL()})
			c.Abort()
			return
		}
		c.Set(ctxIdentityKey, id)
		c.Set(ctxTokenKey, token)
		c.Next()
	}
}

// AdminMiddleware guards the admin surface with the configured token.
func (s *Service) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Admin-Token")
		if token == "" {
			token = bearerToken(c)
		}
		if s.cfg.Server.AdminToken == "" || token != s.cfg.Server.AdminToken {
			httptransport.RespondError(c, http.StatusForbidden, "admin token required", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Register binds the portal routes onto the router groups.
func (s *Service) Register(ctx context.Context, router *httptransport.Router) error {
	api := router.API
	api.POST("/user/register", s.handleRegister)
	api.POST("/user/login", s.handleLogin)
	api.GET("/videos", s.handleVideoCatalog)

	secured := router.Secured
	if secured == nil {
		secured = api.Group("")
		secured.Use(s.AuthMiddleware())
	}
	secured.POST("/user/logout", s.handleLogout)
	secured.GET("/quota/remaining", s.handleQuotaRemaining)
	secured.GET("/quota/bundles", s.handleQuotaBundles)
	secured.POST("/video/complete", s.handleVideoComplete)
	secured.GET("/session/ping", s.handleSessionPing)

	admin := api.Group("/admin")
	admin.Use(s.AdminMiddleware())
	{
		admin.POST("/grant", s.handleAdminGrant)
		admin.POST("/adjust", s.handleAdminAdjust)
		admin.GET("/summary/:identifier", s.handleAdminSummary)
		admin.GET("/sessions", s.handleAdminSessions)
		admin.GET("/system", s.handleAdminSystem)
	}

	s.logger.InfoTag("HTTP", "portal API routes registered")
	return nil
}

type credentialsRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

func (s *Service) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "identifier and password required", nil)
		return
	}
	if err := s.resolver.Register(c.Request.Context(), req.Identifier, req.Password); err != nil {
		switch {
		case errors.Is(err, identity.ErrIdentifierTaken):
			httptransport.RespondError(c, http.StatusConflict, "identifier already registered", nil)
		case errors.Is(err, identity.ErrInvalidRegistration):
			httptransport.RespondError(c, http.StatusBadRequest, err.Error(), nil)
		default:
			s.logger.ErrorTag("HTTP", "registration failed: %v", err)
			httptransport.RespondError(c, http.StatusInternalServerError, "registration failed", nil)
		}
		return
	}
	httptransport.RespondSuccess(c, http.StatusCreated, nil, "account created")
}

func (s *Service) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "identifier and password required", nil)
		return
	}
	token, session, err := s.resolver.Login(c.Request.Context(), req.Identifier, req.Password,
		s.requestContext(c, ""))
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			httptransport.RespondError(c, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		httptransport.RespondError(c, http.StatusInternalServerError, "login failed", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"token":       token,
		"session_id":  session.SessionID,
		"fingerprint": session.Fingerprint,
		"expires_at":  session.ExpiresAt,
	}, "login ok")
}

func (s *Service) handleLogout(c *gin.Context) {
	token := c.GetString(ctxTokenKey)
	if err := s.resolver.Logout(c.Request.Context(), token); err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "logout failed", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, nil, "logged out")
}

func (s *Service) handleQuotaRemaining(c *gin.Context) {
	id := s.identityFrom(c)
	summary, err := s.ledger.Remaining(c.Request.Context(), id.Identifier, id.DeviceFingerprint)
	if err != nil {
		httptransport.RespondError(c, http.StatusServiceUnavailable, "quota ledger unavailable", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"identifier":      summary.Identifier,
		"total_bytes":     summary.TotalBytes,
		"used_bytes":      summary.UsedBytes,
		"remaining_bytes": summary.RemainingBytes,
		"remaining_mb":    summary.RemainingMB(),
	}, "")
}

func (s *Service) handleQuotaBundles(c *gin.Context) {
	id := s.identityFrom(c)
	summary, err := s.ledger.Remaining(c.Request.Context(), id.Identifier, id.DeviceFingerprint)
	if err != nil {
		httptransport.RespondError(c, http.StatusServiceUnavailable, "quota ledger unavailable", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, summary.Bundles, "")
}

type videoCompleteRequest struct {
	VideoRef     string `json:"video_ref" binding:"required"`
	WatchSeconds int    `json:"watch_seconds" binding:"required"`
}

func (s *Service) handleVideoComplete(c *gin.Context) {
	id := s.identityFrom(c)
	var req videoCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "video_ref and watch_seconds required", nil)
		return
	}
	result, err := s.rewards.RecordCompletion(c.Request.Context(),
		id.Identifier, id.DeviceFingerprint, req.VideoRef, req.WatchSeconds)
	if err != nil {
		if errors.Is(err, reward.ErrDuplicateVideoEvent) {
			httptransport.RespondError(c, http.StatusConflict, "completion already recorded", result)
			return
		}
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to record completion", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, result, "")
}

func (s *Service) handleSessionPing(c *gin.Context) {
	token := c.GetString(ctxTokenKey)
	session, err := s.resolver.Ping(c.Request.Context(), token)
	if err != nil {
		httptransport.RespondError(c, http.StatusUnauthorized, "session expired", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, session, "")
}

func (s *Service) handleVideoCatalog(c *gin.Context) {
	type videoEntry struct {
		Ref             string  `json:"ref"`
		Title           string  `json:"title,omitempty"`
		DurationSeconds float64 `json:"duration_seconds"`
		RewardMB        int64   `json:"reward_mb"`
	}
	entries := make([]videoEntry, 0, len(s.cfg.Rewards.Videos))
	for _, v := range s.cfg.Rewards.Videos {
		entries = append(entries, videoEntry{
			Ref:             v.Ref,
			Title:           v.Title,
			DurationSeconds: v.Duration.Seconds(),
			RewardMB:        s.cfg.Rewards.PerVideoMB,
		})
	}
	httptransport.RespondSuccess(c, http.StatusOK, entries, "")
}

type adminGrantRequest struct {
	Identifier  string `json:"identifier" binding:"required"`
	DeviceScope string `json:"device_scope"`
	AmountMB    int64  `json:"amount_mb" binding:"required"`
	Strict      bool   `json:"strict"`
	ExpiresIn   string `json:"expires_in"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
}

func (s *Service) handleAdminGrant(c *gin.Context) {
	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "identifier and amount_mb required", nil)
		return
	}
	if req.AmountMB <= 0 {
		httptransport.RespondError(c, http.StatusBadRequest, "amount_mb must be positive", nil)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			httptransport.RespondError(c, http.StatusBadRequest, "invalid expires_in duration", nil)
			return
		}
		exp := time.Now().Add(d)
		expiresAt = &exp
	}

	bundleID, err := s.ledger.Grant(c.Request.Context(), ledger.GrantRequest{
		Identifier:  req.Identifier,
		DeviceScope: req.DeviceScope,
		TotalBytes:  req.AmountMB * ledgermodel.MB,
		Source:      ledgermodel.SourceAdminGrant,
		ExpiresAt:   expiresAt,
		StrictMode:  req.Strict,
		Metadata:    map[string]any{"reason": req.Reason},
	})
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	s.audit(c, req.Actor, "grant", req.Identifier, req.DeviceScope, req.AmountMB*ledgermodel.MB, req.Reason, bundleID)
	httptransport.RespondSuccess(c, http.StatusCreated, gin.H{"bundle_id": bundleID}, "quota granted")
}

type adminAdjustRequest struct {
	Identifier  string `json:"identifier" binding:"required"`
	Fingerprint string `json:"fingerprint"`
	AmountMB    int64  `json:"amount_mb" binding:"required"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor"`
}

// handleAdminAdjust applies a signed correction: positive values grant,
// negative values consume quota through the normal debit path.
func (s *Service) handleAdminAdjust(c *gin.Context) {
	var req adminAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httptransport.RespondError(c, http.StatusBadRequest, "identifier and amount_mb required", nil)
		return
	}

	switch {
	case req.AmountMB > 0:
		bundleID, err := s.ledger.Grant(c.Request.Context(), ledger.GrantRequest{
			Identifier: req.Identifier,
			TotalBytes: req.AmountMB * ledgermodel.MB,
			Source:     ledgermodel.SourceAdminGrant,
			Metadata:   map[string]any{"reason": req.Reason, "adjustment": true},
		})
		if err != nil {
			httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		s.audit(c, req.Actor, "adjust-grant", req.Identifier, "", req.AmountMB*ledgermodel.MB, req.Reason, bundleID)
		httptransport.RespondSuccess(c, http.StatusOK, gin.H{"bundle_id": bundleID}, "quota adjusted up")
	case req.AmountMB < 0:
		outcome, err := s.ledger.DebitUpTo(c.Request.Context(),
			req.Identifier, req.Fingerprint, -req.AmountMB*ledgermodel.MB)
		if err != nil {
			httptransport.RespondError(c, http.StatusInternalServerError, err.Error(), nil)
			return
		}
		s.audit(c, req.Actor, "adjust-debit", req.Identifier, req.Fingerprint, -outcome.DebitedBytes, req.Reason, "")
		httptransport.RespondSuccess(c, http.StatusOK, gin.H{
			"debited_bytes":   outcome.DebitedBytes,
			"remaining_after": outcome.RemainingAfter,
		}, "quota adjusted down")
	default:
		httptransport.RespondError(c, http.StatusBadRequest, "amount_mb must be non-zero", nil)
	}
}

func (s *Service) handleAdminSummary(c *gin.Context) {
	identifier := c.Param("identifier")
	fingerprint := c.Query("fingerprint")
	summary, err := s.ledger.Remaining(c.Request.Context(), identifier, fingerprint)
	if err != nil {
		httptransport.RespondError(c, http.StatusServiceUnavailable, "quota ledger unavailable", nil)
		return
	}
	httptransport.RespondSuccess(c, http.StatusOK, summary, "")
}

func (s *Service) handleAdminSessions(c *gin.Context) {
	ids, err := s.resolver.Sessions(c.Request.Context())
	if err != nil {
		httptransport.RespondError(c, http.StatusInternalServerError, "failed to list sessions", nil)
		return
	}
	stats, _ := s.resolver.Stats(c.Request.Context())
	httptransport.RespondSuccess(c, http.StatusOK, gin.H{
		"sessions": ids,
		"stats":    stats,
	}, "")
}

func (s *Service) handleAdminSystem(c *gin.Context) {
	info := gin.H{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["mem_used_percent"] = vm.UsedPercent
		info["mem_total_bytes"] = vm.Total
	}
	if hostInfo, err := host.Info(); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["host_uptime_seconds"] = hostInfo.Uptime
	}
	httptransport.RespondSuccess(c, http.StatusOK, info, "")
}

// audit persists an admin action. Failures are logged, never surfaced: the
// grant itself already succeeded.
func (s *Service) audit(c *gin.Context, actor, action, identifier, scope string, amountBytes int64, reason, bundleID string) {
	if s.db == nil {
		return
	}
	if actor == "" {
		actor = "admin"
	}
	record := storage.AdminAuditRecord{
		Actor:       actor,
		Action:      action,
		Identifier:  identifier,
		DeviceScope: scope,
		AmountBytes: amountBytes,
		Reason:      reason,
		BundleID:    bundleID,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(c.Request.Context()).Create(&record).Error; err != nil {
		s.logger.WarnTag("HTTP", "admin audit write failed: %v", err)
	}
}

// IdentifierFrom exposes the authenticated identifier for handlers outside
// this package, such as the websocket usage feed.
func (s *Service) IdentifierFrom(c *gin.Context) string {
	return s.identityFrom(c).Identifier
}

func (s *Service) identityFrom(c *gin.Context) identity.Identity {
	if v, ok := c.Get(ctxIdentityKey); ok {
		if id, ok := v.(identity.Identity); ok {
			return id
		}
	}
	return identity.Identity{}
}

func (s *Service) requestContext(c *gin.Context, token string) identity.RequestContext {
	return identity.RequestContext{
		ClientIP:     c.ClientIP(),
		RouterID:     c.GetHeader("X-Router-Id"),
		UserAgent:    c.Request.UserAgent(),
		SessionToken: token,
		ClientToken:  c.GetHeader("X-Client-Token"),
	}
}

func (s *Service) portalURL() string {
	return "/login"
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.Query("token")
}
