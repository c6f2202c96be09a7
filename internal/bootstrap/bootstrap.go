package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	domainaccess "wifi-reward-gateway/internal/domain/access"
	"wifi-reward-gateway/internal/domain/eventbus"
	domainidentity "wifi-reward-gateway/internal/domain/identity"
	identitystore "wifi-reward-gateway/internal/domain/identity/store"
	domainledger "wifi-reward-gateway/internal/domain/ledger"
	"wifi-reward-gateway/internal/domain/ledger/model"
	ledgerstore "wifi-reward-gateway/internal/domain/ledger/store"
	domainreward "wifi-reward-gateway/internal/domain/reward"
	platformconfig "wifi-reward-gateway/internal/platform/config"
	platformerrors "wifi-reward-gateway/internal/platform/errors"
	platformlogging "wifi-reward-gateway/internal/platform/logging"
	platformobservability "wifi-reward-gateway/internal/platform/observability"
	platformstorage "wifi-reward-gateway/internal/platform/storage"
	httptransport "wifi-reward-gateway/internal/transport/http"
	httpwebapi "wifi-reward-gateway/internal/transport/http/webapi"
	proxytransport "wifi-reward-gateway/internal/transport/proxy"
	wstransport "wifi-reward-gateway/internal/transport/ws"
)

type stepFn func(context.Context, *appState) error

type initStep struct {
	ID        string
	Title     string
	DependsOn []string
	Kind      platformerrors.Kind
	Execute   stepFn
}

type appState struct {
	config                *platformconfig.Config
	configPath            string
	logger                *platformlogging.Logger
	observabilityShutdown platformobservability.ShutdownFunc
	resolver              *domainidentity.Resolver
	ledger                *domainledger.Service
	rewards               *domainreward.Engine
	abuse                 *domainreward.AbuseMonitor
	access                *domainaccess.Engine
}

// Run starts the whole gateway lifecycle: configuration, dependency
// initialisation, the portal and proxy listeners, and graceful shutdown.
func Run(ctx context.Context) error {
	state := &appState{}

	steps := InitGraph()
	if err := executeInitSteps(ctx, steps, state); err != nil {
		return err
	}

	config := state.config
	logger := state.logger
	if config == nil || logger == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"bootstrap state validation",
			"config/logger not initialised",
		)
	}

	logBootstrapGraph(steps, logger)

	if shutdown := state.observabilityShutdown; shutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WarnTag("bootstrap", "observability did not shut down cleanly: %v", err)
			}
		}()
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := state.resolver.Close(closeCtx); err != nil {
			logger.ErrorTag("identity", "resolver did not close cleanly: %v", err)
		}
		if err := state.ledger.Close(closeCtx); err != nil {
			logger.ErrorTag("ledger", "ledger did not close cleanly: %v", err)
		}
		if state.abuse != nil {
			if err := state.abuse.Stop(); err != nil {
				logger.WarnTag("reward", "abuse monitor did not detach cleanly: %v", err)
			}
		}
		eventbus.Shutdown()
	}()

	rootCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCtx, stop := signal.NotifyContext(rootCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(rootCtx)

	if err := startServices(state, group, groupCtx); err != nil {
		cancel()
		return err
	}

	if err := waitForShutdown(signalCtx, cancel, logger, group); err != nil {
		return err
	}

	logger.InfoTag("bootstrap", "gateway stopped")
	logger.Close()
	return nil
}

func logBootstrapGraph(steps []initStep, logger *platformlogging.Logger) {
	if logger == nil {
		return
	}
	logger.InfoTag("bootstrap", "initialisation order")
	for _, step := range steps {
		logger.InfoTag("bootstrap", "  %s", step.Title)
	}
}

func executeInitSteps(ctx context.Context, steps []initStep, state *appState) error {
	if state == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"execute init steps",
			"nil bootstrap state",
		)
	}

	completed := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := completed[dep]; !ok {
				return platformerrors.New(
					platformerrors.KindBootstrap,
					step.ID,
					fmt.Sprintf("dependency %s not satisfied", dep),
				)
			}
		}
		if step.Execute == nil {
			return platformerrors.New(
				platformerrors.KindBootstrap,
				step.ID,
				"missing execute function",
			)
		}
		if err := step.Execute(ctx, state); err != nil {
			var typed *platformerrors.Error
			if errors.As(err, &typed) {
				return err
			}

			kind := step.Kind
			if kind == "" {
				kind = platformerrors.KindBootstrap
			}
			return platformerrors.Wrap(kind, step.ID, "bootstrap step failed", err)
		}
		completed[step.ID] = struct{}{}
	}
	return nil
}

func InitGraph() []initStep {
	return []initStep{
		{
			ID:      "config:load",
			Title:   "Load configuration",
			Kind:    platformerrors.KindConfig,
			Execute: loadConfigStep,
		},
		{
			ID:        "logging:init-provider",
			Title:     "Initialise logging provider",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   initLoggingStep,
		},
		{
			ID:        "storage:init-database",
			Title:     "Initialise database",
			DependsOn: []string{"config:load"},
			Kind:      platformerrors.KindStorage,
			Execute:   initDatabaseStep,
		},
		{
			ID:        "observability:setup-hooks",
			Title:     "Setup observability hooks",
			DependsOn: []string{"logging:init-provider"},
			Kind:      platformerrors.KindBootstrap,
			Execute:   setupObservabilityStep,
		},
		{
			ID:        "ledger:init-service",
			Title:     "Initialise quota ledger",
			DependsOn: []string{"logging:init-provider", "storage:init-database"},
			Kind:      platformerrors.KindLedger,
			Execute:   initLedgerStep,
		},
		{
			ID:        "identity:init-resolver",
			Title:     "Initialise identity resolver",
			DependsOn: []string{"logging:init-provider", "storage:init-database"},
			Kind:      platformerrors.KindIdentity,
			Execute:   initIdentityStep,
		},
		{
			ID:        "reward:init-engine",
			Title:     "Initialise video reward engine",
			DependsOn: []string{"ledger:init-service"},
			Kind:      platformerrors.KindReward,
			Execute:   initRewardStep,
		},
		{
			ID:        "access:init-engine",
			Title:     "Initialise access decision engine",
			DependsOn: []string{"ledger:init-service"},
			Kind:      platformerrors.KindAccess,
			Execute:   initAccessStep,
		},
	}
}

func loadConfigStep(_ context.Context, state *appState) error {
	result, err := platformconfig.NewLoader().Load()
	if err != nil {
		return err
	}
	state.config = result.Config
	state.configPath = result.Path
	if state.configPath == "" {
		state.configPath = "defaults"
	}
	return nil
}

func initLoggingStep(_ context.Context, state *appState) error {
	if state == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"logging:init-provider",
			"config not loaded",
		)
	}

	logger, err := platformlogging.New(platformlogging.Config{
		Level:    state.config.Log.Level,
		Dir:      state.config.Log.Dir,
		Filename: state.config.Log.File,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "logging:init-provider", "failed to initialize logging provider", err)
	}

	state.logger = logger
	logger.InfoTag("bootstrap", "logging ready [%s] config from %s", state.config.Log.Level, state.configPath)
	return nil
}

func initDatabaseStep(_ context.Context, state *appState) error {
	if err := platformstorage.InitDatabase(state.config.Ledger.DataDir); err != nil {
		return platformerrors.Wrap(platformerrors.KindStorage, "storage:init-database", "failed to initialize database", err)
	}
	return nil
}

func setupObservabilityStep(ctx context.Context, state *appState) error {
	if state == nil || state.logger == nil || state.config == nil {
		return platformerrors.New(
			platformerrors.KindBootstrap,
			"observability:setup-hooks",
			"config/logger not initialised",
		)
	}

	cfg := platformobservability.Config{
		Enabled: strings.EqualFold(state.config.Log.Level, "debug"),
	}

	shutdown, err := platformobservability.Setup(ctx, cfg, state.logger.Slog())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindBootstrap, "observability:setup-hooks", "failed to setup observability hooks", err)
	}
	state.observabilityShutdown = shutdown
	return nil
}

func initLedgerStep(_ context.Context, state *appState) error {
	store, err := ledgerstore.New(ledgerstore.Config{
		Driver:  state.config.Ledger.Store,
		DataDir: state.config.Ledger.DataDir,
	}, platformstorage.GetDB())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindLedger, "ledger:init-service", "failed to create ledger store", err)
	}

	ledgerSvc, err := domainledger.NewService(domainledger.Options{
		Store:        store,
		Logger:       state.logger,
		DebitRetries: state.config.Ledger.DebitRetries,
		LockShards:   state.config.Ledger.LockShards,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindLedger, "ledger:init-service", "failed to create ledger service", err)
	}
	state.ledger = ledgerSvc
	return nil
}

func initIdentityStep(_ context.Context, state *appState) error {
	store, err := buildSessionStore(state.config)
	if err != nil {
		return err
	}

	resolver, err := domainidentity.NewResolver(domainidentity.Options{
		Store:           store,
		Logger:          state.logger,
		DB:              platformstorage.GetDB(),
		Token:           domainidentity.NewSessionToken(state.config.Server.JWTSecret),
		RouterID:        state.config.Proxy.RouterID,
		SessionTTL:      state.config.Session.Store.Expiry,
		CleanupInterval: state.config.Session.Store.Cleanup,
	})
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindIdentity, "identity:init-resolver", "failed to create identity resolver", err)
	}
	state.resolver = resolver
	return nil
}

func buildSessionStore(config *platformconfig.Config) (identitystore.Store, error) {
	storeType := strings.ToLower(strings.TrimSpace(config.Session.Store.Type))
	storeCfg := identitystore.Config{
		Driver: storeType,
		TTL:    config.Session.Store.Expiry,
	}

	if storeCfg.Driver == "" || storeCfg.Driver == "database" {
		storeCfg.Driver = identitystore.DriverSQLite
	}

	cleanupInterval := config.Session.Store.Cleanup
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}

	switch storeCfg.Driver {
	case identitystore.DriverMemory:
		if config.Session.Store.Memory.Cleanup > 0 {
			cleanupInterval = config.Session.Store.Memory.Cleanup
		}
		storeCfg.Memory = &identitystore.MemoryConfig{
			GCInterval: cleanupInterval,
		}
	case identitystore.DriverSQLite:
		storeCfg.SQLite = &identitystore.SQLiteConfig{
			DSN: config.Session.Store.SQLite.DSN,
		}
	case identitystore.DriverRedis:
		storeCfg.Redis = &identitystore.RedisConfig{
			Addr:     config.Session.Store.Redis.Addr,
			Username: config.Session.Store.Redis.Username,
			Password: config.Session.Store.Redis.Password,
			DB:       config.Session.Store.Redis.DB,
			Prefix:   config.Session.Store.Redis.Prefix,
		}
		if storeCfg.Redis.Addr == "" {
			return nil, platformerrors.New(
				platformerrors.KindBootstrap,
				"identity:init-resolver",
				"redis store addr is required",
			)
		}
	default:
		return nil, platformerrors.New(
			platformerrors.KindBootstrap,
			"identity:init-resolver",
			fmt.Sprintf("unsupported session store type %q", storeType),
		)
	}

	store, err := identitystore.New(storeCfg, identitystore.Dependencies{
		SQLiteDB: platformstorage.GetDB(),
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBootstrap, "identity:init-resolver", "failed to create session store", err)
	}
	return store, nil
}

func initRewardStep(_ context.Context, state *appState) error {
	events, err := domainreward.NewSQLiteEventStore(platformstorage.GetDB())
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindReward, "reward:init-engine", "failed to create reward event store", err)
	}

	engine, err := domainreward.NewEngine(events, state.ledger, state.logger, rewardConfig(state.config))
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindReward, "reward:init-engine", "failed to create reward engine", err)
	}
	state.rewards = engine

	monitor, err := domainreward.StartAbuseMonitor(state.logger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindReward, "reward:init-engine", "failed to start abuse monitor", err)
	}
	state.abuse = monitor
	return nil
}

func rewardConfig(config *platformconfig.Config) domainreward.Config {
	milestones := make([]domainreward.Milestone, 0, len(config.Rewards.Milestones))
	for _, rule := range config.Rewards.Milestones {
		milestones = append(milestones, domainreward.Milestone{
			Count:      rule.Count,
			BundleByte: rule.BundleMB * model.MB,
		})
	}

	durations := make(map[string]time.Duration, len(config.Rewards.Videos))
	for _, video := range config.Rewards.Videos {
		if video.Duration > 0 {
			durations[video.Ref] = video.Duration
		}
	}

	return domainreward.Config{
		PerVideoBytes:    config.Rewards.PerVideoMB * model.MB,
		MinWatchFraction: config.Rewards.MinWatchFraction,
		CooldownWindow:   config.Rewards.CooldownWindow,
		DefaultDuration:  config.Rewards.DefaultDuration,
		Milestones:       milestones,
		VideoDurations:   durations,
	}
}

func initAccessStep(_ context.Context, state *appState) error {
	state.access = domainaccess.NewEngine(state.ledger, state.logger, state.config.Allowlist.Hosts)
	return nil
}

func startServices(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	if state.config.Portal.Enabled {
		if err := startPortalServer(state, g, groupCtx); err != nil {
			return fmt.Errorf("failed to start portal server: %w", err)
		}
	}

	if state.config.Proxy.Enabled {
		if err := startProxyServer(state, g, groupCtx); err != nil {
			return fmt.Errorf("failed to start proxy server: %w", err)
		}
	}

	return nil
}

func startPortalServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	config := state.config
	logger := state.logger

	webapiService, err := httpwebapi.NewService(
		config,
		logger,
		state.resolver,
		state.ledger,
		state.rewards,
		state.access,
		platformstorage.GetDB(),
	)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "webapi:new-service", "failed to create webapi service", err)
	}

	httpRouter, err := httptransport.Build(httptransport.Options{
		Config:         config,
		Logger:         logger,
		AuthMiddleware: webapiService.AuthMiddleware(),
		StaticRoot:     config.Portal.StaticDir,
	})
	if err != nil {
		return err
	}
	router := httpRouter.Engine

	if err := webapiService.Register(groupCtx, httpRouter); err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "webapi:register", "failed to register webapi routes", err)
	}

	feed, err := wstransport.NewFeed(logger)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "ws:new-feed", "failed to create usage feed", err)
	}
	router.GET("/api/quota/feed", webapiService.AuthMiddleware(), feed.Handler(webapiService.IdentifierFrom))

	router.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api") {
			c.JSON(http.StatusNotFound, httptransport.APIResponse{
				Success: false,
				Data:    gin.H{},
				Message: "api not found",
				Code:    http.StatusNotFound,
			})
			return
		}
		c.File(config.Portal.StaticDir + "/index.html")
	})

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Portal.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.InfoTag("HTTP", "portal listening on http://%s:%d", config.Server.IP, config.Portal.Port)

		go func() {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			feed.Close()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.ErrorTag("HTTP", "portal shutdown failed: %v", err)
			} else {
				logger.InfoTag("HTTP", "portal shut down cleanly")
			}
		}()

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorTag("HTTP", "portal server failed: %v", err)
			return err
		}
		return nil
	})

	return nil
}

func startProxyServer(state *appState, g *errgroup.Group, groupCtx context.Context) error {
	proxyServer, err := proxytransport.NewServer(
		state.config,
		state.logger,
		state.resolver,
		state.access,
		state.ledger,
	)
	if err != nil {
		return platformerrors.Wrap(platformerrors.KindTransport, "proxy:new-server", "failed to create proxy server", err)
	}

	g.Go(func() error {
		state.logger.InfoTag("proxy", "metered proxy listening on %s:%d", state.config.Server.IP, state.config.Proxy.Port)
		if err := proxyServer.Start(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil
			}
			state.logger.ErrorTag("proxy", "proxy server failed: %v", err)
			return err
		}
		return nil
	})

	return nil
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *platformlogging.Logger,
	g *errgroup.Group,
) error {
	<-ctx.Done()
	logger.InfoTag("bootstrap", "received signal %v, cleaning up", context.Cause(ctx))

	cancel()

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.ErrorTag("bootstrap", "error during shutdown: %v", err)
			return err
		}
		logger.InfoTag("bootstrap", "all services stopped")
	case <-time.After(15 * time.Second):
		timeoutErr := errors.New("shutdown timed out")
		logger.ErrorTag("bootstrap", "shutdown timed out, forcing exit")
		return timeoutErr
	}
	return nil
}
