package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/breaker"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
	"callcenter-platform/internal/events"
	"callcenter-platform/internal/health"
	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/ivr"
	"callcenter-platform/internal/orchestrator"
	"callcenter-platform/internal/realtime"
	"callcenter-platform/internal/telephony"
	"callcenter-platform/pkg/logger"
	"callcenter-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bus := events.NewBus(rdb, events.DefaultChannel, log)
	callSvc := calls.NewService(calls.NewPostgresRepository(db), bus, log)

	var adapters []telephony.CarrierAdapter
	for _, name := range cfg.Telephony.CarrierOrder {
		switch name {
		case "twilio":
			adapters = append(adapters, telephony.NewTwilioAdapter(telephony.TwilioConfig{
				AccountSID: cfg.Twilio.AccountSID,
				AuthToken:  cfg.Twilio.AuthToken,
			}))
		case "telnyx":
			adapters = append(adapters, telephony.NewTelnyxAdapter(telephony.TelnyxConfig{
				APIKey:        cfg.Telnyx.APIKey,
				ConnectionID:  cfg.Telnyx.ConnectionID,
				WebhookSecret: cfg.Telnyx.WebhookSecret,
			}))
		}
	}
	manager := telephony.NewManager(adapters, callSvc, rdb, telephony.CapConfig{
		CallbackBaseURL:    cfg.Telephony.PublicBaseURL,
		MaxConcurrentCalls: cfg.Telephony.MaxConcurrentCalls,
	}, log)

	// Realtime provider resilience: one breaker and one health probe per
	// configured provider, consumed by the orchestrator.
	monitor := health.NewMonitor(health.Config{
		ProbeInterval: cfg.Health.ProbeInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		Window:        cfg.Health.Window,
	}, log)
	for _, id := range cfg.Providers.Preference {
		p := realtime.NewEndToEndProvider(id, cfg.Providers.WSURLs[id], cfg.Providers.APIKeys[id], log)
		monitor.Register(id, health.ProberFunc(p.Probe))
	}
	monitor.Start(rootCtx)
	defer monitor.Stop()

	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
	})
	orc, err := orchestrator.New(cfg.Providers.Preference, registry, monitor, log)
	if err != nil {
		log.Error("orchestrator init failed", "err", err)
		os.Exit(1)
	}

	// Voice session broker: one fresh provider connection per session,
	// lifecycle events bridged onto the bus for supervisor tooling.
	providerFactory := func(id string) (realtime.VoiceProvider, error) {
		wsURL, ok := cfg.Providers.WSURLs[id]
		if !ok {
			return nil, fmt.Errorf("provider %s has no websocket url configured", id)
		}
		return realtime.NewEndToEndProvider(id, wsURL, cfg.Providers.APIKeys[id], log), nil
	}
	voice, err := realtime.NewSessionBroker(orc, providerFactory, realtime.SessionOptions{
		LivenessTimeout:       cfg.Session.LivenessTimeout,
		MaxReconnectAttempts:  cfg.Session.MaxReconnectAttempts,
		InitialReconnectDelay: cfg.Session.InitialReconnectDelay,
		BufferCapacity:        cfg.Session.BufferCapacity,
	}, bus, log)
	if err != nil {
		log.Error("session broker init failed", "err", err)
		os.Exit(1)
	}

	flows := ivr.NewPostgresFlowRepository(db)
	ivrSessions := ivr.NewPostgresSessionRepository(db)
	engine := ivr.NewEngine(flows, ivrSessions, log)
	aggregator := ivr.NewAggregator(ivrSessions, cfg.IVR.AnalyticsInterval, log)
	aggregator.Start(rootCtx)
	defer aggregator.Stop()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:         authManager,
		Telephony:    manager,
		Calls:        callSvc,
		Orchestrator: orc,
		Health:       monitor,
		Voice:        voice,
	}
	ih := httpapi.IVRHandlers{
		Flows:                 flows,
		Engine:                engine,
		Analytics:             aggregator,
		DefaultTimeoutSeconds: cfg.IVR.DefaultTimeoutSeconds,
	}
	wh := telephony.WebhookHandler{
		Manager:       manager,
		PublicBaseURL: cfg.Telephony.PublicBaseURL,
		WorkspaceIDResolver: func(c *gin.Context, toNumber string) (string, error) {
			// TODO: look the dialed number up in the purchased-number
			// inventory once number provisioning lands.
			return "", errors.New("no workspace owns this number")
		},
		InboundFlowResolver: func(c *gin.Context, workspaceID, toNumber string) (string, error) {
			// No per-number flow assignment yet; answer without a flow.
			return "", nil
		},
		IVR: engine,
	}

	registerRoutes(r, auth.RequireAccessToken(authManager), h, ih, wh)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
