// Server runs the realtime gateway: the /events WebSocket stream, the token exchange endpoints and
// the bridge that re-emits events published on the shared-state channel.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bizhub/realtime/internal/config"
	"bizhub/realtime/internal/gateway"
	healthhandler "bizhub/realtime/internal/health/handler"
	identityhandler "bizhub/realtime/internal/identity/handler"
	identityservice "bizhub/realtime/internal/identity/service"
	"bizhub/realtime/internal/logging"
	"bizhub/realtime/internal/policy/engine"
	"bizhub/realtime/internal/security"
	"bizhub/realtime/internal/server"
	"bizhub/realtime/internal/server/middleware"
	"bizhub/realtime/internal/session"
	"bizhub/realtime/internal/state"
	"bizhub/realtime/internal/telemetry"
	oteltelemetry "bizhub/realtime/internal/telemetry/otel"
	"bizhub/realtime/internal/telemetry/producer"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.AuthEnabled() {
		return errors.New("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set")
	}
	signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return err
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	providers, err := oteltelemetry.NewProviders(ctx, oteltelemetry.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	providers.SetGlobal()

	emitters := []telemetry.EventEmitter{oteltelemetry.NewEventEmitter(providers.LoggerProvider)}
	if kp := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.TelemetryKafkaTopic); kp != nil {
		defer func() { _ = kp.Close() }()
		emitters = append(emitters, kp)
		logger.Info("telemetry records to kafka", zap.String("topic", cfg.TelemetryKafkaTopic))
	}
	emitter := telemetry.Fanout(emitters...)

	shared := state.New(ctx, state.Options{URL: cfg.RedisURL, DialTimeout: cfg.DialTimeout()}, logger)
	defer func() { _ = shared.Close() }()

	authOpts := []session.Option{session.WithRevocations(shared), session.WithLogger(logger)}
	var policy healthhandler.PolicyChecker
	if cfg.AdmissionPolicy != "" {
		ev, err := engine.NewOPAEvaluator(cfg.AdmissionPolicy)
		if err != nil {
			return err
		}
		authOpts = append(authOpts, session.WithAdmission(ev))
		policy = ev
	}
	authn := session.NewAuthenticator(tokens, authOpts...)

	hub := gateway.NewHub(authn, gateway.Options{
		SendBuffer:   cfg.SendBuffer,
		WriteTimeout: cfg.WriteDeadline(),
		MaxStrikes:   cfg.MaxStrikes,
		Logger:       logger,
		Emitter:      emitter,
	})
	bridge := gateway.NewBridge(hub, shared, cfg.EventsChannel, logger)

	var limiter identityhandler.RateLimiter
	if cfg.RefreshRateLimit > 0 {
		limiter = state.NewFixedWindowLimiter(shared, "ratelimit:refresh", cfg.RefreshRateLimit, cfg.RateWindow(), false)
	}
	authSvc := identityservice.NewAuthService(tokens, shared, emitter, logger)
	proxies, err := middleware.ParseProxyList(cfg.TrustedProxiesList())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(server.Deps{
			Events:     gateway.NewHandler(hub, nil),
			EventsPath: cfg.EventsPath,
			Health:     healthhandler.NewHandler(shared, policy, hub),
			Auth:       identityhandler.NewAuthHandler(authSvc, limiter, proxies, logger),
			Authn:      authn,
			Proxies:    proxies,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr), zap.String("events_path", cfg.EventsPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return bridge.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	// Let in-flight async telemetry emits finish before the exporters go away.
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := providers.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("telemetry shutdown", zap.Error(serr))
	}
	logger.Info("server stopped")
	return err
}
