package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
	"groupcall/internal/core/services"
	httphandlers "groupcall/internal/handlers/http"
	"groupcall/internal/infrastructure/distributed"
	"groupcall/internal/infrastructure/middleware"
	"groupcall/internal/infrastructure/monitoring"
	"groupcall/internal/infrastructure/repositories"
	"groupcall/internal/infrastructure/repositories/cache"
	signalserver "groupcall/internal/infrastructure/signal"
	webrtcinfra "groupcall/internal/infrastructure/webrtc"
	"groupcall/pkg/config"
	"groupcall/pkg/logger"
	"groupcall/pkg/tracing"
	"groupcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

var errEngineDied = errors.New("media engine died")

func main() {
	app := &cli.App{
		Name:        "groupcall",
		Usage:       "group video call signaling and media server",
		Description: "run without subcommands to start the server",
		Version:     version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the YAML config file",
				Value:   "configs/config.yaml",
				EnvVars: []string{"GROUPCALL_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "debug logging, console output and the unauthenticated token endpoint. insecure for production",
			},
		},
		Action: startServer,
		Commands: []*cli.Command{
			{
				Name:   "create-token",
				Usage:  "print an access token for development use",
				Action: createToken,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "user id the token authenticates",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "display name carried in the token",
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("dev") {
		cfg.Logging.Level = "debug"
		cfg.Logging.Format = "console"
	}
	return cfg, nil
}

func createToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	token, err := auth.GenerateToken(domain.Identity{
		UserID:      domain.UserID(c.String("user")),
		DisplayName: c.String("name"),
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func engineConfig(cfg *config.Config) webrtcinfra.Config {
	return webrtcinfra.Config{
		ListenIP:               cfg.Engine.ListenIP,
		AnnouncedIP:            cfg.Engine.AnnouncedIP,
		MinPort:                cfg.Engine.RTCMinPort,
		MaxPort:                cfg.Engine.RTCMaxPort,
		TCPPort:                cfg.Engine.TCPPort,
		LogLevel:               cfg.Engine.LogLevel,
		InitialOutgoingBitrate: cfg.Engine.InitialOutgoingBitrate,
		BitrateFeedback:        cfg.Engine.BitrateFeedback,
		GatherTimeout:          cfg.Engine.GatherTimeout,
	}
}

func startServer(c *cli.Context) error {
	startTime := time.Now()
	dev := c.Bool("dev")

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = zapLogger.Sync() }()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "groupcall",
		JaegerURL:      cfg.Tracing.JaegerURL,
		Environment:    cfg.Tracing.Environment,
		SampleRate:     cfg.Tracing.SampleRate,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	worker, err := webrtcinfra.NewWorker(engineConfig(cfg), zapLogger)
	if err != nil {
		return fmt.Errorf("failed to start media engine: %w", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	meetings := repoFactory.CreateMeetingRepository()
	records := repoFactory.CreateProducerRecordRepository()

	var metrics ports.MetricsRecorder = services.NoopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	hub := signalserver.NewHub(log.Named("hub"))
	var broadcaster ports.Broadcaster = hub
	var bus *distributed.EventBus
	if repoFactory.UsesRedis() {
		bus = distributed.NewEventBus(hub, repoFactory.RedisClient(), cfg.Redis.EventChannel, utils.NewID("inst"), log.Named("events"))
		broadcaster = bus
		if cached, ok := meetings.(*cache.CachedMeetingRepository); ok {
			cached.OnChange(bus.MeetingChanged)
			bus.OnMeetingChanged(cached.Invalidate)
		}
	}

	conference := services.NewConference(worker, meetings, records, broadcaster, metrics, services.ConferenceConfig{
		Transport: services.TransportConfig{MaxIncomingBitrate: cfg.Engine.MaxIncomingBitrate},
		Media: services.MediaConfig{PreferredLayers: domain.ConsumerLayers{
			SpatialLayer:  cfg.Media.SimulcastSpatialLayer,
			TemporalLayer: cfg.Media.SimulcastTemporalLayer,
		}},
		Rooms: services.RoomConfig{
			EmptyRoomTTL: cfg.Rooms.EmptyRoomTTL,
			ReapInterval: cfg.Rooms.ReapInterval,
		},
		Presence: services.PresenceScope(cfg.Rooms.PresenceScope),
	}, log.Named("conference"))

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	signalCfg := signalserver.DefaultConfig()
	signalCfg.PingInterval = cfg.Signal.PingInterval
	signalCfg.PongTimeout = cfg.Signal.PongTimeout
	signalCfg.WriteTimeout = cfg.Signal.WriteTimeout
	signalCfg.SendBufferSize = cfg.Signal.SendBufferSize
	signalCfg.AllowedOrigins = cfg.Auth.AllowedOrigins
	signalCfg.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	if cfg.RateLimiting.Enabled {
		signalCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		signalCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signalserver.NewWebSocketServer(conference, authService, hub, metrics, signalCfg, zapLogger)

	health := monitoring.NewHealthChecker()
	health.AddEngineCheck(worker.Ready)
	health.AddCheck("store", repoFactory.HealthCheck, 2*time.Second)

	if !dev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET(cfg.Signal.Path, middleware.NewWebSocketAdmissionMiddleware(cfg), gin.WrapF(wsServer.HandleWebSocket))

	if dev {
		httphandlers.NewAuthHandler(authService).SetupRoutes(router)
		log.Warn("development token endpoint enabled")
	}
	api := router.Group("/api/v1",
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.AuthMiddleware(authService),
	)
	httphandlers.NewRoomHandler(conference).SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    monitoring.StatusHealthy,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"stats":     conference.Stats(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Infow("starting groupcall server", "address", cfg.Server.Address, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return conference.RunReaper(gctx)
	})
	if bus != nil {
		g.Go(func() error {
			return bus.Run(gctx)
		})
	}
	g.Go(func() error {
		select {
		case err := <-worker.Died():
			log.Errorw("media engine died, exiting", "error", err, "exit_grace", cfg.Engine.ExitGrace)
			return fmt.Errorf("%w: %v", errEngineDied, err)
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down groupcall server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			log.Warnw("signaling connections did not drain", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during server shutdown", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	runErr := g.Wait()

	if err := worker.Close(); err != nil {
		log.Warnw("error closing media engine", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Warnw("error closing repositories", "error", err)
	}
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(flushCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}

	if errors.Is(runErr, errEngineDied) {
		// Live media state cannot be recovered in process; the supervisor
		// restarts us.
		time.Sleep(cfg.Engine.ExitGrace)
		_ = zapLogger.Sync()
		os.Exit(1)
	}
	if runErr != nil {
		log.Errorw("server stopped with error", "error", runErr)
		return runErr
	}
	log.Info("groupcall server stopped")
	return nil
}
