package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"cleanhelmet/internal/bridge"
	"cleanhelmet/internal/config"
	"cleanhelmet/internal/connectivity"
	"cleanhelmet/internal/cycle"
	"cleanhelmet/internal/devices"
	apierrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/exporter"
	"cleanhelmet/internal/identity"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/ledger"
	customMiddleware "cleanhelmet/internal/middleware"
	"cleanhelmet/internal/remote"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/security"
	"cleanhelmet/internal/services"
	"cleanhelmet/internal/store"
	"cleanhelmet/internal/syncqueue"
	handlers "cleanhelmet/internal/transport/http"
	ws "cleanhelmet/internal/websocket"
)

const (
	VERSION = "1.4.0"
	AppName = "Clean Helmet Kiosk"

	archiveTimer   = "activity.archive"
	archiveEvery   = 24 * time.Hour
	requestTimeout = 30 * time.Second
)

var (
	// BuildTime is overridden at link time with -ldflags.
	BuildTime = time.Now().Format(time.RFC3339)
	// BuildID identifies this binary in logs.
	BuildID = generateBuildID()
)

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(VERSION + BuildTime))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Options are the command line overrides.
type Options struct {
	ConfigFile string
	DataDir    string
	// Demo forces the null hardware bridge even when MQTT is configured.
	Demo bool
}

// Application represents the kiosk process
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	Services      *ServiceContainer
	Optional      *Registry
	Timers        *scheduler.Registry
	Store         store.Store
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.KioskMetrics

	demo     bool
	stopOnce sync.Once
	stopErr  error
}

// ServiceContainer holds the wired kiosk services
type ServiceContainer struct {
	Identity     *identity.Service
	Ledger       *ledger.Ledger
	Devices      *devices.Repository
	Cycle        *cycle.Controller
	Queue        *syncqueue.Queue
	Connectivity *connectivity.Monitor
	Bridge       bridge.Bridge
	Sink         *remote.Fanout
	Kiosk        *services.KioskService
	Health       *services.HealthService
	Exporter     *exporter.Exporter
	WebSocket    *ws.Hub
}

// NewApplication loads configuration and wires every component.
func NewApplication(opts Options) (*Application, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.DataDir != "" {
		cfg.Paths.DataDir = opts.DataDir
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return newApplication(context.Background(), cfg, opts.Demo, logger)
}

func newApplication(ctx context.Context, cfg *config.Config, demo bool, logger *slog.Logger) (*Application, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := infrastructure.NewKioskMetrics(otelProviders.Meter)
	if err != nil {
		logger.WarnContext(ctx, "business metrics disabled", slog.String("error", err.Error()))
		metrics = infrastructure.NoopKioskMetrics()
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Optional:      NewRegistry(),
		Timers:        scheduler.NewRegistry(scheduler.RealClock{}, logger),
		OTelProviders: otelProviders,
		Metrics:       metrics,
		demo:          demo,
	}

	if err := app.initializeServices(ctx); err != nil {
		app.releaseResources(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.setupRouter(); err != nil {
		app.releaseResources(ctx)
		return nil, err
	}
	app.createServer()

	return app, nil
}

// initializeServices builds the component graph bottom-up.
func (a *Application) initializeServices(ctx context.Context) error {
	clock := scheduler.RealClock{}

	local, queueStore, durable := a.openStore(ctx)
	a.Store = local

	sealer, err := security.NewSealer(a.Config.Identity.SealSecret, a.sealSalt(ctx, local, durable))
	if err != nil {
		return apierrors.NewConfigError("invalid seal secret", err)
	}

	repo := devices.NewRepository(local, sealer, clock, a.Logger)

	carriers := []identity.Carrier{&identity.SessionCarrier{}}
	if durable {
		carriers = []identity.Carrier{
			identity.NewStoreCarrier(local),
			identity.NewCookieCarrier(a.Config.CookiePath(), a.Config.Identity.CookieTTL, clock),
			&identity.SessionCarrier{},
		}
	}
	identityService := identity.NewService(identity.Options{
		Repository: repo,
		Settings:   local,
		Collector: security.NewCollector(security.CollectorOptions{
			DisplayID:     a.Config.Identity.DisplayID,
			Plugins:       a.Config.Identity.Plugins,
			DataDir:       a.Config.Paths.DataDir,
			CookiePath:    a.Config.CookiePath(),
			SessionStore:  true,
			CacheDuration: time.Minute,
		}, a.Logger),
		Carriers: carriers,
		Timers:   a.Timers,
		Config:   a.Config.Identity,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	})

	entitlements, err := ledger.New(ledger.Options{
		Repository: repo,
		Settings:   local,
		Config:     a.Config.Ledger,
		Metrics:    a.Metrics,
		Logger:     a.Logger,
	})
	if err != nil {
		return err
	}
	if err := entitlements.Init(ctx); err != nil {
		a.Logger.WarnContext(ctx, "ledger started without persisted counters", slog.String("error", err.Error()))
	}

	hw, err := a.initializeBridge(ctx)
	if err != nil {
		return err
	}

	probeClient := &http.Client{
		Timeout:   a.Config.Connectivity.ProbeTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	probe := connectivity.HTTPProber(probeClient, a.Config.Connectivity.ProbeURL)
	monitor := connectivity.NewMonitor(a.Config.Connectivity, a.Timers, probe, a.Logger)

	fanout := remote.NewFanout(a.Logger, a.initializeSinks(ctx)...)
	var sink remote.Sink
	if fanout.Len() > 0 {
		sink = fanout
	}

	queue, err := syncqueue.New(syncqueue.Options{
		Store:        queueStore,
		Sink:         sink,
		Connectivity: monitor,
		Config:       a.Config.Sync,
		Clock:        clock,
		OnDrop: func(ctx context.Context, item store.SyncItem, reason string) {
			repo.Audit(ctx, "", store.ActivitySyncItemDropped, map[string]interface{}{
				"itemId":   item.ID,
				"itemType": string(item.Type),
				"retries":  item.RetryCount,
				"reason":   reason,
			})
		},
		Metrics: a.Metrics,
		Logger:  a.Logger,
	})
	if err != nil {
		return err
	}
	if err := queue.Load(ctx); err != nil {
		a.Logger.WarnContext(ctx, "sync queue starts empty", slog.String("error", err.Error()))
	}

	hub := ws.NewHub(a.Logger)

	controller := cycle.NewController(cycle.Options{
		Steps:        cycle.StepsFromConfig(a.Config.Cycle.Steps),
		TickInterval: a.Config.Cycle.TickInterval,
		SettleDelay:  a.Config.Cycle.SettleDelay,
		Timers:       a.Timers,
		Commands:     hw,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
	})

	kiosk := services.NewKioskService(services.KioskOptions{
		Identity:     identityService,
		Ledger:       entitlements,
		Devices:      repo,
		Cycle:        controller,
		Queue:        queue,
		Sink:         sink,
		Bridge:       hw,
		Connectivity: monitor,
		Settings:     local,
		Notifier:     hub,
		Timers:       a.Timers,
		Payment:      a.Config.Payment,
		Metrics:      a.Metrics,
		Logger:       a.Logger,
	})

	health := services.NewHealthService(VERSION, BuildTime, map[string]services.HealthProbe{
		"store":    services.ErrorProbe(a.storeCheck(local)),
		"remote":   services.BoolProbe(monitor.Online, "remote link offline, results are queued"),
		"hardware": services.BoolProbe(hw.Connected, "hardware controller not connected"),
	}, a.Logger)

	a.Services = &ServiceContainer{
		Identity:     identityService,
		Ledger:       entitlements,
		Devices:      repo,
		Cycle:        controller,
		Queue:        queue,
		Connectivity: monitor,
		Bridge:       hw,
		Sink:         fanout,
		Kiosk:        kiosk,
		Health:       health,
		Exporter:     exporter.New(repo, a.Config.Location()),
		WebSocket:    hub,
	}

	a.Logger.InfoContext(ctx, "services initialized",
		slog.Bool("durable_store", durable),
		slog.Int("remote_sinks", fanout.Len()),
		slog.Int("queued_items", queue.Len()),
		slog.Bool("demo", a.demo),
	)
	return nil
}

// openStore opens the local database. When that fails the kiosk keeps
// running: device state is unavailable and the queue lives in memory.
func (a *Application) openStore(ctx context.Context) (store.Store, store.SyncItemStore, bool) {
	path := a.Config.DatabasePath()
	db, err := store.OpenSQLite(path)
	if err != nil {
		a.Logger.ErrorContext(ctx, "local store unavailable, running degraded",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return store.Unavailable{Cause: err}, store.NewMemoryStore(), false
	}
	return db, db, true
}

// sealSalt returns the per-installation salt for record seals, creating it
// on first boot.
func (a *Application) sealSalt(ctx context.Context, s store.ConfigStore, durable bool) string {
	if durable {
		if salt, err := s.GetConfig(ctx, store.KeySealSalt); err == nil && salt != "" {
			return salt
		}
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		a.Logger.ErrorContext(ctx, "failed to generate seal salt", slog.String("error", err.Error()))
	}
	salt := hex.EncodeToString(buf)
	if durable {
		if err := s.SetConfig(ctx, store.KeySealSalt, salt); err != nil {
			a.Logger.WarnContext(ctx, "failed to persist seal salt", slog.String("error", err.Error()))
		}
	}
	return salt
}

func (a *Application) storeCheck(s store.ConfigStore) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.GetConfig(ctx, store.KeySealSalt)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
}

func (a *Application) initializeBridge(ctx context.Context) (bridge.Bridge, error) {
	if a.demo || !a.Config.MQTT.Enabled {
		a.Logger.InfoContext(ctx, "hardware bridge disabled, commands are only logged")
		return bridge.NewNullBridge(a.Logger), nil
	}

	mb, err := bridge.NewMQTTBridge(a.Config.MQTT, a.Logger)
	if err != nil {
		return nil, err
	}
	// paho keeps retrying in the background after a failed first attempt
	if err := mb.Connect(ctx); err != nil {
		a.Logger.WarnContext(ctx, "hardware controller unreachable at startup", slog.String("error", err.Error()))
	}
	Provide(a.Optional, mb)
	return mb, nil
}

func (a *Application) initializeSinks(ctx context.Context) []remote.Sink {
	var sinks []remote.Sink

	if a.Config.Redis.Enabled {
		rs := remote.NewRedisSink(a.Config.Redis)
		if err := rs.Ping(ctx); err != nil {
			a.Logger.WarnContext(ctx, "redis not reachable yet", slog.String("error", err.Error()))
		}
		Provide(a.Optional, rs)
		sinks = append(sinks, rs)
	}

	if a.Config.Sheets.Enabled {
		ss, err := remote.NewSheetsSink(ctx, a.Config.Sheets)
		if err != nil {
			a.Logger.ErrorContext(ctx, "sheets sink disabled", slog.String("error", err.Error()))
		} else {
			Provide(a.Optional, ss)
			sinks = append(sinks, ss)
		}
	}

	if len(sinks) == 0 {
		a.Logger.WarnContext(ctx, "no remote sink configured, results stay in the local queue")
	}
	return sinks
}

// setupRouter configures routes and middleware
func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := apierrors.NewErrorHandler(a.Logger, false)

	r.Use(customMiddleware.RequestID)
	if a.Config.Server.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// The upgrade needs the raw writer, so /ws sits outside the full chain.
	r.HandleFunc("/ws", ws.Handler(a.Services.WebSocket, a.Config.WebSocket, a.Logger))

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}

	var admin *customMiddleware.JWTAuth
	if a.Config.Admin.JWTSecret != "" {
		if admin, err = customMiddleware.NewJWTAuth(a.Config.Admin, a.Logger); err != nil {
			return err
		}
	} else {
		a.Logger.Warn("admin JWT secret not set, admin API disabled")
	}

	r.Group(func(r chi.Router) {
		r.Use(otelMiddleware.Handler)
		r.Use(apierrors.NewErrorMiddleware(errorHandler, a.Logger).Handler)
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/api", func(r chi.Router) {
			healthHandler := handlers.NewHealthHandler(a.Services.Health, a.Logger)
			r.With(chimiddleware.Timeout(requestTimeout)).Group(func(r chi.Router) {
				r.Get("/health", healthHandler.HealthCheck)
				r.Get("/health/ready", healthHandler.ReadinessCheck)
				r.Get("/health/live", healthHandler.LivenessCheck)
				r.Get("/version", healthHandler.Version)
			})

			// payment long-polls are bounded by the payment deadline instead
			r.Mount("/kiosk", handlers.NewKioskHandler(a.Services.Kiosk, errorHandler, a.Logger).Routes())

			if admin != nil {
				limiter := customMiddleware.NewRateLimiter(a.Config.Admin.RPS, a.Config.Admin.Burst, a.Logger)
				adminHandler := handlers.NewAdminHandler(a.Services.Ledger, a.Services.Exporter, a.Config.Location(), errorHandler, a.Logger)
				r.With(limiter.Handler, admin.Handler, chimiddleware.Timeout(requestTimeout)).
					Mount("/admin", adminHandler.Routes())
			}
		})
	})

	a.Router = r
	return nil
}

// createServer creates the HTTP server. There is no write timeout because
// payment long-polls outlive it; handlers carry their own deadlines.
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Router,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
	}
}

// Start launches the background work. The HTTP server is started by Run.
func (a *Application) Start(ctx context.Context) {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.String("build_id", BuildID),
		slog.Int("port", a.Config.Server.Port),
		slog.String("data_dir", a.Config.Paths.DataDir),
	)

	a.Services.WebSocket.Start()
	a.Services.Kiosk.Start(ctx)
	a.Services.Identity.StartRefresh()
	a.Services.Connectivity.Start()
	a.scheduleArchive()
}

// scheduleArchive writes the previous day's activity to the exports dir once a day.
func (a *Application) scheduleArchive() {
	dir := filepath.Join(a.Config.Paths.DataDir, "exports")
	loc := a.Config.Location()
	a.Timers.Every(archiveTimer, archiveEvery, func() {
		ctx := infrastructure.WithTraceID(context.Background(), infrastructure.GenerateTraceID())
		day := time.Now().In(loc).AddDate(0, 0, -1)
		path, err := a.Services.Exporter.ArchiveDay(ctx, dir, day)
		if err != nil {
			a.Logger.ErrorContext(ctx, "activity archive failed", slog.String("error", err.Error()))
			return
		}
		a.Logger.InfoContext(ctx, "activity archived", slog.String("path", path))
	})
}

// Stop shuts everything down in reverse dependency order. Safe to call twice.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.Logger.InfoContext(ctx, "Shutting down application")

		shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
		defer cancel()

		if a.Server != nil {
			if err := a.Server.Shutdown(shutdownCtx); err != nil {
				a.stopErr = fmt.Errorf("server shutdown error: %w", err)
			}
		}

		if a.Services != nil {
			a.Services.Kiosk.Stop()
			a.Services.Queue.Destroy()
			a.Services.Identity.Destroy()
			a.Services.Connectivity.Stop()
			a.Services.Cycle.Destroy()
			a.Services.WebSocket.Stop()
		}
		a.Timers.CancelAll()
		a.releaseResources(shutdownCtx)

		a.Logger.InfoContext(ctx, "Application shutdown complete")
	})
	return a.stopErr
}

// releaseResources closes external connections. Components that were never
// built are skipped.
func (a *Application) releaseResources(ctx context.Context) {
	if a.Services != nil && a.Services.Bridge != nil {
		if err := a.Services.Bridge.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing hardware bridge", slog.String("error", err.Error()))
		}
	} else if mb, ok := Lookup[*bridge.MQTTBridge](a.Optional); ok {
		_ = mb.Close()
	}
	if rs, ok := Lookup[*remote.RedisSink](a.Optional); ok {
		if err := rs.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing redis client", slog.String("error", err.Error()))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing local store", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run serves HTTP until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.Background())
	})
	return g.Wait()
}
