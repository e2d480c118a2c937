package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/planloom/planloom-backend/internal/clients/redis"
	"github.com/planloom/planloom-backend/internal/db"
	internalhttp "github.com/planloom/planloom-backend/internal/http"
	"github.com/planloom/planloom-backend/internal/observability"
	"github.com/planloom/planloom-backend/internal/platform/logger"
	"github.com/planloom/planloom-backend/internal/realtime"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	Hub      *realtime.Hub

	srv          *internalhttp.Server
	bus          redis.EventBus
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := realtime.NewHub(log)

	var bus redis.EventBus
	if cfg.RedisEnabled {
		bus, err = redis.NewEventBus(log)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init redis event bus: %w", err)
		}
	}

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, hub, bus)
	if err != nil {
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(serviceset, reposet, hub)
	middleware := wireMiddleware(log, serviceset)
	srv := wireServer(log, cfg, handlerset, middleware)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       srv.Engine,
		srv:          srv,
		Cfg:          cfg,
		Repos:        reposet,
		Services:     serviceset,
		Hub:          hub,
		bus:          bus,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background pieces: the regeneration worker and, when
// redis is on, the cross-process event forwarder feeding the local hub.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.bus != nil {
		if err := a.bus.StartForwarder(ctx, a.Hub.Broadcast); err != nil {
			a.Log.Warn("Failed to start redis forwarder, events stay local", "error", err)
		}
	}
	if a.Cfg.WorkerEnabled {
		a.Services.JobQueue.StartWorker(ctx, a.Cfg.WorkerInterval)
	}
}

func (a *App) Run() error {
	if a == nil || a.srv == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.srv.Run(a.Cfg.HTTPAddr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
