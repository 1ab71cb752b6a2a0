package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"subscription-service/api"
	"subscription-service/auth"
	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/domain"
	"subscription-service/events"
	"subscription-service/internal/config"
	"subscription-service/relay"
	"subscription-service/schema"
	"subscription-service/session"
	"subscription-service/storage"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.StandardLogger()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		b      bus.Bus
		dedupe api.Deduper
	)
	switch cfg.BusBackend {
	case config.BusRedis:
		opts, err := config.RedisOptions(cfg.RedisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		dedupe = api.NewRedisDeduper(rc, cfg.DedupeTTL)
		b = bus.NewRedisBus(rc, bus.RedisBusConfig{
			SubscriberBufferSize: cfg.BusBuffer,
			SubscribeTimeout:     cfg.SubscribeWait,
		}, logger)
	default:
		b = bus.NewMemBus(bus.MemBusConfig{SubscriberBufferSize: cfg.BusBuffer})
	}
	defer b.Close()

	c := codec.New(func() domain.Model { return &domain.SomeModel{} })
	pub := events.NewPublisher(b, c)

	var backend storage.Backend
	switch cfg.StorageBackend {
	case config.StorageTables:
		backend, err = storage.NewTables(ctx, cfg.StorageConn, cfg.ModelsTable)
	default:
		backend, err = storage.NewSQLite(storage.SQLiteConfig{DSN: cfg.SQLiteDSN})
	}
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	repo := storage.NewRepository(backend, events.NewModelHooks(pub, logger))
	defer repo.Close()

	var authn session.Authenticator
	switch cfg.AuthMode {
	case config.AuthHS256:
		authn = auth.NewHS256([]byte(cfg.AuthSecret), cfg.Auth0Audience, "")
	case config.AuthJWKS:
		jwks, err := auth.FetchJWKS(cfg.Auth0Domain)
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		authn = auth.NewJWKS(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/", cfg.JWKSCacheTTL)
	}

	s, err := schema.New(repo)
	if err != nil {
		log.Fatalf("schema: %v", err)
	}

	if cfg.TriggerQueue != "" {
		q, err := relay.NewQueueClient(cfg.StorageConn, cfg.TriggerQueue)
		if err != nil {
			log.Fatalf("trigger queue: %v", err)
		}
		r := relay.New(q, pub, relay.Config{PollInterval: cfg.RelayPoll}, logger)
		go func() {
			if err := r.Run(ctx); err != nil {
				logger.WithError(err).Error("relay stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, api.Deps{
		Bus:          b,
		Codec:        c,
		Executor:     schema.NewExecutor(s, logger),
		Publisher:    pub,
		Auth:         authn,
		Session:      session.Config{RequireInit: cfg.RequireInit},
		TriggerToken: cfg.TriggerToken,
		Dedupe:       dedupe,
		Logger:       logger,
	})

	go func() {
		addr := ":" + strconv.Itoa(cfg.ListenPort)
		logger.WithFields(log.Fields{"addr": addr, "bus": cfg.BusBackend, "auth": cfg.AuthMode}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
}
