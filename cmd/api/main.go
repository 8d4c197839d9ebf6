package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"latepass/internal/attendance"
	"latepass/internal/cloudinary"
	"latepass/internal/config"
	"latepass/internal/httpapi"
	"latepass/internal/httpmiddleware"
	"latepass/internal/latepass"
	"latepass/internal/queue"
	"latepass/internal/render"
	"latepass/internal/store"
	"latepass/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, cfg.Logger()); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]httpapi.HealthCheck{}

	var repo latepass.Repository
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		repo = latepass.NewMemoryRepository()
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		repo = latepass.NewPGRepository(db.Client)
		health["db"] = db.Healthy
	}

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultRedisKey)
		health["redis"] = redisClient.Healthy
	}

	codec, err := latepass.NewCodec(latepass.CodecConfig{
		SigningKey: []byte(cfg.LatePassSigningKey),
		Issuer:     cfg.LatePassTokenIssuer,
	}, nil)
	if err != nil {
		return err
	}
	policy := latepass.NewPolicyStore(repo, nil, logger)
	manager := latepass.NewManager(repo, policy, codec, worker.Dispatcher{Queue: q}, nil, logger)

	// Render jobs published to an in-memory queue can only be consumed by
	// this process.
	if cfg.QueueBackend == "memory" {
		artifacts, err := artifactStore(cfg, logger)
		if err != nil {
			return err
		}
		w := &worker.Worker{
			Manager:       manager,
			Queue:         q,
			Renderer:      render.New(cfg.RenderServiceURL, cfg.RenderSkip),
			Store:         artifacts,
			SweepInterval: cfg.SweepInterval,
			Log:           logger.With("component", "worker"),
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("in-process worker stopped", "err", err)
			}
		}()
	}

	// Redis is only assumed reachable when it carries the queue.
	var primary httpmiddleware.Limiter
	if cfg.QueueBackend == "redis" {
		primary = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}
	limiter := httpmiddleware.RateLimit(primary, httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin), logger)

	r := httpapi.NewRouter(httpapi.Deps{
		Policy:         policy,
		Resolver:       latepass.NewResolver(repo, policy, nil),
		Manager:        manager,
		Gate:           latepass.NewGate(manager, codec, nil),
		Attendance:     attendance.NewService(repo, nil),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.CORSOrigins,
		RateLimit:      limiter,
		Health:         health,
		Log:            logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", "err", err)
	}

	logger.Info("server exited")
	return nil
}

func artifactStore(cfg config.App, logger *slog.Logger) (render.ArtifactStore, error) {
	if cfg.CloudinaryEnabled() {
		logger.Info("storing artifacts in cloudinary", "cloud", cfg.CloudinaryCloudName)
		return cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder), nil
	}
	logger.Info("storing artifacts on disk", "dir", cfg.ArtifactDir)
	return render.NewDirStore(cfg.ArtifactDir)
}
