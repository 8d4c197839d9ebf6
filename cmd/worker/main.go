package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"latepass/internal/cloudinary"
	"latepass/internal/config"
	"latepass/internal/latepass"
	"latepass/internal/queue"
	"latepass/internal/render"
	"latepass/internal/store"
	"latepass/internal/worker"
)

// Worker consumes render jobs, stores ticket artifacts and runs the expiry
// sweep.
func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if cfg.StoreBackend != "postgres" || cfg.QueueBackend != "redis" {
		log.Fatal("worker needs STORE_BACKEND=postgres and QUEUE_BACKEND=redis; the API runs the worker in-process otherwise")
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
	defer redisClient.Close()
	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultRedisKey)

	codec, err := latepass.NewCodec(latepass.CodecConfig{
		SigningKey: []byte(cfg.LatePassSigningKey),
		Issuer:     cfg.LatePassTokenIssuer,
	}, nil)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	repo := latepass.NewPGRepository(db.Client)
	policy := latepass.NewPolicyStore(repo, nil, logger)
	manager := latepass.NewManager(repo, policy, codec, nil, nil, logger)

	renderer := render.New(cfg.RenderServiceURL, cfg.RenderSkip)
	if !cfg.RenderSkip {
		if err := renderer.Health(ctx); err != nil {
			logger.Warn("render service not available; jobs will fail until it is", "err", err)
		} else {
			logger.Info("render service connected", "url", cfg.RenderServiceURL)
		}
	}

	var artifacts render.ArtifactStore
	if cfg.CloudinaryEnabled() {
		artifacts = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("storing artifacts in cloudinary", "cloud", cfg.CloudinaryCloudName)
	} else {
		dir, err := render.NewDirStore(cfg.ArtifactDir)
		if err != nil {
			log.Fatalf("artifact dir: %v", err)
		}
		artifacts = dir
		logger.Info("storing artifacts on disk", "dir", cfg.ArtifactDir)
	}

	w := &worker.Worker{
		Manager:       manager,
		Queue:         q,
		Renderer:      renderer,
		Store:         artifacts,
		SweepInterval: cfg.SweepInterval,
		Log:           logger,
	}
	if err := w.Run(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
