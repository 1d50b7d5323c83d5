package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"trivia_backend/internal/cache"
	"trivia_backend/internal/config"
	"trivia_backend/internal/database"
	"trivia_backend/internal/generator"
	"trivia_backend/internal/logger"
	"trivia_backend/internal/metrics"
	"trivia_backend/internal/questions"
	"trivia_backend/internal/server"
	"trivia_backend/internal/services"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logg, err := logger.New(cfg.Log, cfg.Server.Mode)
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	if cfg.Database.URL == "" {
		logg.Fatal("DATABASE_URL environment variable not set")
	}
	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		logg.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.EnsureSchema(ctx); err != nil {
		cancel()
		logg.Fatal("ensure schema", zap.Error(err))
	}

	if cfg.Redis.Addr == "" {
		cancel()
		logg.Fatal("REDIS_ADDR environment variable not set")
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		cancel()
		logg.Fatal("connect redis", zap.Error(err))
	}
	cancel()
	defer redisClient.Close()

	store := questions.NewStore(cfg.Questions.File, logg)
	if err := store.Reload(); err != nil {
		logg.Fatal("load questions", zap.String("file", cfg.Questions.File), zap.Error(err))
	}
	logg.Info("questions loaded", zap.Int("count", store.Len()))

	m := metrics.New()
	c := cache.New(redisClient, cfg.Game.SessionTTL, cfg.Leaderboard.CacheTTL)
	deps := services.Deps{
		Questions:        store,
		Stats:            db,
		Leaderboard:      db,
		Achievements:     db,
		Sessions:         c,
		Cache:            c,
		Metrics:          m,
		Log:              logg,
		DefaultQuestions: cfg.Game.DefaultQuestions,
	}
	if cfg.AI.APIKey != "" {
		deps.Generator = generator.New(cfg.AI, logg)
	} else {
		logg.Warn("OPENAI_API_KEY not set, question generation disabled")
	}

	quizService := services.NewQuizService(deps)
	ser := server.NewServer(quizService, server.Options{
		Metrics:           m,
		Log:               logg,
		GeneratePerMinute: cfg.RateLimit.GeneratePerMinute,
		GenerateBurst:     cfg.RateLimit.Burst,
		SessionTTL:        cfg.Game.SessionTTL,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           ser.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logg.Info("starting server", zap.String("addr", srv.Addr), zap.String("mode", cfg.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("shutdown", zap.Error(err))
	}
}
