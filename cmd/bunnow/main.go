package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/julianostefano/BunNow-sub006/internal/events"
	"github.com/julianostefano/BunNow-sub006/internal/httpapi"
	"github.com/julianostefano/BunNow-sub006/internal/scheduler"
	"github.com/julianostefano/BunNow-sub006/internal/sla"
	syncservice "github.com/julianostefano/BunNow-sub006/internal/sync"
	"github.com/julianostefano/BunNow-sub006/internal/warmup"
	"github.com/julianostefano/BunNow-sub006/pkg/config"
	"github.com/julianostefano/BunNow-sub006/pkg/database"
	"github.com/julianostefano/BunNow-sub006/pkg/servicenow"
)

func main() {
	initialSync := flag.Bool("initial-sync", false,
		"run a delta sync for every mirrored table before the scheduler takes over")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log)
	if envErr != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	log.Info().Msg("Starting ticket cache service")

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Setup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up database schema")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
	}

	snClient, err := servicenow.New(cfg.ServiceNow)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build ServiceNow client")
	}

	svc := syncservice.New(db, snClient, cfg.Sync.BatchSize)

	calendar, err := sla.NewCalendar(cfg.SLA)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build business calendar")
	}
	calculator := sla.NewCalculator(db, calendar, sla.NewPolicy(cfg.SLA))

	queue := warmup.NewQueue(svc, cfg.Warmup)

	bus := events.NewBus(redisClient, cfg.Redis.Channel)
	listener := events.NewListener(bus, queue)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Change feed listener stopped")
		}
	}()

	sched := scheduler.New(svc, calculator, queue, db, cfg)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	if *initialSync {
		go func() {
			if err := sched.RunInitialSync(); err != nil {
				log.Error().Err(err).Msg("Initial sync failed")
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.Router(cfg.HTTP, svc, calculator, queue, bus, db),
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	sched.Stop()
	cancel()

	log.Info().Msg("Shutdown complete")
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
