package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiss96803/dotnetclub/internal/api"
	"github.com/kiss96803/dotnetclub/internal/auth"
	"github.com/kiss96803/dotnetclub/internal/config"
	"github.com/kiss96803/dotnetclub/internal/database"
	"github.com/kiss96803/dotnetclub/internal/logger"
	"github.com/kiss96803/dotnetclub/internal/monitoring"
	"github.com/kiss96803/dotnetclub/internal/services"
	"github.com/kiss96803/dotnetclub/internal/views"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, !cfg.IsProduction())

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Set up services
	userService, err := services.NewUserService(db, cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize user service")
	}
	sessionService := services.NewSessionService(db, cfg.SessionLifetime)
	topicService := services.NewTopicService(db)
	eventService := services.NewEventService(db)

	renderer, err := views.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse page templates")
	}

	gate := auth.NewGate(sessionService, cfg.SessionCookieName, cfg.SessionLifetime, cfg.IsProduction())
	throttle := auth.NewDefaultThrottle()

	// Set up and run the background session sweeper
	sweeper, err := monitoring.NewSessionSweeper(cfg.SessionSweepSchedule, sessionService, throttle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule session sweeper")
	}
	sweeper.Run()

	// Set up router
	router := api.NewRouter(api.Deps{
		Logger:         log.Logger,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Views:          renderer,
		AntiForgery:    auth.NewAntiForgery(cfg.SecretKey, cfg.IsProduction()),
		Gate:           gate,
		Throttle:       throttle,
		Users:          userService,
		Sessions:       sessionService,
		Topics:         topicService,
		Events:         eventService,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// Set up server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	sweeper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}
