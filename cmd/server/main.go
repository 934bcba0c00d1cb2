package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/database"
	"github.com/daytrader/backend/internal/handlers"
	mW "github.com/daytrader/backend/internal/middleware"
	"github.com/daytrader/backend/internal/models"
	"github.com/daytrader/backend/internal/quotes"
	"github.com/daytrader/backend/internal/trading"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("quote.addr", "QUOTE_SERVER_ADDR")
	viper.BindEnv("quote.client_id", "QUOTE_CLIENT_ID")
	viper.BindEnv("quote.timeout_seconds", "QUOTE_TIMEOUT_SECONDS")
	viper.BindEnv("quote.cache_capacity", "QUOTE_CACHE_CAPACITY")
	viper.BindEnv("quote.redis_ttl_seconds", "QUOTE_REDIS_TTL_SECONDS")

	viper.BindEnv("audit.buffer_size", "AUDIT_BUFFER_SIZE")
	viper.BindEnv("engine.update_buffer", "ENGINE_UPDATE_BUFFER")

	viper.SetDefault("quote.addr", "localhost:4444")
	viper.SetDefault("quote.client_id", "daytrader")
	viper.SetDefault("quote.timeout_seconds", 5)
	viper.SetDefault("quote.cache_capacity", 100_000)
	viper.SetDefault("quote.redis_ttl_seconds", 60)
	viper.SetDefault("audit.buffer_size", 1024)
	viper.SetDefault("engine.update_buffer", 128)

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	db, err := database.InitDB()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	sink := audit.NewLogSink(logger, viper.GetInt("audit.buffer_size"))
	defer sink.Close()

	fetcher := quotes.NewTCPFetcher(
		viper.GetString("quote.addr"),
		viper.GetString("quote.client_id"),
		time.Duration(viper.GetInt("quote.timeout_seconds"))*time.Second,
	)

	updates := make(chan models.PriceUpdate, viper.GetInt("engine.update_buffer"))
	cache := quotes.NewCache(fetcher, redisClient, updates, sink, logger, quotes.CacheConfig{
		Capacity: viper.GetInt("quote.cache_capacity"),
		RedisTTL: time.Duration(viper.GetInt("quote.redis_ttl_seconds")) * time.Second,
	})

	engine := trading.NewTriggerEngine(db, sink, logger)
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(engineCtx, updates)
	}()

	orderService := trading.NewOrderService(db, cache, sink, logger)
	triggerService := trading.NewTriggerService(db, sink, logger)
	tradeHandler := handlers.NewTradeHandler(orderService, triggerService, cache, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Mount("/api/v1", tradeHandler.Routes())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info().Str("port", port).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the trigger engine after the HTTP surface is quiet so no late
	// price update is left half-processed.
	stopEngine()
	<-engineDone

	logger.Info().Msg("Server stopped")
}
