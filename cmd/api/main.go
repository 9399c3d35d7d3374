package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/haneefojay/api-gateway-service/internal/auth"
	"github.com/haneefojay/api-gateway-service/internal/breaker"
	"github.com/haneefojay/api-gateway-service/internal/broker"
	"github.com/haneefojay/api-gateway-service/internal/config"
	"github.com/haneefojay/api-gateway-service/internal/gateway"
	"github.com/haneefojay/api-gateway-service/internal/httpserver"
	"github.com/haneefojay/api-gateway-service/internal/idempotency"
	"github.com/haneefojay/api-gateway-service/internal/ledger"
	"github.com/haneefojay/api-gateway-service/internal/ratelimit"
	"github.com/haneefojay/api-gateway-service/internal/store"
)

// main boots the service: config → store → broker → admission → HTTP.
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-gateway").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	// Shared atomic store (Redis). Fail fast if unreachable: every
	// admission decision depends on it.
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing REDIS_URL")
	}
	client := redis.NewClient(opts)
	defer client.Close()

	st := store.NewRedisStore(client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = st.Ping(ctx)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to store")
	}
	log.Info().Msg("store connection established")

	// Broker connection and topology.
	pub, err := broker.Connect(cfg.RabbitMQURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to broker")
	}
	defer pub.Close()
	log.Info().Msg("broker connection established")

	led := ledger.New(st, cfg.StatusTTL)
	gw := gateway.New(
		ratelimit.New(st, cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitFailOpen),
		breaker.New(st, "broker", cfg.CircuitFailMax, cfg.CircuitResetTimeout),
		idempotency.New(st, cfg.IdempotencyTTL, cfg.IdempotencyStaleness),
		led,
		pub,
		cfg.PublishTimeout,
		log,
	)

	router := httpserver.NewRouter(httpserver.Deps{
		Gateway:  gw,
		Ledger:   led,
		Store:    st,
		Broker:   pub,
		Verifier: auth.NewHMACVerifier(cfg.JWTSecret),
		Log:      log,
	})

	log.Info().Str("port", cfg.Port).Msg("server started")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
