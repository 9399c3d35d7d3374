package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/haneefojay/api-gateway-service/internal/auth"
	"github.com/haneefojay/api-gateway-service/internal/gateway"
	"github.com/haneefojay/api-gateway-service/internal/handlers"
	"github.com/haneefojay/api-gateway-service/internal/httpserver/correlation"
	"github.com/haneefojay/api-gateway-service/internal/ledger"
	"github.com/haneefojay/api-gateway-service/internal/models"
	"github.com/haneefojay/api-gateway-service/internal/store"
)

// BrokerHealth reports whether the broker connection is usable.
type BrokerHealth interface {
	Healthy() bool
}

// Deps are the wired collaborators the router serves.
type Deps struct {
	Gateway  *gateway.Gateway
	Ledger   *ledger.Ledger
	Store    store.AtomicStore
	Broker   BrokerHealth
	Verifier auth.Verifier
	Log      zerolog.Logger
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health
// Authenticated: /notifications/*
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlation.Middleware())
	r.Use(requestLogger(deps.Log))

	// Health reports both dependency checks; 503 when either is down so
	// load balancers stop routing here before requests start failing.
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		storeUp := deps.Store.Ping(ctx) == nil
		brokerUp := deps.Broker.Healthy()

		resp := models.HealthResponse{
			Status: "ok",
			Checks: map[string]bool{"store": storeUp, "broker": brokerUp},
		}
		code := http.StatusOK
		if !storeUp || !brokerUp {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	})

	authGroup := r.Group("/")
	authGroup.Use(auth.Middleware(deps.Verifier))
	handlers.RegisterNotificationRoutes(authGroup, deps.Gateway, deps.Ledger)

	return r
}

// requestLogger emits one structured line per request with the
// correlation id, so a notification can be traced across services.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("correlation_id", correlation.FromContext(c)).
			Msg("request")
	}
}
