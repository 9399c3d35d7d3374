package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haneefojay/api-gateway-service/internal/auth"
	"github.com/haneefojay/api-gateway-service/internal/breaker"
	"github.com/haneefojay/api-gateway-service/internal/gateway"
	"github.com/haneefojay/api-gateway-service/internal/httpserver/correlation"
	"github.com/haneefojay/api-gateway-service/internal/idempotency"
	"github.com/haneefojay/api-gateway-service/internal/ledger"
	"github.com/haneefojay/api-gateway-service/internal/models"
	"github.com/haneefojay/api-gateway-service/internal/store"
)

// validTypes are the notification channels the broker has queues for.
var validTypes = map[string]bool{"email": true, "push": true}

// RegisterNotificationRoutes registers the admission and read paths.
//
// POST /notifications/send       — admit and dispatch one notification
// GET  /notifications/:id/status — current lifecycle state
// GET  /notifications            — the caller's notifications, paginated
// POST /notifications/:id/status — delivery feedback from the workers
func RegisterNotificationRoutes(r gin.IRoutes, gw *gateway.Gateway, led *ledger.Ledger) {
	r.POST("/notifications/send", func(c *gin.Context) {
		identity := auth.UserID(c)
		if identity == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req models.SendNotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		if req.UserID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
			return
		}
		if !validTypes[req.NotificationType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "notification_type must be email or push"})
			return
		}
		if req.TemplateID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "template_id required"})
			return
		}
		if req.Priority < 0 || req.Priority > 5 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be 0-5"})
			return
		}

		result, err := gw.Send(c.Request.Context(), gateway.SendRequest{
			Identity:         identity,
			UserID:           req.UserID,
			NotificationType: req.NotificationType,
			TemplateID:       req.TemplateID,
			Variables:        req.Variables,
			Priority:         req.Priority,
			IdempotencyKey:   req.IdempotencyKey,
			CorrelationID:    correlation.FromContext(c),
		})
		if err != nil {
			writeSendError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, models.SendNotificationResponse{
			NotificationID: result.NotificationID,
			Status:         string(result.Status),
			Deduplicated:   result.Deduplicated,
			CorrelationID:  correlation.FromContext(c),
		})
	})

	r.GET("/notifications/:id/status", func(c *gin.Context) {
		rec, err := led.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status store unavailable"})
			return
		}
		c.JSON(http.StatusOK, toStatusResponse(rec))
	})

	r.GET("/notifications", func(c *gin.Context) {
		identity := auth.UserID(c)
		page := queryInt(c, "page", 1)
		limit := queryInt(c, "limit", 10)
		if limit > 100 {
			limit = 100
		}

		records, total, err := led.List(c.Request.Context(), identity, page, limit)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status store unavailable"})
			return
		}

		items := make([]models.StatusResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toStatusResponse(rec))
		}
		c.JSON(http.StatusOK, models.ListResponse{
			Items:      items,
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: (total + limit - 1) / limit,
		})
	})

	// Delivery feedback: the email/push workers report the terminal state
	// after processing a queued message.
	r.POST("/notifications/:id/status", func(c *gin.Context) {
		var req models.StatusUpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		next := ledger.Status(req.Status)
		if next != ledger.StatusSent && next != ledger.StatusFailed {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be sent or failed"})
			return
		}

		rec, err := led.Transition(c.Request.Context(), c.Param("id"), next, req.Error)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		case errors.Is(err, ledger.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "out-of-order status update"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status store unavailable"})
		default:
			c.JSON(http.StatusOK, toStatusResponse(rec))
		}
	})
}

// writeSendError maps admission failures to the HTTP contract: 429 with
// Retry-After, 503 for circuit-open / broker / store trouble, 409 for a
// conflicting in-flight duplicate.
func writeSendError(c *gin.Context, err error) {
	var rle *gateway.RateLimitedError
	switch {
	case errors.As(err, &rle):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rle.RetryAfter)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded, please try again later"})
	case errors.Is(err, breaker.ErrOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification service temporarily unavailable"})
	case errors.Is(err, idempotency.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "an identical request is already in flight"})
	case errors.Is(err, gateway.ErrPublishFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notification service temporarily unavailable"})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admission store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process notification request"})
	}
}

// retryAfterSeconds rounds up so "retry after 0" is never sent while the
// window is still closed.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func toStatusResponse(rec ledger.Record) models.StatusResponse {
	return models.StatusResponse{
		NotificationID: rec.NotificationID,
		Status:         string(rec.Status),
		Type:           rec.Type,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339),
		Error:          rec.Error,
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}
