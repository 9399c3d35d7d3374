// Package gateway orchestrates one notification admission: rate limit,
// idempotency, circuit breaker, publish, ledger. The order is load-bearing
// and fixed — rate limiting rejects cheapest, idempotency runs before any
// side effect, and the breaker sits immediately in front of the publish.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haneefojay/api-gateway-service/internal/breaker"
	"github.com/haneefojay/api-gateway-service/internal/idempotency"
	"github.com/haneefojay/api-gateway-service/internal/ledger"
	"github.com/haneefojay/api-gateway-service/internal/ratelimit"
)

// ErrPublishFailed means the breaker permitted the attempt but the broker
// call itself failed; the failure has been recorded against the circuit.
var ErrPublishFailed = errors.New("gateway: publish failed")

// RateLimitedError carries the retry hint for a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gateway: rate limited, retry after %s", e.RetryAfter)
}

// Message is the payload handed to the broker. The correlation id rides
// along for tracing only; no admission decision reads it.
type Message struct {
	NotificationID   string         `json:"notification_id"`
	CorrelationID    string         `json:"correlation_id"`
	UserID           string         `json:"user_id"`
	NotificationType string         `json:"notification_type"`
	TemplateID       string         `json:"template_id"`
	Variables        map[string]any `json:"variables,omitempty"`
	Priority         int            `json:"priority"`
	Timestamp        time.Time      `json:"timestamp"`
	RetryCount       int            `json:"retry_count"`
}

// Publisher is the broker boundary: one bounded publish attempt.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// SendRequest is one admission attempt.
type SendRequest struct {
	Identity         string // authenticated rate-limit principal
	UserID           string // recipient
	NotificationType string
	TemplateID       string
	Variables        map[string]any
	Priority         int
	IdempotencyKey   string // empty = bypass the guard
	CorrelationID    string
}

// SendResult is the admission outcome stored for idempotent replay and
// returned to the client.
type SendResult struct {
	NotificationID string        `json:"notification_id"`
	Status         ledger.Status `json:"status"`
	Deduplicated   bool          `json:"-"`
}

// Gateway wires the four admission components around the publisher.
type Gateway struct {
	limiter        *ratelimit.Limiter
	breaker        *breaker.Breaker
	guard          *idempotency.Guard
	ledger         *ledger.Ledger
	publisher      Publisher
	publishTimeout time.Duration
	log            zerolog.Logger
}

// New assembles a gateway.
func New(
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	guard *idempotency.Guard,
	led *ledger.Ledger,
	publisher Publisher,
	publishTimeout time.Duration,
	log zerolog.Logger,
) *Gateway {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	return &Gateway{
		limiter:        limiter,
		breaker:        brk,
		guard:          guard,
		ledger:         led,
		publisher:      publisher,
		publishTimeout: publishTimeout,
		log:            log,
	}
}

// Send runs the admission sequence for one request.
func (g *Gateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	log := g.log.With().Str("correlation_id", req.CorrelationID).Logger()

	// 1. Rate limit: cheapest rejection, nothing downstream is touched.
	dec, err := g.limiter.Allow(ctx, req.Identity)
	if err != nil {
		return SendResult{}, err
	}
	if !dec.Allowed {
		return SendResult{}, &RateLimitedError{RetryAfter: dec.RetryAfter}
	}

	// 2. Idempotency: claim the key before any side effect so a retry can
	// never publish twice.
	var ticket *idempotency.Ticket
	if req.IdempotencyKey != "" {
		t, stored, err := g.guard.Begin(ctx, req.IdempotencyKey)
		if err != nil {
			return SendResult{}, err
		}
		if t == nil {
			var result SendResult
			if err := json.Unmarshal([]byte(stored), &result); err != nil {
				return SendResult{}, fmt.Errorf("gateway: corrupt idempotent result: %w", err)
			}
			result.Deduplicated = true
			log.Info().Str("idempotency_key", req.IdempotencyKey).
				Str("notification_id", result.NotificationID).
				Msg("replaying stored idempotent result")
			return result, nil
		}
		ticket = t
	}

	// From here on the claim is committed: finish the sequence even if the
	// client goes away, otherwise the key would sit IN_PROGRESS until the
	// staleness window frees it.
	opCtx := context.WithoutCancel(ctx)

	// 3. Circuit breaker, immediately before the protected call.
	if err := g.breaker.Permit(opCtx); err != nil {
		g.rollback(opCtx, ticket, log)
		return SendResult{}, err
	}

	// 4. Ledger record, then the one downstream attempt.
	rec, err := g.ledger.Create(opCtx, req.UserID, req.NotificationType)
	if err != nil {
		// The permit goes unused: a store problem is not a downstream
		// failure, so nothing is recorded against the circuit. An unused
		// half-open probe is reclaimed via the breaker's staleness rule.
		g.rollback(opCtx, ticket, log)
		return SendResult{}, err
	}

	pubCtx, cancel := context.WithTimeout(opCtx, g.publishTimeout)
	pubErr := g.publisher.Publish(pubCtx, Message{
		NotificationID:   rec.NotificationID,
		CorrelationID:    req.CorrelationID,
		UserID:           req.UserID,
		NotificationType: req.NotificationType,
		TemplateID:       req.TemplateID,
		Variables:        req.Variables,
		Priority:         req.Priority,
		Timestamp:        rec.CreatedAt,
	})
	cancel()

	// 5. Exactly one outcome per permitted attempt.
	if err := g.breaker.RecordOutcome(opCtx, pubErr == nil); err != nil {
		log.Error().Err(err).Msg("recording publish outcome")
	}

	// 6. Ledger transition mirrors the publish result.
	if pubErr != nil {
		log.Warn().Err(pubErr).Str("notification_id", rec.NotificationID).Msg("publish failed")
		if _, err := g.ledger.Transition(opCtx, rec.NotificationID, ledger.StatusFailed, pubErr.Error()); err != nil {
			log.Error().Err(err).Msg("marking notification failed")
		}
		// 7a. Free the key so the client's retry can run the publish again.
		g.rollback(opCtx, ticket, log)
		return SendResult{}, fmt.Errorf("%w: %v", ErrPublishFailed, pubErr)
	}

	if _, err := g.ledger.Transition(opCtx, rec.NotificationID, ledger.StatusQueued, ""); err != nil {
		// Never expected on a fresh record; a defect, not a user error.
		log.Error().Err(err).Str("notification_id", rec.NotificationID).Msg("marking notification queued")
	}

	// The admission-time view: the notification is accepted and pending
	// delivery. This is also the payload replayed for duplicates.
	result := SendResult{NotificationID: rec.NotificationID, Status: ledger.StatusPending}

	// 7b. Commit the result for future retries of this key.
	if ticket != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return result, fmt.Errorf("gateway: marshal result: %w", err)
		}
		if err := g.guard.Complete(opCtx, ticket, string(raw)); err != nil {
			log.Error().Err(err).Str("idempotency_key", req.IdempotencyKey).Msg("committing idempotent result")
		}
	}

	log.Info().
		Str("notification_id", rec.NotificationID).
		Str("notification_type", req.NotificationType).
		Str("user_id", req.UserID).
		Msg("notification queued")
	return result, nil
}

func (g *Gateway) rollback(ctx context.Context, ticket *idempotency.Ticket, log zerolog.Logger) {
	if ticket == nil {
		return
	}
	if err := g.guard.Release(ctx, ticket); err != nil {
		// The record will still expire via the staleness window.
		log.Error().Err(err).Msg("releasing idempotency claim")
	}
}
