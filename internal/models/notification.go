package models

// SendNotificationRequest is the POST /notifications/send payload.
// idempotency_key is optional; clients that retry should always set it.
type SendNotificationRequest struct {
	UserID           string         `json:"user_id"`
	NotificationType string         `json:"notification_type"`
	TemplateID       string         `json:"template_id"`
	Variables        map[string]any `json:"variables,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}

// SendNotificationResponse is returned by POST /notifications/send.
// Deduplicated indicates the response was replayed from a prior request
// with the same idempotency key.
type SendNotificationResponse struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Deduplicated   bool   `json:"deduplicated,omitempty"`
	CorrelationID  string `json:"correlation_id"`
}

// StatusResponse is returned by GET /notifications/:id/status.
type StatusResponse struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Type           string `json:"notification_type"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	Error          string `json:"error,omitempty"`
}

// StatusUpdateRequest is the delivery-feedback payload posted by the
// email/push workers after they process a queued notification.
type StatusUpdateRequest struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ListResponse is the paginated GET /notifications body.
type ListResponse struct {
	Items      []StatusResponse `json:"items"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	TotalPages int              `json:"total_pages"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}
