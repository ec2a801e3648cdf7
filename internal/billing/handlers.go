package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/fundroom/internal/logging"
	"github.com/mbd888/fundroom/internal/tenant"
	"github.com/mbd888/fundroom/internal/tier"
)

const maxWebhookBody = 64 << 10

var subscriptionEvents = map[stripe.EventType]bool{
	stripe.EventTypeCustomerSubscriptionCreated: true,
	stripe.EventTypeCustomerSubscriptionUpdated: true,
	stripe.EventTypeCustomerSubscriptionDeleted: true,
	stripe.EventTypeCustomerSubscriptionPaused:  true,
	stripe.EventTypeCustomerSubscriptionResumed: true,
}

// Handler receives Stripe webhooks.
type Handler struct {
	syncer *Syncer
	secret string
}

// NewHandler creates a webhook handler verifying with the endpoint secret.
func NewHandler(syncer *Syncer, secret string) *Handler {
	return &Handler{syncer: syncer, secret: secret}
}

// RegisterRoutes mounts the webhook endpoint. It must not sit behind API
// key auth; the Stripe signature authenticates it.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/stripe/webhook", h.StripeWebhook)
}

// StripeWebhook handles POST /v1/billing/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	logger := logging.L(c.Request.Context())

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Error reading request body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logger.Warn("stripe signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	}

	if !subscriptionEvents[event.Type] {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		logger.Error("error parsing subscription", "event_id", event.ID, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Error parsing webhook"})
		return
	}

	res, err := h.syncer.Apply(c.Request.Context(), event.Type, &sub)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true, "sync": res})
	case errors.Is(err, ErrNoTenant), errors.Is(err, tenant.ErrTeamNotFound), errors.Is(err, tenant.ErrOrgNotFound):
		// Retrying will not create the tenant; acknowledge so Stripe stops.
		logger.Warn("subscription for unknown tenant", "event_id", event.ID, "subscription_id", sub.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
	case errors.Is(err, tier.ErrUnknownPlan):
		logger.Error("subscription carries unknown plan", "event_id", event.ID, "subscription_id", sub.ID, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_plan", "message": err.Error()})
	default:
		logger.Error("subscription sync failed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
