package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Aguti1902/iqmind-sub000/internal/logging"
)

// maxPayloadBytes bounds inbound webhook bodies.
const maxPayloadBytes = 1 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// Handler provides the inbound processor webhook endpoint.
type Handler struct {
	router *Router
	secret string
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification (development only).
func NewHandler(router *Router, secret string) *Handler {
	return &Handler{router: router, secret: secret}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/processor", h.Receive)
}

// Receive verifies, parses and routes one processor event. The processor
// retries on 5xx, so transient routing failures return 500 while signature
// and parse failures return 4xx and are dropped.
func (h *Handler) Receive(c *gin.Context) {
	log := logging.L(c.Request.Context())

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if !VerifySignature(payload, c.GetHeader(SignatureHeader), h.secret) {
		log.Warn("webhook signature rejected", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := ParseEvent(payload)
	if err != nil {
		log.Warn("webhook parse failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.router.Route(c.Request.Context(), event); err != nil {
		log.Error("webhook routing failed", "event_id", event.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": event.ID})
}
