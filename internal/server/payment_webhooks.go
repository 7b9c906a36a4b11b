package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/staylane/atrium/internal/payment/domain"
	"go.uber.org/zap"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Provider-Signature"

// maxWebhookBody caps the delivery size read into memory.
const maxWebhookBody = 1 << 20

// WebhookHandler terminates POST /webhooks/payments.
type WebhookHandler struct {
	service paymentdomain.Service
	log     *zap.Logger
}

func NewWebhookHandler(service paymentdomain.Service, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		log:     log.Named("server.webhooks"),
	}
}

func (h *WebhookHandler) Handle(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"received": false,
			"error":    "Invalid event structure",
		})
		return
	}

	meta := paymentdomain.RequestMetadata{
		Signature: c.GetHeader(SignatureHeader),
		Headers:   c.Request.Header,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	result, err := h.service.IngestWebhook(c.Request.Context(), payload, meta)
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"received": false,
			"error":    "Invalid signature",
		})
	case errors.Is(err, paymentdomain.ErrInvalidEnvelope):
		c.JSON(http.StatusBadRequest, gin.H{
			"received": false,
			"error":    "Invalid event structure",
		})
	case err != nil:
		// The delivery is stored; the provider should not retry on its own
		// schedule, the internal poller owns transient failures.
		c.JSON(http.StatusInternalServerError, gin.H{
			"received":  true,
			"processed": false,
			"error":     err.Error(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"received":  true,
			"processed": result.Processed,
		})
	}
}
