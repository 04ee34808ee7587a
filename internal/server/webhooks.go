package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	webhookdomain "github.com/craftlabs/craft/internal/webhook/domain"
)

// maxWebhookBody bounds provider payloads; real events are a few KB.
const maxWebhookBody = 1 << 20

func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.webhooks.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		// Redeliveries and unhandled event types must not trigger provider
		// retries.
		if errors.Is(err, webhookdomain.ErrEventAlreadyProcessed) ||
			errors.Is(err, webhookdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type verifyPaymentRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	PaymentID string `json:"payment_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// HandleVerifyPayment checks a Razorpay checkout callback signature. A
// tampered signature is a client error, so the negative verdict rides a 400.
func (s *Server) HandleVerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if !s.razorpay.VerifyPaymentSignature(req.OrderID, req.PaymentID, req.Signature) {
		c.JSON(http.StatusBadRequest, gin.H{"verified": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}
