package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/webhook"
)

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.DB == nil {
		c.JSON(http.StatusOK, map[string]string{"status": "up"})
		return
	}
	stats := s.deps.DB.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func (s *Server) handleWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		s.deps.WebhookSecret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("rejecting stripe webhook with invalid signature")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	ctx = domain.WithExecutionContext(ctx, domain.ExecutionContext{
		ContextToken:   c.GetHeader("sw-context-token"),
		SalesChannelID: c.Query("salesChannelId"),
		LanguageID:     c.GetHeader("sw-language-id"),
		VersionID:      c.GetHeader("sw-version-id"),
		Source:         "stripe-webhook",
	})

	err = s.deps.Events.Dispatch(ctx, event)
	if err != nil && !errors.Is(err, webhook.ErrUnsupportedEvent) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type orderTransactionResponse struct {
	ID              string `json:"id"`
	OrderID         string `json:"orderId"`
	OrderVersionID  string `json:"orderVersionId"`
	State           string `json:"state"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	ChargeID        string `json:"chargeId,omitempty"`
	SourceID        string `json:"sourceId,omitempty"`
	UpdatedAt       string `json:"updatedAt"`
}

func toResponse(t *domain.OrderTransaction) orderTransactionResponse {
	resp := orderTransactionResponse{
		ID:             t.ID.String(),
		OrderID:        t.OrderID.String(),
		OrderVersionID: t.OrderVersionID.String(),
		State:          string(t.State),
		UpdatedAt:      t.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	resp.PaymentIntentID, _ = t.CorrelationID(domain.CorrelationPaymentIntentID)
	resp.ChargeID, _ = t.CorrelationID(domain.CorrelationChargeID)
	resp.SourceID, _ = t.CorrelationID(domain.CorrelationSourceID)
	return resp
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order transaction id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetOrderTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	t, err := s.deps.OrderTransactions.FindById(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if t == nil {
		writeError(c, &domain.NotFoundError{Value: id.String()})
		return
	}
	c.JSON(http.StatusOK, toResponse(t))
}

func (s *Server) handleFinalize(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	state, err := s.deps.Finalize.Finalize(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id.String(), "state": state})
	case errors.Is(err, domain.ErrPaymentPending):
		c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "state": state, "error": err.Error()})
	default:
		writeError(c, err)
	}
}

// statusFor maps handling errors to responses. Anything but 2xx makes Stripe
// redeliver the event.
func statusFor(err error) int {
	var decodeErr *webhook.DecodeError
	switch {
	case errors.Is(err, domain.ErrOrderTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflictingStateTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrMissingCorrelationID), errors.Is(err, domain.ErrPaymentIntentWithoutCharge):
		return http.StatusUnprocessableEntity
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	c.JSON(status, gin.H{"error": msg})
}
