package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"stripe-reconciler/internal/domain"
	"stripe-reconciler/internal/infrastructure/payment"
	"stripe-reconciler/internal/locking"
	"stripe-reconciler/internal/metrics"
	"stripe-reconciler/internal/repo"
	"stripe-reconciler/internal/service"
	"stripe-reconciler/internal/webhook"
)

const testSecret = "whsec_test_secret"

type testEnv struct {
	repo    *repo.MemoryOrderTransactionRepo
	locker  *locking.MemoryLocker
	gateway *payment.MockGateway
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	env := &testEnv{
		repo:    repo.NewMemoryOrderTransactionRepo(),
		locker:  locking.NewMemoryLocker(),
		gateway: payment.NewMockGateway(0),
	}
	states := service.NewStateHandler(env.repo, locking.NewService(env.locker, 50*time.Millisecond, m), nil, m)
	env.handler = NewServer(Deps{
		OrderTransactions: env.repo,
		Events:            webhook.NewEventHandler(env.repo, states, m),
		Finalize:          service.NewFinalizeService(env.repo, env.gateway, states),
		Gatherer:          reg,
		WebhookSecret:     testSecret,
	}).Handler()
	return env
}

func (e *testEnv) seed(t *testing.T, state domain.TransactionState, field domain.CorrelationField, value string) uuid.UUID {
	t.Helper()
	tx := &domain.OrderTransaction{
		ID:             uuid.New(),
		OrderID:        uuid.New(),
		OrderVersionID: uuid.New(),
		State:          state,
		CustomFields:   domain.SetCustomField(nil, field.Path(), value),
	}
	require.NoError(t, e.repo.Create(context.Background(), tx))
	return tx.ID
}

func (e *testEnv) state(t *testing.T, id uuid.UUID) domain.TransactionState {
	t.Helper()
	tx, err := e.repo.FindById(context.Background(), id)
	require.NoError(t, err)
	return tx.State
}

func eventPayload(eventType, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_%s","object":"event","api_version":"2020-08-27","type":%q,"data":{"object":%s}}`,
		uuid.NewString()[:8], eventType, object))
}

func (e *testEnv) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload,
		Secret:  testSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook?salesChannelId=sc_1", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("sw-language-id", "lang_1")

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStatusMapping(t *testing.T) {
	env := newTestEnv(t)
	open := env.seed(t, domain.TransactionOpen, domain.CorrelationChargeID, "ch_open")
	env.seed(t, domain.TransactionPaid, domain.CorrelationChargeID, "ch_paid")

	rec := env.deliver(t, eventPayload("charge.succeeded", `{"id":"ch_open","object":"charge"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TransactionPaid, env.state(t, open))
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = env.deliver(t, eventPayload("charge.succeeded", `{"id":"ch_open","object":"charge"}`))
	assert.Equal(t, http.StatusOK, rec.Code, "duplicate delivery")

	rec = env.deliver(t, eventPayload("charge.failed", `{"id":"ch_paid","object":"charge"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.deliver(t, eventPayload("charge.succeeded", `{"id":"ch_unknown","object":"charge"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.deliver(t, eventPayload("customer.created", `{"id":"cus_1","object":"customer"}`))
	assert.Equal(t, http.StatusOK, rec.Code, "unsupported types are acknowledged")

	rec = env.deliver(t, eventPayload("charge.succeeded", `{"object":"charge"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookLockTimeout(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, domain.TransactionOpen, domain.CorrelationPaymentIntentID, "pi_locked")

	release, err := env.locker.Acquire(context.Background(), "order_transaction:"+id.String())
	require.NoError(t, err)
	defer release()

	rec := env.deliver(t, eventPayload("payment_intent.canceled", `{"id":"pi_locked","object":"payment_intent"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, domain.TransactionOpen, env.state(t, id))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := eventPayload("charge.succeeded", `{"id":"ch_1","object":"charge"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(make([]byte, maxWebhookBody+1)))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetOrderTransaction(t *testing.T) {
	env := newTestEnv(t)
	id := env.seed(t, domain.TransactionOpen, domain.CorrelationPaymentIntentID, "pi_read")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/order-transactions/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body orderTransactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, id.String(), body.ID)
	assert.Equal(t, "open", body.State)
	assert.Equal(t, "pi_read", body.PaymentIntentID)
	assert.Empty(t, body.ChargeID)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/order-transactions/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/order-transactions/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.SetPaymentIntent(payment.PaymentIntent{ID: "pi_done", Status: payment.StatusSucceeded, LatestChargeID: "ch_done"})
	env.gateway.SetPaymentIntent(payment.PaymentIntent{ID: "pi_wait", Status: payment.StatusProcessing})
	done := env.seed(t, domain.TransactionOpen, domain.CorrelationPaymentIntentID, "pi_done")
	waiting := env.seed(t, domain.TransactionOpen, domain.CorrelationPaymentIntentID, "pi_wait")

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/order-transactions/"+done.String()+"/finalize", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TransactionPaid, env.state(t, done))

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/order-transactions/"+waiting.String()+"/finalize", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.TransactionOpen, env.state(t, waiting))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, eventPayload("charge.succeeded", `{"id":"ch_none","object":"charge"}`))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"up"`)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stripe_reconciler_stripe_webhook_events_total{outcome="not_found",type="charge.succeeded"} 1`)
}

type capturingEvents struct {
	webhook.EventHandler
	got domain.ExecutionContext
}

func (c *capturingEvents) Dispatch(ctx context.Context, _ stripe.Event) error {
	c.got, _ = domain.ExecutionContextFrom(ctx)
	return nil
}

func TestWebhookBuildsExecutionContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	events := &capturingEvents{}
	handler := NewServer(Deps{Events: events, WebhookSecret: testSecret}).Handler()

	payload := eventPayload("charge.succeeded", `{"id":"ch_ctx","object":"charge"}`)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: payload, Secret: testSecret})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook?salesChannelId=sc_9", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("sw-context-token", "token_abc")
	req.Header.Set("sw-language-id", "lang_9")
	req.Header.Set("sw-version-id", "version_9")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ExecutionContext{
		ContextToken:   "token_abc",
		SalesChannelID: "sc_9",
		LanguageID:     "lang_9",
		VersionID:      "version_9",
		Source:         "stripe-webhook",
	}, events.got)
}
