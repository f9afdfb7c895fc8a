package ingest_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/ingest"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/models"
)

const testSecret = "test-webhook-secret"

// fakeStore implements just enough of store.EventStore for this package's
// tests: StoreEvent dedupes by UpstreamDeliveryID, every other method
// panics if ever called (this handler never reaches them).
type fakeStore struct {
	byUpstreamID map[string]*models.Event
	nextID       int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{byUpstreamID: make(map[string]*models.Event)}
}

func (f *fakeStore) StoreEvent(_ context.Context, e *models.Event) (*models.Event, error) {
	if existing, ok := f.byUpstreamID[e.UpstreamDeliveryID]; ok {
		return existing, models.ErrEventAlreadyExists
	}
	f.nextID++
	stored := *e
	stored.ID = f.nextID
	f.byUpstreamID[e.UpstreamDeliveryID] = &stored
	return &stored, nil
}

func (f *fakeStore) GetEvent(context.Context, int64) (*models.Event, error) { panic("unused") }
func (f *fakeStore) SetEventStatus(context.Context, int64, models.Status) error {
	panic("unused")
}
func (f *fakeStore) EventStats(context.Context) (models.EventStats, error) { panic("unused") }
func (f *fakeStore) RecordAttempt(context.Context, *models.DeliveryAttempt) (*models.DeliveryAttempt, error) {
	panic("unused")
}
func (f *fakeStore) NextAttemptNumber(context.Context, int64, int64) (int, error) { panic("unused") }
func (f *fakeStore) ScheduleRetry(context.Context, int64, int64, time.Time) error  { panic("unused") }
func (f *fakeStore) PendingRetries(context.Context, int) ([]models.RetryTask, error) {
	panic("unused")
}
func (f *fakeStore) ReclaimExpiredLeases(context.Context, time.Duration) (int, error) {
	panic("unused")
}
func (f *fakeStore) GetSubscriber(context.Context, int64) (*models.Subscriber, error) {
	panic("unused")
}
func (f *fakeStore) ListSubscribers(context.Context) ([]*models.Subscriber, error) { panic("unused") }
func (f *fakeStore) GetTransportBinding(context.Context, int64) (*models.TransportBinding, error) {
	panic("unused")
}
func (f *fakeStore) InitOutstanding(context.Context, int64, int) error { panic("unused") }
func (f *fakeStore) DecrementOutstanding(context.Context, int64) (int, error) {
	panic("unused")
}
func (f *fakeStore) Ping(context.Context) error { panic("unused") }
func (f *fakeStore) Close()                     {}

type fakeEnqueuer struct {
	subscriberCount int
	err             error
	called          bool
}

func (f *fakeEnqueuer) FanOut(context.Context, int64) (int, error) {
	f.called = true
	return f.subscriberCount, f.err
}

func newTestHandler(t *testing.T, cfg ingest.Config, st *fakeStore, fo *fakeEnqueuer) *gin.Engine {
	t.Helper()
	logger, err := logging.NewLogger()
	require.NoError(t, err)
	cipher := crypto.NewHeaderCipher("master-secret-for-tests")
	h := ingest.NewHandler(cfg, st, fo, cipher, logger)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func signedRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/test", bytes.NewReader(body))
	req.Header.Set(ingest.HeaderSignature, crypto.SignBody(body, secret))
	req.Header.Set(ingest.HeaderEventType, "order.created")
	req.Header.Set(ingest.HeaderDeliveryID, "delivery-1")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHandlerAcceptsValidSignedRequest(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{subscriberCount: 2}
	r := newTestHandler(t, ingest.Config{WebhookSecret: testSecret}, st, fo)

	body := []byte(`{"hello":"world"}`)
	req := signedRequest(body, testSecret)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, fo.called)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{subscriberCount: 1}
	r := newTestHandler(t, ingest.Config{WebhookSecret: testSecret}, st, fo)

	body := []byte(`{"hello":"world"}`)
	req := signedRequest(body, "wrong-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, fo.called)
}

func TestHandlerRejectsMissingHeaders(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{}
	r := newTestHandler(t, ingest.Config{WebhookSecret: testSecret}, st, fo)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/test", bytes.NewReader(body))
	req.Header.Set(ingest.HeaderSignature, crypto.SignBody(body, testSecret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerRejectsDisallowedIP(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{}
	cfg := ingest.Config{WebhookSecret: testSecret, IPAllowlist: []string{"10.0.0.1"}}
	r := newTestHandler(t, cfg, st, fo)

	body := []byte(`{}`)
	req := signedRequest(body, testSecret)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, fo.called)
}

func TestHandlerEnforcesRateLimit(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{subscriberCount: 1}
	cfg := ingest.Config{WebhookSecret: testSecret, RateLimitEnabled: true, RequestsPerMinute: 1}
	r := newTestHandler(t, cfg, st, fo)

	body := []byte(`{}`)
	req1 := signedRequest(body, testSecret)
	req1.RemoteAddr = "10.1.1.1:5555"
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusAccepted, w1.Code)

	req2 := signedRequest(body, testSecret)
	req2.Header.Set(ingest.HeaderDeliveryID, "delivery-2")
	req2.RemoteAddr = "10.1.1.1:5555"
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestHandlerTreatsDuplicateDeliveryAsSuccessWithoutRefanout(t *testing.T) {
	st := newFakeStore()
	fo := &fakeEnqueuer{subscriberCount: 3}
	r := newTestHandler(t, ingest.Config{WebhookSecret: testSecret}, st, fo)

	body := []byte(`{}`)
	req1 := signedRequest(body, testSecret)
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)
	require.True(t, fo.called)

	fo.called = false
	req2 := signedRequest(body, testSecret)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusOK, w2.Code)
	assert.False(t, fo.called, "duplicate delivery must not re-enter fan-out")
}
