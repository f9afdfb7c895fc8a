package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/queue/memqueue"
	"github.com/hookrelay/hookrelay/internal/retry"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type fakeStore struct {
	store.EventStore

	mu             sync.Mutex
	event          *models.Event
	subscriber     *models.Subscriber
	subscriberErr  error
	binding        *models.TransportBinding
	bindingErr     error
	status         models.Status
	outstanding    int
	attemptNo      int
	retryScheduled bool
	attempts       []*models.DeliveryAttempt
}

func (f *fakeStore) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	return f.event, nil
}

func (f *fakeStore) SetEventStatus(ctx context.Context, id int64, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	return nil
}

func (f *fakeStore) GetSubscriber(ctx context.Context, id int64) (*models.Subscriber, error) {
	return f.subscriber, f.subscriberErr
}

func (f *fakeStore) GetTransportBinding(ctx context.Context, subscriberID int64) (*models.TransportBinding, error) {
	return f.binding, f.bindingErr
}

func (f *fakeStore) NextAttemptNumber(ctx context.Context, eventID, subscriberID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attemptNo++
	return f.attemptNo, nil
}

func (f *fakeStore) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) (*models.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return a, nil
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, eventID, subscriberID int64, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryScheduled = true
	return nil
}

func (f *fakeStore) InitOutstanding(ctx context.Context, eventID int64, subscriberCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding = subscriberCount
	return nil
}

func (f *fakeStore) DecrementOutstanding(ctx context.Context, eventID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding--
	return f.outstanding, nil
}

type fakeCache struct {
	store.SubscriberCache
	subs []*models.Subscriber
}

func (f *fakeCache) Subscribers(ctx context.Context) ([]*models.Subscriber, error) {
	return f.subs, nil
}

type fakeProvider struct {
	kind   models.TransportKind
	result transport.DeliveryResult
	err    error
}

func (p *fakeProvider) Kind() models.TransportKind                        { return p.kind }
func (p *fakeProvider) ValidateConfig(config models.ConfigBlob) error     { return nil }
func (p *fakeProvider) Close() error                                      { return nil }
func (p *fakeProvider) Deliver(ctx context.Context, in transport.DeliveryInput) (transport.DeliveryResult, error) {
	return p.result, p.err
}

type passthroughIdempotence struct{}

func (passthroughIdempotence) Exec(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestEngine(t *testing.T, st *fakeStore, provider *fakeProvider, policy Policy) (*Engine, queue.Queue) {
	t.Helper()
	cipher := crypto.NewHeaderCipher("test-master-secret")
	sealed, err := cipher.Seal(map[string]string{"x-event-type": "order.created"})
	require.NoError(t, err)
	st.event.HeadersData = sealed

	registry := transport.NewRegistry()
	registry.Register(provider)

	q := memqueue.New()
	logger, err := logging.NewLogger()
	require.NoError(t, err)

	return New(st, &fakeCache{subs: []*models.Subscriber{st.subscriber}}, registry, q, cipher, passthroughIdempotence{}, policy, logger), q
}

func baseFixtures() (*models.Event, *models.Subscriber, *models.TransportBinding) {
	event := &models.Event{ID: 1, EventType: "order.created", PayloadData: "{}"}
	subscriber := &models.Subscriber{ID: 2, EventTypes: models.EventTypes{"order.created"}}
	binding := &models.TransportBinding{ID: 2, SubscriberID: 2, Kind: models.TransportHTTPWebhook}
	return event, subscriber, binding
}

func TestFanOutEnqueuesOneJobPerMatchingSubscriber(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	count, err := engine.FanOut(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, st.outstanding)
	assert.Equal(t, models.StatusProcessing, st.status)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Visible)
}

func TestFanOutWithNoMatchingSubscriberCompletesImmediately(t *testing.T) {
	event, _, _ := baseFixtures()
	event.EventType = "order.cancelled"
	subscriber := &models.Subscriber{ID: 2, EventTypes: models.EventTypes{"order.created"}}
	st := &fakeStore{event: event, subscriber: subscriber}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, _ := newTestEngine(t, st, provider, policy)

	count, err := engine.FanOut(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, models.StatusCompleted, st.status)
}

func TestHandleSuccessfulDeliveryCompletesEventAndDeletesMessage(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook, result: transport.DeliveryResult{Success: true}}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	assert.Equal(t, models.StatusCompleted, st.status)
	assert.Len(t, st.attempts, 1)
	assert.True(t, st.attempts[0].Succeeded())

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Visible, "a successfully acked message must be deleted")
}

func TestHandleRetryableFailureSchedulesRetryAndAcksMessage(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1}
	statusCode := 503
	provider := &fakeProvider{kind: models.TransportHTTPWebhook, result: transport.DeliveryResult{Success: false, StatusCode: &statusCode, Err: assert.AnError}}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	assert.True(t, st.retryScheduled)
	assert.Equal(t, 1, st.outstanding, "outstanding count must not drop while a retry is still pending")
	assert.NotEqual(t, models.StatusCompleted, st.status)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Visible, "the job is acked; the retry scheduler re-enqueues separately once due")
}

func TestHandleExhaustedRetriesDeadLettersEvent(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1, attemptNo: 9}
	statusCode := 500
	provider := &fakeProvider{kind: models.TransportHTTPWebhook, result: transport.DeliveryResult{Success: false, StatusCode: &statusCode, Err: assert.AnError}}
	policy := NewPolicy(10, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	assert.Equal(t, models.StatusDeadLetter, st.status)
	assert.Zero(t, st.outstanding)
	assert.False(t, st.retryScheduled)
}

func TestHandleDisabledBindingSkipsDeliveryWithoutFailingEvent(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	disabledAt := time.Now()
	binding.DisabledAt = &disabledAt
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	assert.Empty(t, st.attempts, "a disabled binding must never reach the transport")
	assert.Equal(t, models.StatusCompleted, st.status)
}

func TestHandleMissingSubscriberRecordsTerminalAttemptAndAcksMessage(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1, subscriberErr: assert.AnError}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	require.Len(t, st.attempts, 1, "a permanently failed lookup must still leave an audit trail")
	assert.False(t, st.attempts[0].Succeeded())
	assert.Zero(t, st.outstanding)
	assert.Equal(t, models.StatusFailed, st.status)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Visible, "a permanent failure must not tight-loop the job back onto the queue")
}

func TestHandleUnknownTransportKindRecordsTerminalAttempt(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	binding.Kind = models.TransportKind("unregistered")
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	require.Len(t, st.attempts, 1)
	assert.Zero(t, st.outstanding)
	assert.Equal(t, models.StatusFailed, st.status)
}

func TestHandleTransportMethodErrorRecordsTerminalAttemptWithoutDoubleCountingAttempts(t *testing.T) {
	event, subscriber, binding := baseFixtures()
	st := &fakeStore{event: event, subscriber: subscriber, binding: binding, outstanding: 1}
	provider := &fakeProvider{kind: models.TransportHTTPWebhook, err: assert.AnError}
	policy := NewPolicy(5, 10, &retry.LinearBackoff{Interval: time.Millisecond})
	engine, q := newTestEngine(t, st, provider, policy)

	_, err := q.Send(context.Background(), queue.FanoutJob{EventID: 1, SubscriberID: 2, EventType: "order.created"}, nil)
	require.NoError(t, err)
	msgs, err := q.Receive(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, engine.Handle(context.Background(), msgs[0]))

	require.Len(t, st.attempts, 1, "a Deliver method error must reuse the attempt number already claimed, not claim a second one")
	assert.Equal(t, 1, st.attempts[0].AttemptNumber)
	assert.Zero(t, st.outstanding)
	assert.Equal(t, models.StatusFailed, st.status)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Visible)
}
