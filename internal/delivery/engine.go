// Package delivery is the fan-out and attempt engine: it turns a
// stored event into one queue job per matching subscriber
// (processEvent) and turns a queue job — whether it is an event's
// first attempt or a retry scheduler's re-enqueue — into one transport
// call plus a recorded DeliveryAttempt (processRetry's "attempt
// against the still-current subscriber transport" folded into the same
// path, since both cases need identical bookkeeping). Grounded on the
// teacher's internal/deliverymq/messagehandler.go for the
// pre/delivery/post error-stage shape, the ack/nack decision table, and
// the audit-log-on-every-outcome idiom.
package delivery

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hookrelay/hookrelay/internal/consumer"
	"github.com/hookrelay/hookrelay/internal/crypto"
	"github.com/hookrelay/hookrelay/internal/idempotence"
	"github.com/hookrelay/hookrelay/internal/logging"
	"github.com/hookrelay/hookrelay/internal/models"
	"github.com/hookrelay/hookrelay/internal/queue"
	"github.com/hookrelay/hookrelay/internal/store"
	"github.com/hookrelay/hookrelay/internal/transport"
)

type Engine struct {
	store    store.EventStore
	cache    store.SubscriberCache
	registry *transport.Registry
	queue    queue.Queue
	cipher   *crypto.HeaderCipher
	idem     idempotence.Idempotence
	policy   Policy
	logger   *logging.Logger
}

var _ consumer.MessageHandler = (*Engine)(nil)

func New(
	st store.EventStore,
	cache store.SubscriberCache,
	registry *transport.Registry,
	q queue.Queue,
	cipher *crypto.HeaderCipher,
	idem idempotence.Idempotence,
	policy Policy,
	logger *logging.Logger,
) *Engine {
	return &Engine{
		store:    st,
		cache:    cache,
		registry: registry,
		queue:    q,
		cipher:   cipher,
		idem:     idem,
		policy:   policy,
		logger:   logger,
	}
}

// FanOut implements processEvent's steps (1)-(3): mark the event
// processing, compute the matching subscriber set, and either
// short-circuit to completed (no subscribers) or enqueue one
// FanoutJob per subscriber and record how many outstanding deliveries
// the event now has. Steps (4)-(7), the actual transport attempts, run
// per-subscriber in Handle as their jobs are consumed — this lets one
// slow or failing subscriber never block another's delivery.
// FanOut returns the number of subscribers the event was fanned out to,
// so the ingest response can report it without waiting for any
// delivery outcome.
func (e *Engine) FanOut(ctx context.Context, eventID int64) (int, error) {
	event, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return 0, NewPreDeliveryError(err)
	}

	if err := e.store.SetEventStatus(ctx, eventID, models.StatusProcessing); err != nil {
		return 0, NewPreDeliveryError(err)
	}

	subscribers, err := e.cache.Subscribers(ctx)
	if err != nil {
		return 0, NewPreDeliveryError(err)
	}

	var matched []*models.Subscriber
	for _, s := range subscribers {
		if s.MatchesEvent(event) {
			matched = append(matched, s)
		}
	}

	if len(matched) == 0 {
		return 0, e.store.SetEventStatus(ctx, eventID, models.StatusCompleted)
	}

	if err := e.store.InitOutstanding(ctx, eventID, len(matched)); err != nil {
		return 0, NewPreDeliveryError(err)
	}

	for _, s := range matched {
		job := queue.FanoutJob{EventID: eventID, SubscriberID: s.ID, EventType: event.EventType}
		if _, err := e.queue.Send(ctx, job, nil); err != nil {
			return 0, NewPreDeliveryError(err)
		}
	}
	return len(matched), nil
}

// Handle implements one attempt against one subscriber — the body of
// both processEvent step (4) and processRetry: the job carries only
// (event, subscriber); which attempt number this is comes from the
// store, so a first attempt and a scheduler-driven retry run through
// exactly the same code. The idempotence key includes the queue
// envelope id: a redelivery of the same message is deduplicated, while
// a scheduler-driven retry arrives as a new envelope and is attempted.
func (e *Engine) Handle(ctx context.Context, msg queue.Message) error {
	job := msg.Envelope.Data

	idemKey := idempotencyKey(job.EventID, job.SubscriberID) + ":" + msg.Envelope.ID
	err := e.idem.Exec(ctx, idemKey, func(ctx context.Context) error {
		return e.attempt(ctx, job)
	})
	if errors.Is(err, idempotence.ErrConflict) {
		// Another worker is already processing this same queue message;
		// let this delivery of the job lapse and become visible again
		// only if the other worker doesn't finish in time.
		return nil
	}
	return e.ack(ctx, msg, err)
}

func (e *Engine) attempt(ctx context.Context, job queue.FanoutJob) error {
	event, err := e.store.GetEvent(ctx, job.EventID)
	if err != nil {
		return NewPreDeliveryError(err)
	}
	subscriber, err := e.store.GetSubscriber(ctx, job.SubscriberID)
	if err != nil {
		// The subscriber disappeared between scheduling and execution:
		// a permanent failure for this delivery, not a reason to keep
		// nacking the job until the queue's own attempt cap gives up on
		// it silently.
		return e.terminalFailure(ctx, job, "subscriber not found: "+err.Error())
	}
	binding, err := e.store.GetTransportBinding(ctx, job.SubscriberID)
	if err != nil {
		return e.terminalFailure(ctx, job, "transport binding not found: "+err.Error())
	}
	if binding.Disabled() {
		return e.finishOutstanding(ctx, job.EventID, nil)
	}

	provider, err := e.registry.GetProvider(binding.Kind)
	if err != nil {
		return e.terminalFailure(ctx, job, "invalid transport configuration: "+err.Error())
	}

	headers, err := e.cipher.Open(event.HeadersData)
	if err != nil {
		return e.terminalFailure(ctx, job, "decryption failed: "+err.Error())
	}

	attemptNumber, err := e.store.NextAttemptNumber(ctx, job.EventID, job.SubscriberID)
	if err != nil {
		return NewPreDeliveryError(err)
	}

	in := transport.DeliveryInput{
		EventID:            event.ID,
		UpstreamDeliveryID: event.UpstreamDeliveryID,
		EventType:          event.EventType,
		Payload:            []byte(event.PayloadData),
		Headers:            headers,
		Timestamp:          time.Now().UTC(),
		Config:             binding.Config,
	}

	result, err := provider.Deliver(ctx, in)
	if err != nil {
		// Deliver itself erroring out (as opposed to returning a failed
		// DeliveryResult) means the provider did not produce a transport
		// outcome: a request it could not build, an envelope it could not
		// encode, or (amqp-broker) a publish cut short by a cancelled
		// context. Any of these is recorded as a terminal attempt. Reuses
		// the attempt number already claimed above instead of claiming a
		// second one.
		return e.recordTerminalFailure(ctx, job, attemptNumber, "transport error: "+err.Error())
	}

	var errMsg *string
	if !result.Success {
		msg := result.Err.Error()
		errMsg = &msg
	}

	record := &models.DeliveryAttempt{
		EventID:       job.EventID,
		SubscriberID:  job.SubscriberID,
		AttemptNumber: attemptNumber,
		StatusCode:    result.StatusCode,
		ErrorMessage:  errMsg,
		AttemptedAt:   time.Now().UTC(),
	}
	if result.Duration > 0 {
		ms := result.Duration.Milliseconds()
		record.DurationMS = &ms
	}
	if _, err := e.store.RecordAttempt(ctx, record); err != nil {
		return NewPostDeliveryError(err)
	}

	e.logOutcome(event, subscriber, record)

	if result.Success {
		return e.finishOutstanding(ctx, job.EventID, nil)
	}

	if e.policy.Admits(result.StatusCode, attemptNumber) {
		delay := e.policy.Backoff.Duration(attemptNumber - 1)
		if err := e.store.ScheduleRetry(ctx, job.EventID, job.SubscriberID, time.Now().Add(delay)); err != nil {
			return NewPostDeliveryError(err)
		}
		return nil
	}

	return e.finishOutstanding(ctx, job.EventID, &attemptNumber)
}

// terminalFailure records a permanent, distinguished-reason failure for
// this job's (event, subscriber) pair and retires it: a subscriber that
// disappeared, an invalid transport configuration, or a header that
// won't decrypt are all reasons to stop trying this subscriber, not to
// keep nacking the queue message until the queue's own attempt cap
// silently drops it with no recorded attempt at all.
func (e *Engine) terminalFailure(ctx context.Context, job queue.FanoutJob, reason string) error {
	attemptNumber, err := e.store.NextAttemptNumber(ctx, job.EventID, job.SubscriberID)
	if err != nil {
		return NewPreDeliveryError(err)
	}
	return e.recordTerminalFailure(ctx, job, attemptNumber, reason)
}

// recordTerminalFailure is terminalFailure's tail, split out for the
// one caller (a Deliver method error) that has already claimed its
// attempt number and must not claim a second one for the same attempt.
func (e *Engine) recordTerminalFailure(ctx context.Context, job queue.FanoutJob, attemptNumber int, reason string) error {
	record := &models.DeliveryAttempt{
		EventID:       job.EventID,
		SubscriberID:  job.SubscriberID,
		AttemptNumber: attemptNumber,
		ErrorMessage:  &reason,
		AttemptedAt:   time.Now().UTC(),
	}
	if _, err := e.store.RecordAttempt(ctx, record); err != nil {
		return NewPostDeliveryError(err)
	}
	e.logger.Audit("delivery attempt permanently failed",
		zap.Int64("event_id", job.EventID),
		zap.Int64("subscriber_id", job.SubscriberID),
		zap.Int("attempt", attemptNumber),
		zap.String("reason", reason),
	)
	return e.finishOutstanding(ctx, job.EventID, &attemptNumber)
}

// finishOutstanding decrements the event's outstanding-deliveries
// counter. exhaustedAttempt is non-nil when this subscriber's delivery
// is terminally failed (not successful, not scheduled for retry): the
// event is then marked failed, or failed and then dead-letter once the
// attempt reaches the dead-letter threshold, right away rather than
// when the counter reaches zero. nil means this subscriber's delivery
// succeeded or was skipped (disabled binding); when that brings the
// counter to zero the event is marked completed. An event already in
// dead-letter is not moved back to failed, and an event already failed
// or dead-lettered is not marked completed.
func (e *Engine) finishOutstanding(ctx context.Context, eventID int64, exhaustedAttempt *int) error {
	if exhaustedAttempt != nil {
		event, err := e.store.GetEvent(ctx, eventID)
		if err != nil {
			return NewPostDeliveryError(err)
		}
		if event.Status != models.StatusDeadLetter && e.policy.DeadLetter(*exhaustedAttempt) {
			if err := e.store.SetEventStatus(ctx, eventID, models.StatusFailed); err == nil {
				e.store.SetEventStatus(ctx, eventID, models.StatusDeadLetter)
			}
		} else if event.Status != models.StatusDeadLetter {
			e.store.SetEventStatus(ctx, eventID, models.StatusFailed)
		}
	}

	remaining, err := e.store.DecrementOutstanding(ctx, eventID)
	if err != nil {
		return NewPostDeliveryError(err)
	}
	if remaining <= 0 && exhaustedAttempt == nil {
		event, err := e.store.GetEvent(ctx, eventID)
		if err != nil {
			return NewPostDeliveryError(err)
		}
		if event.Status == models.StatusFailed || event.Status == models.StatusDeadLetter {
			return nil
		}
		if err := e.store.SetEventStatus(ctx, eventID, models.StatusCompleted); err != nil {
			return NewPostDeliveryError(err)
		}
	}
	return nil
}

func (e *Engine) logOutcome(event *models.Event, subscriber *models.Subscriber, a *models.DeliveryAttempt) {
	fields := []zap.Field{
		zap.Int64("event_id", event.ID),
		zap.Int64("subscriber_id", subscriber.ID),
		zap.Int("attempt", a.AttemptNumber),
	}
	if a.StatusCode != nil {
		fields = append(fields, zap.Int("status_code", *a.StatusCode))
	}
	if a.Succeeded() {
		e.logger.Audit("event delivered", fields...)
		return
	}
	fields = append(fields, zap.String("error", *a.ErrorMessage))
	e.logger.Audit("delivery attempt failed", fields...)
}

// ack translates a delivery-taxonomy error into an ack/nack decision on
// the queue message, mirroring the teacher's shouldNackError table:
// pre-delivery failures retry the whole job (nack), delivery failures
// that already scheduled a retry row are acked (the retry scheduler
// owns redelivery from here), anything else nacks for safety.
func (e *Engine) ack(ctx context.Context, msg queue.Message, err error) error {
	if err == nil {
		return e.queue.Delete(ctx, msg.Receipt)
	}

	var delErr *DeliveryError
	if errors.As(err, &delErr) {
		return e.queue.Delete(ctx, msg.Receipt)
	}

	e.logger.Error("delivery handler error", zap.Error(err))
	if nackErr := e.queue.ChangeVisibility(ctx, msg.Receipt, 0); nackErr != nil {
		return nackErr
	}
	return err
}

func idempotencyKey(eventID, subscriberID int64) string {
	return "delivery:" + strconv.FormatInt(eventID, 10) + ":" + strconv.FormatInt(subscriberID, 10)
}
