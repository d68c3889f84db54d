package streamqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ackWait bounds how long JetStream itself will wait before redelivering an
// unacked message at the protocol level; Claim is the explicit, immediate
// path this layer exposes to the janitor, but ackWait is a backstop in case
// a crashed consumer is never explicitly claimed.
const ackWait = 2 * time.Minute

// pendingRecord is this package's own view of a delivered-but-unacked
// message. jetstream pull consumers don't expose a per-message "who owns
// this and how idle is it" query the way a Redis-Streams XPENDING does, so
// NATSQueue tracks delivery ownership itself and asks the consumer only to
// guarantee at-least-once redelivery as a backstop via ackWait.
type pendingRecord struct {
	msg           jetstream.Msg
	consumer      string
	deliveredAt   time.Time
	deliveryCount int
}

// NATSQueue is the production Queue (C2), backed by one JetStream stream
// per channel name and one durable pull consumer per consumer group.
type NATSQueue struct {
	js jetstream.JetStream

	mu        sync.Mutex
	pending   map[string]map[string]*pendingRecord // stream -> message id -> record
	consumers map[string]jetstream.Consumer        // "stream\x00group" -> consumer
}

// NewNATSQueue returns a Queue bound to js. Streams and consumers are
// created lazily by Publish/EnsureGroup.
func NewNATSQueue(js jetstream.JetStream) *NATSQueue {
	return &NATSQueue{
		js:        js,
		pending:   make(map[string]map[string]*pendingRecord),
		consumers: make(map[string]jetstream.Consumer),
	}
}

func (q *NATSQueue) ensureStream(ctx context.Context, stream string) (jetstream.Stream, error) {
	s, err := q.js.Stream(ctx, stream)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s, err = q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream},
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return s, nil
}

func (q *NATSQueue) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	if _, err := q.ensureStream(ctx, stream); err != nil {
		return "", err
	}
	ack, err := q.js.Publish(ctx, stream, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

func (q *NATSQueue) EnsureGroup(ctx context.Context, stream, group string, start Start) error {
	s, err := q.ensureStream(ctx, stream)
	if err != nil {
		return err
	}

	deliverPolicy := jetstream.DeliverAllPolicy
	if start == StartNew {
		deliverPolicy = jetstream.DeliverNewPolicy
	}

	cons, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliverPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	q.mu.Lock()
	q.consumers[consumerKey(stream, group)] = cons
	if q.pending[stream] == nil {
		q.pending[stream] = make(map[string]*pendingRecord)
	}
	q.mu.Unlock()

	return nil
}

func consumerKey(stream, group string) string { return stream + "\x00" + group }

func (q *NATSQueue) consumerFor(stream, group string) (jetstream.Consumer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.consumers[consumerKey(stream, group)]
	return c, ok
}

func (q *NATSQueue) Consume(ctx context.Context, stream, group, consumer string, max int, blockMs int) ([]Message, error) {
	cons, ok := q.consumerFor(stream, group)
	if !ok {
		return nil, fmt.Errorf("%w: group %s not established on %s, call EnsureGroup first", ErrQueueUnavailable, group, stream)
	}

	wait := defaultBlock
	if blockMs > 0 {
		wait = time.Duration(blockMs) * time.Millisecond
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[stream] == nil {
		q.pending[stream] = make(map[string]*pendingRecord)
	}

	var out []Message
	for msg := range batch.Messages() {
		meta, err := msg.Meta()
		if err != nil {
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		rec := q.pending[stream][id]
		deliveryCount := 1
		if rec != nil {
			deliveryCount = rec.deliveryCount + 1
		}
		q.pending[stream][id] = &pendingRecord{
			msg:           msg,
			consumer:      consumer,
			deliveredAt:   time.Now(),
			deliveryCount: deliveryCount,
		}
		out = append(out, Message{ID: id, Payload: msg.Data(), Consumer: consumer, DeliveryCount: deliveryCount})
	}
	if err := batch.Error(); err != nil && len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	return out, nil
}

func (q *NATSQueue) Ack(ctx context.Context, stream, group, id string) error {
	q.mu.Lock()
	rec, ok := q.pending[stream][id]
	if ok {
		delete(q.pending[stream], id)
	}
	q.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if err := rec.msg.Ack(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *NATSQueue) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []PendingEntry
	for id, rec := range q.pending[stream] {
		if rec.consumer == "" {
			continue
		}
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      rec.consumer,
			IdleMs:        now.Sub(rec.deliveredAt).Milliseconds(),
			DeliveryCount: rec.deliveryCount,
		})
	}
	return out, nil
}

func (q *NATSQueue) Claim(ctx context.Context, stream, group, newConsumer string, minIdleMs int64, ids []string) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var out []Message
	for _, id := range ids {
		rec, ok := q.pending[stream][id]
		if !ok {
			continue
		}
		if now.Sub(rec.deliveredAt).Milliseconds() < minIdleMs {
			continue
		}
		rec.consumer = newConsumer
		rec.deliveredAt = now
		rec.deliveryCount++
		out = append(out, Message{ID: id, Payload: rec.msg.Data(), Consumer: newConsumer, DeliveryCount: rec.deliveryCount})
	}
	return out, nil
}

var _ Queue = (*NATSQueue)(nil)
