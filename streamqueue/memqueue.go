package streamqueue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type logEntry struct {
	id      string
	payload []byte
}

type groupState struct {
	start      Start
	cursor     int // index into log of next message not yet assigned to any consumer
	pendingIDs map[string]*pendingRecord
}

// MemQueue is an in-process Queue used by orchestrator, dispatcher, and
// ingester tests. It implements the same ordering and at-least-once
// delivery contract as NATSQueue without a running broker. Its Consume
// returns at once with whatever is available and does not wait for
// blockMs.
type MemQueue struct {
	mu     sync.Mutex
	logs   map[string][]logEntry
	groups map[string]map[string]*groupState // stream -> group -> state
	seq    uint64
}

// NewMemQueue returns an empty MemQueue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		logs:   make(map[string][]logEntry),
		groups: make(map[string]map[string]*groupState),
	}
}

func (q *MemQueue) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	id := strconv.FormatUint(q.seq, 10)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.logs[stream] = append(q.logs[stream], logEntry{id: id, payload: cp})
	return id, nil
}

func (q *MemQueue) EnsureGroup(ctx context.Context, stream, group string, start Start) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.groups[stream] == nil {
		q.groups[stream] = make(map[string]*groupState)
	}
	if _, ok := q.groups[stream][group]; ok {
		return nil
	}

	cursor := 0
	if start == StartNew {
		cursor = len(q.logs[stream])
	}
	q.groups[stream][group] = &groupState{
		start:      start,
		cursor:     cursor,
		pendingIDs: make(map[string]*pendingRecord),
	}
	return nil
}

func (q *MemQueue) Consume(ctx context.Context, stream, group, consumer string, max int, blockMs int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs, ok := q.groups[stream][group]
	if !ok {
		return nil, ErrNotFound
	}

	log := q.logs[stream]
	var out []Message
	for gs.cursor < len(log) && len(out) < max {
		entry := log[gs.cursor]
		gs.cursor++
		rec := &pendingRecord{consumer: consumer, deliveredAt: time.Now(), deliveryCount: 1}
		gs.pendingIDs[entry.id] = rec
		out = append(out, Message{ID: entry.id, Payload: entry.payload, Consumer: consumer, DeliveryCount: 1})
	}
	return out, nil
}

func (q *MemQueue) Ack(ctx context.Context, stream, group, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs, ok := q.groups[stream][group]
	if !ok {
		return ErrNotFound
	}
	if _, ok := gs.pendingIDs[id]; !ok {
		return ErrNotFound
	}
	delete(gs.pendingIDs, id)
	return nil
}

func (q *MemQueue) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs, ok := q.groups[stream][group]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	var out []PendingEntry
	for id, rec := range gs.pendingIDs {
		out = append(out, PendingEntry{
			ID:            id,
			Consumer:      rec.consumer,
			IdleMs:        now.Sub(rec.deliveredAt).Milliseconds(),
			DeliveryCount: rec.deliveryCount,
		})
	}
	return out, nil
}

func (q *MemQueue) Claim(ctx context.Context, stream, group, newConsumer string, minIdleMs int64, ids []string) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	gs, ok := q.groups[stream][group]
	if !ok {
		return nil, ErrNotFound
	}

	payloadByID := make(map[string][]byte, len(q.logs[stream]))
	for _, e := range q.logs[stream] {
		payloadByID[e.id] = e.payload
	}

	now := time.Now()
	var out []Message
	for _, id := range ids {
		rec, ok := gs.pendingIDs[id]
		if !ok {
			continue
		}
		if now.Sub(rec.deliveredAt).Milliseconds() < minIdleMs {
			continue
		}
		rec.consumer = newConsumer
		rec.deliveredAt = now
		rec.deliveryCount++
		out = append(out, Message{ID: id, Payload: payloadByID[id], Consumer: newConsumer, DeliveryCount: rec.deliveryCount})
	}
	return out, nil
}

var _ Queue = (*MemQueue)(nil)
