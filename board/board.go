// Package board implements the Board Event Bus (C8): a process-local
// publish/subscribe channel keyed by project id, used to push live task
// and worker movement to dashboard subscribers.
package board

import (
	"sync"
	"time"

	"github.com/c360studio/foreman/task"
)

// subscriberBuffer is the per-subscriber channel capacity; publishing
// drops the oldest buffered event on overflow rather than blocking the
// publisher, per spec.md §4.8.
const subscriberBuffer = 256

// EventKind enumerates the board's event payload shapes.
type EventKind string

const (
	EventTaskMoved      EventKind = "task_moved"
	EventTaskUpdated    EventKind = "task_updated"
	EventWorkerAssigned EventKind = "worker_assigned"
	EventRefresh        EventKind = "refresh"
)

// Event is published to every subscriber of a project.
type Event struct {
	Event     EventKind   `json:"event"`
	TaskID    string      `json:"task_id,omitempty"`
	From      task.Status `json:"from,omitempty"`
	To        task.Status `json:"to,omitempty"`
	Task      *task.Task  `json:"task,omitempty"`
	WorkerID  string      `json:"worker_id,omitempty"`
	Timestamp time.Time   `json:"ts"`

	// Snapshot carries the current board state; populated only on a
	// refresh event, replayed to a subscriber immediately on Subscribe so
	// a reconnecting dashboard doesn't render a blank board.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// Snapshot is the aggregate view GET /board/{project_id} also serves.
type Snapshot struct {
	Columns map[task.Status][]*task.Task `json:"columns"`
	Stats   map[task.Status]int          `json:"stats"`
	Workers map[task.WorkerStatus]int    `json:"workers"`
}

// Subscription is a live handle returned by Subscribe; Close stops
// delivery and releases the subscriber's buffer.
type Subscription struct {
	Events <-chan Event
	close  func()
}

// Close cancels the subscription.
func (s *Subscription) Close() { s.close() }

type subscriber struct {
	ch     chan Event
	closed bool
}

// Board is the C8 component: per-project fan-out of Event values to any
// number of live subscribers, with no durability — a subscriber that was
// never connected simply never saw the events it missed, the snapshot
// replay on (re)connect being the only continuity guarantee.
type Board struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{} // project_id -> set
	snapshot    func(projectID string) (*Snapshot, error)
}

// New returns a Board. snapshotFn is called once per Subscribe call to
// build the synthetic refresh event a new subscriber receives before live
// events; it is typically store.Store-backed.
func New(snapshotFn func(projectID string) (*Snapshot, error)) *Board {
	return &Board{
		subscribers: make(map[string]map[*subscriber]struct{}),
		snapshot:    snapshotFn,
	}
}

// Subscribe registers a new subscriber for projectID and immediately
// delivers a refresh event carrying the current snapshot.
func (b *Board) Subscribe(projectID string) (*Subscription, error) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if b.subscribers[projectID] == nil {
		b.subscribers[projectID] = make(map[*subscriber]struct{})
	}
	b.subscribers[projectID][sub] = struct{}{}
	b.mu.Unlock()

	if b.snapshot != nil {
		snap, err := b.snapshot(projectID)
		if err == nil {
			deliver(sub, Event{Event: EventRefresh, Timestamp: time.Now(), Snapshot: snap})
		}
	}

	closeOnce := sync.Once{}
	closeFn := func() {
		closeOnce.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subscribers[projectID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subscribers, projectID)
				}
			}
			sub.closed = true
			close(sub.ch)
		})
	}

	return &Subscription{Events: sub.ch, close: closeFn}, nil
}

// Publish fans ev out to every subscriber of projectID. It never blocks:
// a subscriber whose buffer is full has its oldest event dropped to make
// room, favoring liveness over completeness for a UI feed.
func (b *Board) Publish(projectID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers[projectID]))
	for s := range b.subscribers[projectID] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		deliver(s, ev)
	}
}

func deliver(s *subscriber, ev Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// Buffer full: drop the oldest to make room, then enqueue.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}
