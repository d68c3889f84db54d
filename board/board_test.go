package board

import (
	"testing"
	"time"

	"github.com/c360studio/foreman/task"
)

func staticSnapshot(projectID string) (*Snapshot, error) {
	return &Snapshot{
		Columns: map[task.Status][]*task.Task{task.StatusReady: {{ID: "t1"}}},
		Stats:   map[task.Status]int{task.StatusReady: 1},
		Workers: map[task.WorkerStatus]int{task.WorkerIdle: 2},
	}, nil
}

func TestSubscribe_ReceivesRefreshSnapshotFirst(t *testing.T) {
	b := New(staticSnapshot)

	sub, err := b.Subscribe("p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case ev := <-sub.Events:
		if ev.Event != EventRefresh || ev.Snapshot == nil {
			t.Fatalf("expected a refresh snapshot first, got %+v", ev)
		}
		if ev.Snapshot.Stats[task.StatusReady] != 1 {
			t.Fatalf("unexpected snapshot: %+v", ev.Snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for refresh event")
	}
}

func TestPublish_FansOutToAllSubscribers(t *testing.T) {
	b := New(staticSnapshot)

	sub1, _ := b.Subscribe("p1")
	sub2, _ := b.Subscribe("p1")
	defer sub1.Close()
	defer sub2.Close()

	drain(t, sub1.Events) // refresh
	drain(t, sub2.Events) // refresh

	b.Publish("p1", Event{Event: EventTaskMoved, TaskID: "t1", From: task.StatusReady, To: task.StatusQueued})

	ev1 := drain(t, sub1.Events)
	ev2 := drain(t, sub2.Events)
	if ev1.TaskID != "t1" || ev2.TaskID != "t1" {
		t.Fatalf("expected both subscribers to receive the event, got %+v %+v", ev1, ev2)
	}
}

func TestPublish_DropsOldestOnOverflow(t *testing.T) {
	b := New(nil)
	sub, _ := b.Subscribe("p1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("p1", Event{Event: EventTaskUpdated, TaskID: "overflow"})
	}

	// Should not block or panic; buffer holds at most subscriberBuffer.
	count := 0
	for {
		select {
		case <-sub.Events:
			count++
		default:
			if count > subscriberBuffer {
				t.Fatalf("expected buffer to cap at %d, drained %d", subscriberBuffer, count)
			}
			return
		}
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	b := New(nil)
	sub, _ := b.Subscribe("p1")
	sub.Close()

	// Publishing after close must not panic.
	b.Publish("p1", Event{Event: EventTaskUpdated})
}

func drain(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
