package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	b := NewBus()
	defer b.Close()

	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(Event{Type: TypeTaskQueued, Identity: "worker1", TaskID: "t1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeTaskQueued {
				t.Errorf("subscriber %d got type %q, want %q", i, ev.Type, TypeTaskQueued)
			}
			if ev.Time.IsZero() {
				t.Errorf("subscriber %d event has zero time", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i)
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := NewBus()
	defer b.Close()

	slow, cancelSlow := b.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe(16)
	defer cancelFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(Event{Type: TypeSessionReady, Identity: "w"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if got := b.Dropped(); got != 4 {
		t.Errorf("Dropped() = %d, want 4", got)
	}

	var received int
	_ = slow
	for {
		select {
		case <-fast:
			received++
			if received == 5 {
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber received %d events, want 5", received)
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	b := NewBus()
	defer b.Close()

	ch, cancel := b.Subscribe(4)
	cancel()
	cancel() // idempotent

	if got := b.Subscribers(); got != 0 {
		t.Errorf("Subscribers() = %d, want 0", got)
	}

	b.Publish(Event{Type: TypeTaskFailed})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event on canceled subscription")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("canceled channel was not closed")
	}
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, _ := b.Subscribe(4)

	b.Close()
	b.Close() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Publishing after close must not panic.
	b.Publish(Event{Type: TypeSessionTerminated})

	ch2, cancel := b.Subscribe(1)
	defer cancel()
	select {
	case _, ok := <-ch2:
		if ok {
			t.Error("Subscribe after Close should return a closed channel")
		}
	default:
		t.Error("Subscribe after Close should return a closed channel")
	}
}
