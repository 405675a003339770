package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: EventRoutineStarted, Data: "r1"})

	select {
	case e := <-ch:
		if e.Type != EventRoutineStarted || e.Data != "r1" {
			t.Fatalf("got %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // buffer full; dropped

	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %q, want a", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("second event %q should have been dropped", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	// publishing after unsubscribe must not panic
	b.Publish(Event{Type: "late"})
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(1)
	ch2, unsub2 := b.Subscribe(1)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: "x"})
	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != "x" {
				t.Fatalf("subscriber %d got %q", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed the event", i)
		}
	}
}
