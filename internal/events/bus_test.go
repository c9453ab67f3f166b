package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceAgent, Kind: KindRequestStart})
	b.Emit(SourceAgent, KindRetry, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAgent, KindRetry, map[string]any{"session_id": "s1", "retry_count": 1})

	got := recv(t, ch)
	if got.Source != SourceAgent || got.Kind != KindRetry {
		t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceAgent, KindRetry)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("Timestamp %v precedes publish time %v", got.Timestamp, before)
	}
	if got.Data["session_id"] != "s1" {
		t.Errorf("session_id = %v, want s1", got.Data["session_id"])
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
		defer b.Unsubscribe(subs[i])
	}

	b.Emit(SourceSession, KindSessionCreated, map[string]any{"session_id": "s1"})

	for i, ch := range subs {
		if got := recv(t, ch); got.Kind != KindSessionCreated {
			t.Errorf("subscriber %d: kind %q", i, got.Kind)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindLLMCall})
	b.Publish(Event{Kind: KindLLMResponse})

	if got := recv(t, ch); got.Kind != KindLLMCall {
		t.Errorf("first kind = %q, want %q", got.Kind, KindLLMCall)
	}
	select {
	case e := <-ch:
		t.Errorf("second event should have been dropped, got %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", got)
	}

	b.Unsubscribe(a)
	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}

	b.Unsubscribe(c)
	b.Publish(Event{Kind: KindToolDone})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(32)

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Emit(SourceAgent, KindToolCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-done
}
