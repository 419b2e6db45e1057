package pubsub

import (
	"fmt"
	"sync"
	"testing"

	"collabd/internal/protocol"
)

type recorder struct {
	id string

	mu   sync.Mutex
	got  []*protocol.Envelope
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(e *protocol.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder) received() []*protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Envelope, len(r.got))
	copy(out, r.got)
	return out
}

// =============================================================================
// Tests for Subscribe and Publish
// =============================================================================

func TestPublishReachesSubscribers(t *testing.T) {
	r := NewRouter()
	a := newRecorder("a")
	b := newRecorder("b")
	r.Subscribe("doc.1", a)
	r.Subscribe("doc.1", b)

	r.Publish("doc.1", protocol.NewEnvelope("test", map[string]string{"k": "v"}))

	for _, rec := range []*recorder{a, b} {
		got := rec.received()
		if len(got) != 1 {
			t.Fatalf("%s received %d envelopes, want 1", rec.id, len(got))
		}
		if got[0].Channel != "doc.1" {
			t.Errorf("envelope channel = %q, want doc.1", got[0].Channel)
		}
	}
}

func TestPublishStampsChannelOnCopy(t *testing.T) {
	r := NewRouter()
	rec := newRecorder("a")
	r.Subscribe("doc.1", rec)

	e := protocol.NewEnvelope("test", struct{}{})
	r.Publish("doc.1", e)

	if e.Channel != "" {
		t.Error("Publish should not mutate the caller's envelope")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	r := NewRouter()
	// Publishing into the void must not panic.
	r.Publish("empty", protocol.NewEnvelope("test", struct{}{}))
}

func TestChannelsAreIsolated(t *testing.T) {
	r := NewRouter()
	a := newRecorder("a")
	b := newRecorder("b")
	r.Subscribe("doc.1", a)
	r.Subscribe("doc.2", b)

	r.Publish("doc.1", protocol.NewEnvelope("test", struct{}{}))

	if len(a.received()) != 1 {
		t.Error("doc.1 subscriber should receive")
	}
	if len(b.received()) != 0 {
		t.Error("doc.2 subscriber should not receive")
	}
}

func TestSubscribeSameIDReplaces(t *testing.T) {
	r := NewRouter()
	a := newRecorder("same")
	b := newRecorder("same")
	r.Subscribe("doc.1", a)
	r.Subscribe("doc.1", b)

	r.Publish("doc.1", protocol.NewEnvelope("test", struct{}{}))

	if len(a.received()) != 0 {
		t.Error("replaced subscriber should not receive")
	}
	if len(b.received()) != 1 {
		t.Error("replacing subscriber should receive")
	}
	if r.Subscribers("doc.1") != 1 {
		t.Errorf("Subscribers = %d, want 1", r.Subscribers("doc.1"))
	}
}

// =============================================================================
// Tests for delivery ordering
// =============================================================================

// Publishes on one channel reach a subscriber in publish order, even when
// they originate from many goroutines.
func TestPerChannelOrdering(t *testing.T) {
	r := NewRouter()
	rec := newRecorder("a")
	r.Subscribe("doc.1", rec)

	const n = 200
	var mu sync.Mutex
	published := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			seq := published
			published++
			// Publishing under the same lock that assigns the sequence
			// models a serialized producer, the way sessions publish.
			r.Publish("doc.1", protocol.NewEnvelope("test", map[string]int{"seq": seq}))
			mu.Unlock()
		}()
	}
	wg.Wait()

	got := rec.received()
	if len(got) != n {
		t.Fatalf("received %d envelopes, want %d", len(got), n)
	}
	for i, e := range got {
		var p struct {
			Seq int `json:"seq"`
		}
		if err := e.Decode(&p); err != nil {
			t.Fatalf("decode envelope %d: %v", i, err)
		}
		if p.Seq != i {
			t.Fatalf("envelope %d has seq %d; delivery out of order", i, p.Seq)
		}
	}
}

// =============================================================================
// Tests for Unsubscribe
// =============================================================================

func TestUnsubscribe(t *testing.T) {
	r := NewRouter()
	rec := newRecorder("a")
	r.Subscribe("doc.1", rec)
	r.Unsubscribe("doc.1", "a")

	r.Publish("doc.1", protocol.NewEnvelope("test", struct{}{}))

	if len(rec.received()) != 0 {
		t.Error("unsubscribed recorder should not receive")
	}
	if r.Subscribers("doc.1") != 0 {
		t.Error("channel should be empty")
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	r := NewRouter()
	r.Unsubscribe("doc.1", "nope") // no-op, no panic
}

func TestUnsubscribeAll(t *testing.T) {
	r := NewRouter()
	rec := newRecorder("a")
	other := newRecorder("b")
	for i := 0; i < 3; i++ {
		ch := fmt.Sprintf("doc.%d", i)
		r.Subscribe(ch, rec)
		r.Subscribe(ch, other)
	}

	r.UnsubscribeAll("a")

	for i := 0; i < 3; i++ {
		ch := fmt.Sprintf("doc.%d", i)
		if r.Subscribers(ch) != 1 {
			t.Errorf("%s has %d subscribers, want 1", ch, r.Subscribers(ch))
		}
	}
}

// =============================================================================
// Tests for SubscriberFunc
// =============================================================================

func TestSubscriberFunc(t *testing.T) {
	r := NewRouter()

	var mu sync.Mutex
	count := 0
	r.Subscribe("doc.1", &SubscriberFunc{
		SubID: "fn",
		Fn: func(e *protocol.Envelope) {
			mu.Lock()
			count++
			mu.Unlock()
		},
	})

	r.Publish("doc.1", protocol.NewEnvelope("test", struct{}{}))
	r.Publish("doc.1", protocol.NewEnvelope("test", struct{}{}))

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("func subscriber called %d times, want 2", count)
	}
}
