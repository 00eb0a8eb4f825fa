package bus

import (
	"testing"
	"time"

	"github.com/kmorton/fieldsync/internal/source"
)

func TestPublishOrder(t *testing.T) {
	b := New()
	var order []int

	b.Subscribe(KindRefreshComplete, func(Event) { order = append(order, 1) })
	b.Subscribe(KindRefreshComplete, func(Event) { order = append(order, 2) })
	b.Subscribe(KindRefreshComplete, func(Event) { order = append(order, 3) })

	b.Publish(RefreshComplete{At: time.Now()})

	if len(order) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(order))
	}
	for i, v := range order {
		if v != i+1 {
			t.Errorf("subscriber order violated: %v", order)
			break
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	calls := 0

	h := b.Subscribe(KindSourceUpdated, func(Event) { calls++ })
	b.Publish(SourceUpdated{SourceID: "titans"})
	b.Unsubscribe(h)
	b.Publish(SourceUpdated{SourceID: "titans"})

	if calls != 1 {
		t.Errorf("expected 1 call after unsubscribe, got %d", calls)
	}
	if b.SubscriberCount(KindSourceUpdated) != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount(KindSourceUpdated))
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	b := New()
	h := b.Subscribe(KindSourceUpdated, func(Event) {})
	b.Unsubscribe(h)
	b.Unsubscribe(h) // must not panic or remove others
}

func TestPanicIsolation(t *testing.T) {
	b := New()
	var reached bool

	b.Subscribe(KindSourceUpdated, func(Event) { panic("bad subscriber") })
	b.Subscribe(KindSourceUpdated, func(Event) { reached = true })

	b.Publish(SourceUpdated{SourceID: "cardinals", Payload: source.Payload{"wins": 1}})

	if !reached {
		t.Error("panicking subscriber blocked later subscribers")
	}
}

func TestKindFiltering(t *testing.T) {
	b := New()
	var sourceCalls, cycleCalls int

	b.Subscribe(KindSourceUpdated, func(Event) { sourceCalls++ })
	b.Subscribe(KindRefreshComplete, func(Event) { cycleCalls++ })

	b.Publish(SourceUpdated{SourceID: "titans"})
	b.Publish(RefreshComplete{})

	if sourceCalls != 1 || cycleCalls != 1 {
		t.Errorf("cross-kind delivery: source=%d cycle=%d", sourceCalls, cycleCalls)
	}
}

func TestSubscribeSource(t *testing.T) {
	b := New()
	var got []string

	b.SubscribeSource("titans", func(e SourceUpdated) { got = append(got, e.SourceID) })

	b.Publish(SourceUpdated{SourceID: "titans", Stale: true})
	b.Publish(SourceUpdated{SourceID: "grizzlies"})

	if len(got) != 1 || got[0] != "titans" {
		t.Errorf("per-source filter failed: %v", got)
	}
}
