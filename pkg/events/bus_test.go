package events

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"

	_ "modernc.org/sqlite"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		typ     string
		want    bool
	}{
		{"*", "transfer.order", true},
		{"", "anything", true},
		{"transfer.order", "transfer.order", true},
		{"transfer.order", "transfer.order.wholesale", false},
		{"transfer.*", "transfer.order", true},
		{"transfer.*", "transfer", true},
		{"transfer.*", "transform.batch", false},
		{"observe.reading.*", "observe.reading.temperature", true},
		{"observe.reading.*", "observe.review", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.typ); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.typ, got, c.want)
		}
	}
}

func newBusWithStore(t *testing.T) (*Bus, *store.SQLiteStore) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	s := store.NewSQLiteStore(db)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := NewBus(s, nil)
	s.OnInsert(bus.Publish)
	return bus, s
}

func insertBlock(t *testing.T, s *store.SQLiteStore, typ string, state map[string]any) foodblock.Block {
	t.Helper()
	b, err := foodblock.Create(typ, state, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(context.Background(), foodblock.SignedBlock{FoodBlock: b}); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBus_SubscriberReceivesMatchingEvents(t *testing.T) {
	bus, s := newBusWithStore(t)

	sub := bus.Subscribe("transfer.*", 8)
	defer sub.Close()
	other := bus.Subscribe("observe.*", 8)
	defer other.Close()

	b := insertBlock(t, s, "transfer.order", map[string]any{"status": "open"})

	select {
	case ev := <-sub.C:
		if ev.Hash != b.Hash || ev.Type != "transfer.order" {
			t.Errorf("event = %+v", ev)
		}
		if ev.ChainID == "" || ev.CreatedAt.IsZero() {
			t.Error("event should carry chain and timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case ev := <-other.C:
		t.Fatalf("observe.* subscriber got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_ClosedSubscriptionStopsDelivery(t *testing.T) {
	bus, s := newBusWithStore(t)

	sub := bus.Subscribe("*", 8)
	sub.Close()
	sub.Close() // double close is safe

	insertBlock(t, s, "substance.product", map[string]any{"name": "Jam"})

	if _, ok := <-sub.C; ok {
		t.Error("closed subscription channel should be drained and closed")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d", bus.SubscriberCount())
	}
}

func TestBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	bus, s := newBusWithStore(t)

	sub := bus.Subscribe("*", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			insertBlock(t, s, "observe.reading", map[string]any{"seq": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing blocked on a full subscriber")
	}

	// The buffer held one event; the rest were dropped, never queued.
	n := 0
	for {
		select {
		case <-sub.C:
			n++
		default:
			if n != 1 {
				t.Errorf("buffered events = %d, want exactly the buffer size", n)
			}
			return
		}
	}
}

func TestBus_HandlerFiresOnMatch(t *testing.T) {
	bus, s := newBusWithStore(t)

	var mu sync.Mutex
	var seen []string
	bus.OnType("observe.review", func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Hash)
		mu.Unlock()
	})

	insertBlock(t, s, "transfer.order", map[string]any{"status": "open"})
	b := insertBlock(t, s, "observe.review", map[string]any{"rating": 5})

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		got := len(seen)
		mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler calls = %d, want 1", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if seen[0] != b.Hash {
		t.Errorf("handler saw %q", seen[0])
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus, s := newBusWithStore(t)

	bus.OnType("*", func(Event) { panic("boom") })

	sub := bus.Subscribe("*", 8)
	defer sub.Close()

	b := insertBlock(t, s, "substance.product", map[string]any{"name": "Oats"})

	select {
	case ev := <-sub.C:
		if ev.Hash != b.Hash {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("panicking handler broke delivery to other subscribers")
	}
}
