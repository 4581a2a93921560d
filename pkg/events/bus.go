// Package events fans new-block notifications out to in-process subscribers.
// Exactly one source feeds a bus: the Postgres LISTEN worker or the SQLite
// store's insert callback, never both. Consumers only ever see blocks that
// committed.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

// Event is the wire shape delivered to subscribers and SSE clients. Refs
// carries the flattened ref targets so stream filters can match on them
// without a store lookup per subscriber.
type Event struct {
	Hash       string    `json:"hash"`
	Type       string    `json:"type"`
	AuthorHash string    `json:"author_hash,omitempty"`
	ChainID    string    `json:"chain_id"`
	Visibility string    `json:"visibility"`
	Refs       []string  `json:"refs,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MatchPattern reports whether a block type matches a subscription pattern.
// An empty pattern means no filter and matches everything; otherwise the
// protocol's type-pattern rules apply.
func MatchPattern(pattern, typ string) bool {
	return pattern == "" || foodblock.MatchType(pattern, typ)
}

// Handler runs fire-and-forget on matching events. Panics or slowness in one
// handler never block the bus.
type Handler func(Event)

// Instruments receives bus telemetry. All methods must be cheap and
// non-blocking; they run on the publish path.
type Instruments interface {
	EventDispatched()
	EventDropped()
	HandlerFailure()
	StreamRejected()
}

type subscriber struct {
	pattern string
	ch      chan Event
	dropped int
}

// Bus hydrates block hashes from the store and fans the result out. Channel
// subscribers that fall behind lose events, not the connection.
type Bus struct {
	store  store.Store
	logger *slog.Logger
	inst   Instruments

	mu       sync.RWMutex
	subs     map[int]*subscriber
	handlers []struct {
		pattern string
		fn      Handler
	}
	nextID int

	// workers bounds concurrent handler invocations.
	workers chan struct{}
}

const handlerConcurrency = 64

func NewBus(s store.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:   s,
		logger:  logger.With("component", "events"),
		subs:    make(map[int]*subscriber),
		workers: make(chan struct{}, handlerConcurrency),
	}
}

// Subscription is a live channel subscription. Close it when done; the
// channel is closed by Close and never by the bus.
type Subscription struct {
	C      <-chan Event
	bus    *Bus
	id     int
	closed sync.Once
}

func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.mu.Lock()
		sub, ok := s.bus.subs[s.id]
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		if ok {
			close(sub.ch)
		}
	})
}

// Subscribe registers a channel subscriber for types matching pattern.
// buffer is the number of events the subscriber may lag before drops start.
func (b *Bus) Subscribe(pattern string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{pattern: pattern, ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()
	return &Subscription{C: sub.ch, bus: b, id: id}
}

// SetInstruments attaches telemetry counters. Call before the first Publish;
// a nil value keeps the bus unmetered.
func (b *Bus) SetInstruments(inst Instruments) {
	b.mu.Lock()
	b.inst = inst
	b.mu.Unlock()
}

// OnType registers a fire-and-forget handler for types matching pattern.
func (b *Bus) OnType(pattern string, fn Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, struct {
		pattern string
		fn      Handler
	}{pattern, fn})
	b.mu.Unlock()
}

// Publish hydrates a committed block hash and fans it out. This is the entry
// point both event sources call.
func (b *Bus) Publish(hash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := b.store.Get(ctx, hash)
	if err != nil {
		b.logger.Warn("dropping event for unknown block", "hash", hash, "error", err)
		return
	}
	var refs []string
	for _, e := range rec.Block.RefHashes() {
		refs = append(refs, e.Target)
	}
	b.publish(Event{
		Hash:       rec.Block.Hash,
		Type:       rec.Block.Type,
		AuthorHash: rec.AuthorHash,
		ChainID:    rec.ChainID,
		Visibility: rec.Visibility,
		Refs:       refs,
		CreatedAt:  rec.CreatedAt,
	})
}

func (b *Bus) publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	inst := b.inst

	for id, sub := range b.subs {
		if !MatchPattern(sub.pattern, ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
			if inst != nil {
				inst.EventDispatched()
			}
		default:
			sub.dropped++
			if inst != nil {
				inst.EventDropped()
			}
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn("subscriber lagging, dropping events",
					"subscription", id, "pattern", sub.pattern, "dropped", sub.dropped)
			}
		}
	}

	for _, h := range b.handlers {
		if !MatchPattern(h.pattern, ev.Type) {
			continue
		}
		fn := h.fn
		select {
		case b.workers <- struct{}{}:
			if inst != nil {
				inst.EventDispatched()
			}
			go func() {
				defer func() {
					<-b.workers
					if r := recover(); r != nil {
						if inst != nil {
							inst.HandlerFailure()
						}
						b.logger.Error("event handler panicked", "type", ev.Type, "panic", r)
					}
				}()
				fn(ev)
			}()
		default:
			if inst != nil {
				inst.EventDropped()
			}
			b.logger.Warn("handler pool saturated, dropping event", "type", ev.Type)
		}
	}
}

// SubscriberCount reports live subscriptions; Unsubscribe must bring it back
// to zero.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
