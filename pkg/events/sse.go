package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxStreamConns caps concurrent SSE connections per process.
const DefaultMaxStreamConns = 256

const keepAliveInterval = 30 * time.Second

// StreamFilter is one connection's view of the event stream.
type StreamFilter struct {
	// Type is a type pattern: exact, trailing ".*", or "*".
	Type string
	// Author matches the event's author_hash exactly.
	Author string
	// Ref matches any referenced hash in any role.
	Ref string
}

func (f StreamFilter) Match(ev Event) bool {
	if !MatchPattern(f.Type, ev.Type) {
		return false
	}
	if f.Author != "" && f.Author != ev.AuthorHash {
		return false
	}
	if f.Ref != "" {
		found := false
		for _, r := range ev.Refs {
			if r == f.Ref {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SSEHub serves Server-Sent Events connections fed from a bus. Each
// connection holds one subscription; lagging clients lose events through the
// subscription buffer rather than stalling the bus.
type SSEHub struct {
	bus    *Bus
	logger *slog.Logger
	conns  *semaphore.Weighted

	mu   sync.RWMutex
	inst Instruments
}

func NewSSEHub(bus *Bus, maxConns int, logger *slog.Logger) *SSEHub {
	if maxConns <= 0 {
		maxConns = DefaultMaxStreamConns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHub{
		bus:    bus,
		logger: logger.With("component", "sse"),
		conns:  semaphore.NewWeighted(int64(maxConns)),
	}
}

// SetInstruments attaches stream instrumentation. A nil value keeps the hub
// unmetered.
func (h *SSEHub) SetInstruments(inst Instruments) {
	h.mu.Lock()
	h.inst = inst
	h.mu.Unlock()
}

func (h *SSEHub) instruments() Instruments {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst
}

func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	if !h.conns.TryAcquire(1) {
		if inst := h.instruments(); inst != nil {
			inst.StreamRejected()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"stream capacity reached"}`)
		return
	}
	defer h.conns.Release(1)

	q := r.URL.Query()
	filter := StreamFilter{
		Type:   q.Get("type"),
		Author: q.Get("author"),
		Ref:    q.Get("ref"),
	}
	sub := h.bus.Subscribe(filter.Type, 64)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(event, data string) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !filter.Match(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("marshal stream event", "hash", ev.Hash, "error", err)
				continue
			}
			write("block", string(data))
		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
