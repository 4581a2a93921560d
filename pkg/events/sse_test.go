package events

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamFilter_Match(t *testing.T) {
	ev := Event{
		Hash:       "h1",
		Type:       "transfer.order",
		AuthorHash: "alice",
		Refs:       []string{"prod1", "seller1"},
	}
	cases := []struct {
		name   string
		filter StreamFilter
		want   bool
	}{
		{"no filter", StreamFilter{}, true},
		{"type pattern", StreamFilter{Type: "transfer.*"}, true},
		{"type mismatch", StreamFilter{Type: "observe.*"}, false},
		{"author", StreamFilter{Author: "alice"}, true},
		{"author mismatch", StreamFilter{Author: "bob"}, false},
		{"ref", StreamFilter{Ref: "seller1"}, true},
		{"ref mismatch", StreamFilter{Ref: "absent"}, false},
		{"all together", StreamFilter{Type: "transfer.order", Author: "alice", Ref: "prod1"}, true},
	}
	for _, c := range cases {
		if got := c.filter.Match(ev); got != c.want {
			t.Errorf("%s: Match = %v, want %v", c.name, got, c.want)
		}
	}
}

// readEvent scans the SSE stream until the next data: payload.
func readEvent(t *testing.T, r *bufio.Reader) Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		return ev
	}
}

func TestSSEHub_StreamsMatchingBlocks(t *testing.T) {
	bus, s := newBusWithStore(t)
	hub := NewSSEHub(bus, 4, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/?type=transfer.*", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	preamble, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(preamble, ": connected") {
		t.Fatalf("preamble = %q, err %v", preamble, err)
	}

	insertBlock(t, s, "observe.review", map[string]any{"rating": 3})
	want := insertBlock(t, s, "transfer.order", map[string]any{"status": "open"})

	done := make(chan Event, 1)
	go func() { done <- readEvent(t, reader) }()
	select {
	case ev := <-done:
		if ev.Hash != want.Hash {
			t.Errorf("streamed %q, want %q", ev.Hash, want.Hash)
		}
		if ev.Type != "transfer.order" {
			t.Errorf("streamed type %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event on stream")
	}
}

func TestSSEHub_CapacityLimit(t *testing.T) {
	bus, _ := newBusWithStore(t)
	hub := NewSSEHub(bus, 1, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	first, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = first.Body.Close() })
	// Wait for the slot to be held.
	if _, err := bufio.NewReader(first.Body).ReadString('\n'); err != nil {
		t.Fatal(err)
	}

	second, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = second.Body.Close() }()
	if second.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("second connection status = %d, want 503", second.StatusCode)
	}
}
