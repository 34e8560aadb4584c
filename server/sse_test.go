package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neustream/chatfeed/chat"
	"github.com/neustream/chatfeed/testutil"
)

// sseEvent is one parsed "event:"/"data:" pair from the stream.
type sseEvent struct {
	name string
	data string
}

// sseCollector reads a live SSE stream in the background.
type sseCollector struct {
	mu     sync.Mutex
	events []sseEvent
}

func (c *sseCollector) run(r *bufio.Reader) {
	var current sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			c.mu.Lock()
			c.events = append(c.events, current)
			c.mu.Unlock()
			current = sseEvent{}
		}
	}
}

func (c *sseCollector) named(name string) []sseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sseEvent
	for _, e := range c.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *sseCollector) waitNamed(t *testing.T, name string, n int) []sseEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.named(name); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events (have %v)", n, name, c.named(name))
	return nil
}

func TestFeedSSEStreamsSnapshotThenIncrements(t *testing.T) {
	backend := testutil.NewMockChatBackend(t)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	backend.SetHistory("src-1", []chat.Message{
		testMsg("h1", base),
		testMsg("h2", base.Add(time.Second)),
	})
	ctrl := newJoinedController(t, backend, "src-1")
	waitMessages(t, ctrl, 2)
	h := NewHandlers(ctrl, nil, chat.Identity{ID: "u1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, h))
	defer srv.Close()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/feed/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	col := &sseCollector{}
	go col.run(bufio.NewReader(resp.Body))

	// Snapshot burst: connection state plus both history messages.
	states := col.waitNamed(t, "state", 1)
	if !strings.Contains(states[0].data, "connected") {
		t.Errorf("state event = %q", states[0].data)
	}
	col.waitNamed(t, "message", 2)

	// Incremental delivery of a live message.
	backend.PushMessage(testMsg("m3", base.Add(2*time.Second)))
	msgs := col.waitNamed(t, "message", 3)
	if !strings.Contains(msgs[2].data, `"m3"`) {
		t.Errorf("third message event = %q", msgs[2].data)
	}

	// Viewer count changes flow through as their own event.
	backend.PushViewerCount(11)
	counts := col.waitNamed(t, "viewer_count", 2) // initial 0 plus the update
	if !strings.Contains(counts[len(counts)-1].data, "11") {
		t.Errorf("viewer_count event = %q", counts[len(counts)-1].data)
	}

	// A replayed id must not be emitted again.
	backend.PushMessage(testMsg("m3", base.Add(2*time.Second)))
	backend.PushViewerCount(12)
	col.waitNamed(t, "viewer_count", 3)
	if got := col.named("message"); len(got) != 3 {
		t.Errorf("duplicate id re-emitted: %d message events", len(got))
	}
}

func TestFeedSSESourceSwitchResetsDelivery(t *testing.T) {
	backend := testutil.NewMockChatBackend(t)
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	// Both rooms carry a message with the same id.
	backend.SetHistory("A", []chat.Message{testMsg("x", base)})
	backend.SetHistory("B", []chat.Message{testMsg("x", base)})
	ctrl := newJoinedController(t, backend, "A")
	waitMessages(t, ctrl, 1)
	h := NewHandlers(ctrl, nil, chat.Identity{ID: "u1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(NewMux(ctx, h))
	defer srv.Close()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/feed/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sse request: %v", err)
	}
	defer resp.Body.Close()

	col := &sseCollector{}
	go col.run(bufio.NewReader(resp.Body))
	col.waitNamed(t, "message", 1)

	// Admin switch: clients get a clear signal and the new room's messages
	// from scratch, even when an id repeats across rooms.
	ctrl.Start("B", chat.Identity{ID: "u1", DisplayName: "Viewer"})
	clears := col.waitNamed(t, "clear", 1)
	if !strings.Contains(clears[0].data, `"B"`) {
		t.Errorf("clear event = %q, want new source id", clears[0].data)
	}
	msgs := col.waitNamed(t, "message", 2)
	if !strings.Contains(msgs[1].data, `"x"`) {
		t.Errorf("post-switch message event = %q", msgs[1].data)
	}
}

func TestFeedSSERequiresFlusher(t *testing.T) {
	backend := testutil.NewMockChatBackend(t)
	ctrl := newJoinedController(t, backend, "src-1")
	h := NewHandlers(ctrl, nil, chat.Identity{ID: "u1"})

	rec := &noFlushRecorder{header: http.Header{}}
	h.HandleFeedSSE(rec, httptest.NewRequest(http.MethodGet, "/feed/sse", nil))
	if rec.status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 without flusher", rec.status)
	}
}

// noFlushRecorder deliberately does not implement http.Flusher.
type noFlushRecorder struct {
	header http.Header
	status int
}

func (r *noFlushRecorder) Header() http.Header { return r.header }
func (r *noFlushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return len(b), nil
}
func (r *noFlushRecorder) WriteHeader(status int) { r.status = status }
