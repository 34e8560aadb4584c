package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neustream/chatfeed/telemetry"
)

// DisplayState is the collapsed connection state shown to the view layer.
// Connecting, Joining and Reconnecting all read as "connecting"; Connected
// and Joined read as "connected".
type DisplayState string

const (
	DisplayConnecting DisplayState = "connecting"
	DisplayConnected  DisplayState = "connected"
)

const defaultHistoryTimeout = 10 * time.Second

// ControllerOptions configures NewController.
type ControllerOptions struct {
	Loader *HistoryLoader
	// WSURL is the push channel endpoint handed to each Session.
	WSURL string
	// Dialer overrides the websocket dialer; used by tests.
	Dialer *websocket.Dialer
	// Archiver, when set, records every merged message. Best-effort; archive
	// failures never affect the in-memory feed.
	Archiver       *Archiver
	JoinTimeout    time.Duration
	HistoryTimeout time.Duration
}

// Controller orchestrates one HistoryLoader fetch and one Session into a
// single Store, keyed by (sourceID, identity). It is the only component with
// authority over session lifecycle: all mutations go through Start and Stop.
type Controller struct {
	opts  ControllerOptions
	store *Store

	// lifecycleMu serializes Start and Stop end to end. Without it two
	// overlapping Starts can both pass the teardown and the first session is
	// overwritten without Close, leaving its reconnect loop running forever.
	lifecycleMu sync.Mutex

	mu          sync.Mutex
	session     *Session
	sourceID    string
	identity    Identity
	epoch       uint64
	sessState   State
	viewerCount int

	watchersMu  sync.Mutex
	watchers    map[uint64]chan struct{}
	nextWatcher uint64
}

// NewController returns a stopped controller owning a fresh store.
func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		opts:     opts,
		store:    NewStore(),
		watchers: make(map[uint64]chan struct{}),
	}
	c.store.SetOnChange(c.notify)
	return c
}

// Start opens a session for (sourceID, identity). A no-op when either is
// absent. Calling Start while already started implies a Stop of the previous
// session first: the old room is left, the old transport closed, the store
// cleared, and any late callbacks from the old session or its history fetch
// are dropped.
func (c *Controller) Start(sourceID string, identity Identity) {
	if sourceID == "" || !identity.Valid() {
		slog.Debug("chat session start skipped: missing source or identity",
			slog.String("source_id", sourceID))
		return
	}
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopSession()

	c.mu.Lock()
	c.epoch++
	gen := c.epoch
	c.sourceID = sourceID
	c.identity = identity
	c.sessState = StateIdle
	c.viewerCount = 0
	c.session = OpenSession(SessionOptions{
		URL:         c.opts.WSURL,
		SourceID:    sourceID,
		Identity:    identity,
		JoinTimeout: c.opts.JoinTimeout,
		Dialer:      c.opts.Dialer,
		Events: Events{
			OnStateChange:  func(st State) { c.applyState(gen, st) },
			OnHistoryBatch: func(ms []Message) { c.applySnapshot(gen, ms) },
			OnMessage:      func(m Message) { c.applyMessage(gen, m) },
			OnPresence:     func(n int) { c.applyPresence(gen, n) },
		},
	})
	c.mu.Unlock()

	slog.Info("chat session started", slog.String("source_id", sourceID), slog.String("viewer", identity.ID))
	go c.fetchHistory(gen, sourceID)
	c.notify()
}

// Stop closes the active session (triggering its best-effort leave) and
// clears the store. Idempotent. Must be called immediately when the identity
// becomes unavailable; unmounting the surface that owns this controller is
// equivalent to Stop.
func (c *Controller) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.stopSession()
}

// stopSession is the body of Stop; callers hold lifecycleMu.
func (c *Controller) stopSession() {
	c.mu.Lock()
	old := c.session
	c.session = nil
	// Advancing the epoch orphans every in-flight callback tied to the old
	// session, including a late history result.
	c.epoch++
	stopped := old != nil
	source := c.sourceID
	c.sourceID = ""
	c.identity = Identity{}
	c.sessState = StateIdle
	c.viewerCount = 0
	c.mu.Unlock()

	c.store.Clear()
	if old != nil {
		old.Close()
		slog.Info("chat session stopped", slog.String("source_id", source))
	}
	telemetry.SetViewerCount(0)
	if stopped {
		c.notify()
	}
}

// ConnectionState returns the collapsed state for display.
func (c *Controller) ConnectionState() DisplayState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.sessState {
	case StateConnected, StateJoined:
		return DisplayConnected
	default:
		return DisplayConnecting
	}
}

// Messages returns the store's current ordered sequence.
func (c *Controller) Messages() []Message { return c.store.Messages() }

// ViewerCount returns the latest known presence count.
func (c *Controller) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerCount
}

// Source returns the active source id, or empty when stopped.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceID
}

// Started reports whether a session is active.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Subscribe registers a change notification channel for the view layer. The
// channel receives a signal (coalesced, capacity one) whenever messages,
// connection state, or viewer count change. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	c.watchersMu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	ch := make(chan struct{}, 1)
	c.watchers[id] = ch
	c.watchersMu.Unlock()
	return ch, func() {
		c.watchersMu.Lock()
		delete(c.watchers, id)
		c.watchersMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.watchersMu.Lock()
	for _, ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.watchersMu.Unlock()
}

func (c *Controller) fetchHistory(gen uint64, sourceID string) {
	if c.opts.Loader == nil {
		return
	}
	timeout := c.opts.HistoryTimeout
	if timeout <= 0 {
		timeout = defaultHistoryTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	msgs, err := c.opts.Loader.Fetch(ctx, sourceID)
	if err != nil {
		// Live-only feed from here on; not fatal.
		slog.Warn("chat history fetch failed; continuing with live messages only",
			slog.Any("err", err), slog.String("source_id", sourceID))
		return
	}
	c.applySnapshot(gen, msgs)
}

// applySnapshot merges a snapshot (REST result or channel-pushed batch) into
// the store, unless the session that produced it is no longer current.
func (c *Controller) applySnapshot(gen uint64, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.epoch {
		return
	}
	c.store.MergeSnapshot(msgs)
	c.archiveLocked(msgs)
}

func (c *Controller) applyMessage(gen uint64, m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.epoch {
		return
	}
	if !c.store.Append(m) {
		telemetry.IncMessageDuplicate()
		return
	}
	c.archiveLocked([]Message{m})
}

func (c *Controller) applyState(gen uint64, st State) {
	c.mu.Lock()
	if gen != c.epoch {
		c.mu.Unlock()
		return
	}
	c.sessState = st
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyPresence(gen uint64, count int) {
	if count < 0 {
		return
	}
	c.mu.Lock()
	if gen != c.epoch {
		c.mu.Unlock()
		return
	}
	c.viewerCount = count
	c.mu.Unlock()
	telemetry.SetViewerCount(count)
	c.notify()
}

// archiveLocked hands messages to the archiver off the hot path. Caller holds
// c.mu, which pins c.sourceID to the generation being applied.
func (c *Controller) archiveLocked(msgs []Message) {
	if c.opts.Archiver == nil || len(msgs) == 0 {
		return
	}
	sourceID := c.sourceID
	batch := make([]Message, len(msgs))
	copy(batch, msgs)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.opts.Archiver.RecordBatch(ctx, sourceID, batch); err != nil {
			slog.Warn("chat archive write failed", slog.Any("err", err), slog.String("source_id", sourceID))
		}
	}()
}
