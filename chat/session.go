package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/neustream/chatfeed/telemetry"
)

// State is the connection session's lifecycle state. Transitions:
//
//	Idle → Connecting → Connected → Joining → Joined
//
// with side transitions * → Disconnected → Reconnecting → Connecting on any
// transport drop, and the terminal Closed reached only via Close().
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateJoining
	StateJoined
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// identityHeader carries the JSON-serialized viewer identity during the
// websocket handshake, standing in for the original channel's auth token.
const identityHeader = "X-Chat-Token"

const defaultJoinTimeout = 15 * time.Second

// Events are the session's callbacks, consumed by the Controller. All fields
// are optional. Callbacks are invoked from the session's own goroutines;
// consumers must do their own locking.
type Events struct {
	OnStateChange func(State)
	// OnHistoryBatch delivers a server-pushed history snapshot for the room.
	// It is subject to the same dedup rule as live messages.
	OnHistoryBatch func([]Message)
	OnMessage      func(Message)
	OnPresence     func(int)
	// OnProtocolError reports a server-sent error event. Non-fatal: the
	// session stays up.
	OnProtocolError func(string)
}

// SessionOptions configures OpenSession.
type SessionOptions struct {
	// URL of the websocket endpoint, e.g. wss://api.neustream.app/ws/chat.
	URL      string
	SourceID string
	Identity Identity
	// JoinTimeout bounds how long a join may wait for acknowledgment before
	// the transport is recycled. Zero means a 15s default. The backend gives
	// no guarantee a stalled join ever resolves, so waiting forever is not
	// an option.
	JoinTimeout time.Duration
	// Dialer overrides the websocket dialer; used by tests.
	Dialer *websocket.Dialer
	Events Events
}

// Session owns the push-channel connection for one source. It connects,
// authenticates with the viewer identity, joins the source's room, and keeps
// reconnecting with exponential backoff until Close() is called. No external
// caller mutates connection state directly.
type Session struct {
	opts   SessionOptions
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	joinTimer   *time.Timer
	joinStarted time.Time

	writeMu sync.Mutex
}

// OpenSession starts a session and returns immediately; connection and join
// progress is reported through opts.Events. The session runs until Close().
func OpenSession(opts SessionOptions) *Session {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
	go s.run()
	return s
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SourceID returns the room this session is bound to.
func (s *Session) SourceID() string { return s.opts.SourceID }

// Done is closed once the session's goroutines have fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down: a best-effort leave_chat is written first
// (not acknowledgment-awaited), then the transport is released. Safe to call
// from any state, any number of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.stopJoinTimerLocked()
		s.mu.Unlock()
		if conn != nil {
			if err := s.writeEvent(conn, eventLeaveChat, roomPayload{SourceID: s.opts.SourceID}); err != nil {
				slog.Debug("leave_chat write failed", slog.Any("err", err), slog.String("source_id", s.opts.SourceID))
			}
		}
		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		s.setState(StateClosed)
	})
}

func (s *Session) run() {
	defer close(s.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)
		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Debug("chat connect failed", slog.Any("err", err), slog.String("source_id", s.opts.SourceID))
			if !s.waitReconnect(bo) {
				return
			}
			continue
		}
		bo.Reset()

		s.mu.Lock()
		// Close may have run between dial returning and here; it saw a nil
		// conn, so this goroutine owns the socket and must release it.
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()
		s.setState(StateConnected)

		// Join immediately on connect; the server may start pushing room
		// data as soon as it accepts the request, before the ack arrives,
		// so the read loop accepts events in any state.
		if err := s.writeEvent(conn, eventJoinChat, roomPayload{SourceID: s.opts.SourceID}); err != nil {
			slog.Debug("join_chat write failed", slog.Any("err", err), slog.String("source_id", s.opts.SourceID))
		} else {
			s.setState(StateJoining)
			s.armJoinTimer(conn)
		}

		s.readLoop(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.stopJoinTimerLocked()
		s.mu.Unlock()
		_ = conn.Close()

		if s.ctx.Err() != nil {
			return
		}
		s.setState(StateDisconnected)
		if !s.waitReconnect(bo) {
			return
		}
	}
}

// waitReconnect enters Reconnecting and sleeps the next backoff interval.
// Returns false when the session was closed while waiting.
func (s *Session) waitReconnect(bo *backoff.ExponentialBackOff) bool {
	s.setState(StateReconnecting)
	telemetry.IncReconnect()
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(bo.NextBackOff()):
		return true
	}
}

func (s *Session) dial() (*websocket.Conn, error) {
	token, err := json.Marshal(s.opts.Identity)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set(identityHeader, string(token))
	d := s.opts.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, resp, err := d.DialContext(s.ctx, s.opts.URL, hdr)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if s.ctx.Err() == nil {
				slog.Debug("chat transport read ended", slog.Any("err", err), slog.String("source_id", s.opts.SourceID))
			}
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env envelope) {
	switch env.Event {
	case eventJoinedChat:
		s.mu.Lock()
		s.stopJoinTimerLocked()
		started := s.joinStarted
		s.mu.Unlock()
		if !started.IsZero() {
			telemetry.ObserveJoinDuration(time.Since(started))
		}
		s.setState(StateJoined)
	case eventChatHistory:
		var batch historyResponse
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			slog.Warn("malformed chat_history event", slog.Any("err", err))
			return
		}
		if fn := s.opts.Events.OnHistoryBatch; fn != nil {
			fn(batch.Messages)
		}
	case eventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			slog.Warn("malformed new_message event", slog.Any("err", err))
			return
		}
		telemetry.IncMessageReceived()
		if fn := s.opts.Events.OnMessage; fn != nil {
			fn(m)
		}
	case eventViewerCount:
		var p viewerCountPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			slog.Warn("malformed viewer_count event", slog.Any("err", err))
			return
		}
		if fn := s.opts.Events.OnPresence; fn != nil {
			fn(p.Count)
		}
	case eventError:
		var p errorPayload
		_ = json.Unmarshal(env.Data, &p)
		slog.Warn("chat server error event", slog.String("detail", p.Message), slog.String("source_id", s.opts.SourceID))
		if fn := s.opts.Events.OnProtocolError; fn != nil {
			fn(p.Message)
		}
	default:
		slog.Debug("unhandled chat event", slog.String("event", env.Event))
	}
}

// armJoinTimer recycles the transport when the join ack never arrives; the
// normal reconnect path then re-issues the join.
func (s *Session) armJoinTimer(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopJoinTimerLocked()
	s.joinStarted = time.Now()
	s.joinTimer = time.AfterFunc(s.opts.JoinTimeout, func() {
		if s.State() != StateJoining {
			return
		}
		slog.Warn("join not acknowledged; recycling transport",
			slog.String("source_id", s.opts.SourceID),
			slog.Duration("timeout", s.opts.JoinTimeout))
		_ = conn.Close()
	})
}

func (s *Session) stopJoinTimerLocked() {
	if s.joinTimer != nil {
		s.joinTimer.Stop()
		s.joinTimer = nil
	}
}

// setState performs a state transition and notifies the consumer. Closed is
// terminal: once reached, no further transitions happen.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	telemetry.SetSessionLive(st == StateConnected || st == StateJoining || st == StateJoined)
	if fn := s.opts.Events.OnStateChange; fn != nil {
		fn(st)
	}
}

func (s *Session) writeEvent(conn *websocket.Conn, event string, data any) error {
	if conn == nil {
		return errors.New("no transport")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(envelope{Event: event, Data: raw})
}
