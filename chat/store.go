package chat

import (
	"sort"
	"sync"
)

// Store holds the authoritative ordered view of one source's chat. It accepts
// inserts from two unsynchronized producers (the history fetch and the live
// websocket) and keeps the visible sequence sorted by CreatedAt ascending,
// ties broken by insertion order, with no duplicate ids.
//
// A Store is exclusively owned by one Controller at a time. The mutex exists
// because the two producers run on separate goroutines, not because the store
// is meant to be shared.
type Store struct {
	mu       sync.Mutex
	msgs     []Message
	seen     map[string]struct{}
	onChange func()
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// SetOnChange registers the owner's change hook. The hook fires exactly once
// per effective mutation, after the store has been updated, and is invoked
// outside the store's lock. Only the owning controller may set it.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Append inserts one live message, keeping sort order. It is a no-op when the
// id is already present and reports whether the message was inserted.
func (s *Store) Append(m Message) bool {
	s.mu.Lock()
	inserted := s.insertLocked(m)
	fn := s.onChange
	s.mu.Unlock()
	if inserted && fn != nil {
		fn()
	}
	return inserted
}

// MergeSnapshot merges the history snapshot into whatever live messages have
// already been buffered. Messages delivered live before the snapshot arrived
// are neither lost nor duplicated. Returns the number of messages actually
// inserted; fires the change hook at most once for the whole batch.
func (s *Store) MergeSnapshot(snapshot []Message) int {
	s.mu.Lock()
	inserted := 0
	for _, m := range snapshot {
		if s.insertLocked(m) {
			inserted++
		}
	}
	fn := s.onChange
	s.mu.Unlock()
	if inserted > 0 && fn != nil {
		fn()
	}
	return inserted
}

// Clear empties the store. Called on source change and teardown.
func (s *Store) Clear() {
	s.mu.Lock()
	changed := len(s.msgs) > 0
	s.msgs = nil
	s.seen = make(map[string]struct{})
	fn := s.onChange
	s.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// Messages returns a copy of the current ordered sequence.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// insertLocked places m after every message with an equal or earlier
// timestamp, so equal timestamps keep their insertion order. Final visible
// order is therefore a pure function of (createdAt, insertion order),
// independent of which producer delivered a given message first.
func (s *Store) insertLocked(m Message) bool {
	if m.ID == "" {
		return false
	}
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	pos := sort.Search(len(s.msgs), func(i int) bool {
		return s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = append(s.msgs, Message{})
	copy(s.msgs[pos+1:], s.msgs[pos:])
	s.msgs[pos] = m
	s.seen[m.ID] = struct{}{}
	return true
}
