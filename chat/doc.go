// Package chat implements the live chat synchronization client: for one
// stream source it produces a single consistent, time-ordered, deduplicated
// message feed by combining a one-shot REST history snapshot with an
// unbounded live event stream delivered over a persistent websocket.
//
// The pieces, leaf-first:
//   - Store: ordered, id-deduplicated in-memory log of messages. History and
//     live delivery race freely; the store resolves the race by merging both
//     inputs, not by producer priority.
//   - HistoryLoader: fetches the prior-message snapshot for a source over
//     HTTP. Failure degrades to an empty history, never a fatal error.
//   - Session: owns the websocket connection for one source. Connects with
//     the viewer's identity, joins the source's room, and reconnects with
//     exponential backoff on any transport drop. Only Close() ends it.
//   - Controller: the only component allowed to create or destroy a Session,
//     start a history fetch, and route both into one Store. Switching
//     sources tears the old session down (best-effort leave) and drops any
//     late callbacks the old session or its history fetch still produce.
//   - Archiver: optional Postgres sink recording the merged feed, keyed on
//     (source_id, message_id) so replays are idempotent.
//
// Nothing in this package surfaces an error to the view layer as a panic or
// a terminal failure state: history failure means a live-only feed, auth
// failure shows up as a prolonged "connecting", protocol errors are logged,
// and transport drops reconnect silently.
package chat
