package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/neustream/chatfeed/chat"
	"github.com/neustream/chatfeed/testutil"
)

func TestArchiverRecordBatchIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	a := &chat.Archiver{DB: database}
	ctx := context.Background()
	sourceID := "archive-test-" + time.Now().UTC().Format("20060102150405.000")

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m1, m2 := liveMsg("a1"), liveMsg("a2")
	m1.CreatedAt, m2.CreatedAt = base, base.Add(time.Second)

	if err := a.RecordBatch(ctx, sourceID, []chat.Message{m1, m2}); err != nil {
		t.Fatalf("RecordBatch error: %v", err)
	}
	// Replaying the batch, and a single message from it, must not duplicate.
	if err := a.RecordBatch(ctx, sourceID, []chat.Message{m1, m2}); err != nil {
		t.Fatalf("RecordBatch replay error: %v", err)
	}
	if err := a.Record(ctx, sourceID, m1); err != nil {
		t.Fatalf("Record replay error: %v", err)
	}

	var n int
	if err := database.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE source_id = $1`, sourceID).Scan(&n); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if n != 2 {
		t.Errorf("archived %d rows, want 2", n)
	}
}

func TestArchiverSameMessageDifferentSources(t *testing.T) {
	database := testutil.SetupTestDB(t)
	a := &chat.Archiver{DB: database}
	ctx := context.Background()
	stamp := time.Now().UTC().Format("20060102150405.000")
	srcA, srcB := "archive-a-"+stamp, "archive-b-"+stamp

	m := liveMsg("shared")
	if err := a.Record(ctx, srcA, m); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	// Uniqueness is per (source, message), not global.
	if err := a.Record(ctx, srcB, m); err != nil {
		t.Fatalf("Record for second source error: %v", err)
	}

	var n int
	if err := database.QueryRow(`SELECT COUNT(*) FROM chat_messages WHERE message_id = $1 AND source_id IN ($2, $3)`, m.ID, srcA, srcB).Scan(&n); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if n != 2 {
		t.Errorf("got %d rows, want one per source", n)
	}
}
