package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/neustream/chatfeed/telemetry"
)

// ErrHistoryUnavailable is returned when the history snapshot cannot be
// fetched (network failure or non-2xx). Callers are expected to treat it as
// "start with empty history"; the live channel remains the source of truth.
var ErrHistoryUnavailable = errors.New("chat history unavailable")

// HistoryLoader fetches the one-shot REST snapshot of prior messages for a
// source. The zero Client falls back to a default with a sane timeout.
type HistoryLoader struct {
	BaseURL string
	Client  *http.Client
}

type historyResponse struct {
	Messages []Message `json:"messages"`
}

// Fetch returns the snapshot for sourceID in the order the backend stored it
// (chronological). Any failure maps to ErrHistoryUnavailable.
func (l *HistoryLoader) Fetch(ctx context.Context, sourceID string) ([]Message, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat-history", "history.fetch",
		attribute.String("source_id", sourceID),
	)
	defer span.End()

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	endpoint := strings.TrimRight(l.BaseURL, "/") + "/chat/sources/" + url.PathEscape(sourceID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		telemetry.IncHistoryFailure()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		telemetry.IncHistoryFailure()
		err := fmt.Errorf("%w: status %d", ErrHistoryUnavailable, resp.StatusCode)
		telemetry.RecordError(span, err)
		return nil, err
	}
	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		telemetry.IncHistoryFailure()
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("%w: decode: %v", ErrHistoryUnavailable, err)
	}
	telemetry.IncHistoryFetch()
	telemetry.SetSpanSuccess(span)
	return body.Messages, nil
}
