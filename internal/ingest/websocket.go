package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scenariolab/hindcast/internal/models"
)

// StreamAdapter subscribes to a websocket feed delivering one JSON object
// per message. It is the adapter for live parameter-change streams.
type StreamAdapter struct {
	URL         string
	Reliability float64

	// ReadTimeout bounds the wait for each message. A stalled feed
	// surfaces ErrAdapterTimeout instead of blocking the pipeline forever.
	ReadTimeout time.Duration

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// NewStreamAdapter creates a StreamAdapter for the given websocket URL.
func NewStreamAdapter(url string, reliability float64, readTimeout time.Duration) *StreamAdapter {
	return &StreamAdapter{URL: url, Reliability: reliability, ReadTimeout: readTimeout}
}

func (s *StreamAdapter) Name() string { return "stream:" + s.URL }

func (s *StreamAdapter) Source() models.DataSourceRef {
	return models.DataSourceRef{
		ID:          s.Name(),
		Kind:        "stream",
		URI:         s.URL,
		Reliability: s.Reliability,
	}
}

func (s *StreamAdapter) dialer() *websocket.Dialer {
	if s.Dialer != nil {
		return s.Dialer
	}
	return websocket.DefaultDialer
}

// Records dials the feed and yields messages until the context is
// cancelled, the peer closes, or a read times out.
func (s *StreamAdapter) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		conn, _, err := s.dialer().DialContext(ctx, s.URL, nil)
		if err != nil {
			yield(RawRecord{}, fmt.Errorf("dial %s: %w", s.URL, err))
			return
		}
		defer conn.Close()

		// Unblock ReadMessage when the consumer goes away.
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		source := s.Source()
		line := 0
		for {
			if s.ReadTimeout > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
			}
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return
				}
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					yield(RawRecord{}, fmt.Errorf("read %s: %w", s.URL, models.ErrAdapterTimeout))
					return
				}
				yield(RawRecord{}, fmt.Errorf("read %s: %w", s.URL, err))
				return
			}

			line++
			var fields map[string]any
			if err := json.Unmarshal(payload, &fields); err != nil {
				if !yield(RawRecord{}, &RecordError{Line: line, Err: err}) {
					return
				}
				continue
			}
			rec := RawRecord{Source: source, Fields: fields}
			if id, ok := fields["id"].(string); ok {
				rec.ID = id
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
