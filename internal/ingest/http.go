package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
)

// HTTPAdapter fetches records from an endpoint returning either a JSON
// array of objects or a JSONL body.
type HTTPAdapter struct {
	URL         string
	Reliability float64

	// Timeout bounds the whole fetch. Zero means no adapter-level bound
	// (the pipeline's SourceTimeout still applies).
	Timeout time.Duration

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// NewHTTPAdapter creates an HTTPAdapter for the given endpoint.
func NewHTTPAdapter(url string, reliability float64, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{URL: url, Reliability: reliability, Timeout: timeout}
}

func (h *HTTPAdapter) Name() string { return "http:" + h.URL }

func (h *HTTPAdapter) Source() models.DataSourceRef {
	return models.DataSourceRef{
		ID:          h.Name(),
		Kind:        "http",
		URI:         h.URL,
		Reliability: h.Reliability,
	}
}

func (h *HTTPAdapter) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// Records fetches the endpoint and streams its records. A timeout is
// surfaced as ErrAdapterTimeout so the caller can degrade this source
// without touching others.
func (h *HTTPAdapter) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		if h.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.Timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
		if err != nil {
			yield(RawRecord{}, fmt.Errorf("build request: %w", err))
			return
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client().Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("fetch %s: %w", h.URL, models.ErrAdapterTimeout)
			} else {
				err = fmt.Errorf("fetch %s: %w", h.URL, err)
			}
			yield(RawRecord{}, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(RawRecord{}, fmt.Errorf("fetch %s: status %d", h.URL, resp.StatusCode))
			return
		}

		source := h.Source()
		contentType := resp.Header.Get("Content-Type")
		if strings.Contains(contentType, "jsonl") || strings.Contains(contentType, "ndjson") {
			h.streamLines(ctx, resp, source, yield)
			return
		}
		h.streamArray(resp, source, yield)
	}
}

func (h *HTTPAdapter) streamArray(resp *http.Response, source models.DataSourceRef, yield func(RawRecord, error) bool) {
	var items []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		yield(RawRecord{}, fmt.Errorf("decode %s: %w", h.URL, err))
		return
	}
	for _, fields := range items {
		rec := RawRecord{Source: source, Fields: fields}
		if id, ok := fields["id"].(string); ok {
			rec.ID = id
		}
		if !yield(rec, nil) {
			return
		}
	}
}

func (h *HTTPAdapter) streamLines(ctx context.Context, resp *http.Response, source models.DataSourceRef, yield func(RawRecord, error) bool) {
	scanner := bufio.NewScanner(resp.Body)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
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
