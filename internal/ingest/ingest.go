// Package ingest converts raw external records into typed Parameters,
// Entities, and Evidence. Adapters (file, HTTP, directory watch, websocket)
// all expose the same pull-based record sequence, so the pipeline stages
// are adapter-agnostic and consume at the rate the engine owner can absorb
// deltas. A malformed record is logged and skipped; it never aborts the
// batch, because real-world sources are unreliable by default.
package ingest

import (
	"context"
	"iter"

	"github.com/scenariolab/hindcast/internal/models"
)

// RawRecord is one unit of external data before normalization.
type RawRecord struct {
	ID     string
	Source models.DataSourceRef
	Fields map[string]any
}

// Adapter yields raw records from one source. Records returns a lazy,
// restartable sequence: iteration pulls the next record only when the
// consumer is ready, which keeps ordering, backpressure, and cancellation
// simple. Record-level failures are yielded as errors alongside a zero
// record; iteration continues. Source-level failures end the sequence.
type Adapter interface {
	Name() string
	Source() models.DataSourceRef
	Records(ctx context.Context) iter.Seq2[RawRecord, error]
}
