package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
)

// Config holds pipeline-stage parameters.
type Config struct {
	// GroupField clusters records sharing a value under this field.
	GroupField string

	// EntityField, when present in a bundle, spawns a candidate Entity
	// named by its value.
	EntityField string

	// DefaultType is the evidence type for bundles with no stronger
	// signal. Defaults to models.EvidenceCustom.
	DefaultType models.EvidenceType

	// SourceTimeout bounds one whole adapter read. Zero disables.
	SourceTimeout time.Duration
}

// Result summarizes one pipeline batch.
type Result struct {
	Bundles   []Bundle
	Processed int
	Skipped   int

	// Errors holds the per-record normalization and read errors that were
	// logged and skipped. The batch itself still completed.
	Errors []error
}

// Pipeline runs ingest -> normalize -> cluster -> score -> bundle over one
// adapter. Staging into a scenario is the engine owner's job; the pipeline
// never touches shared state.
type Pipeline struct {
	cfg Config
	log *slog.Logger
}

// NewPipeline creates a Pipeline. A nil logger discards output.
func NewPipeline(cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{cfg: cfg, log: log}
}

// Run pulls every record from the adapter, isolates per-record failures,
// and returns scored bundles. It fails outright only on source-level
// errors (unreachable file or endpoint, timeout, cancelled context).
func (p *Pipeline) Run(ctx context.Context, adapter Adapter) (Result, error) {
	if p.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SourceTimeout)
		defer cancel()
	}

	var res Result
	var normalized []NormalizedRecord

	for rec, err := range adapter.Records(ctx) {
		if err != nil {
			var nerr *models.NormalizationError
			if errors.As(err, &nerr) || isRecordLevel(err) {
				p.log.Warn("skipping record", "adapter", adapter.Name(), "err", err)
				res.Skipped++
				res.Errors = append(res.Errors, err)
				continue
			}
			return res, fmt.Errorf("adapter %s: %w", adapter.Name(), err)
		}

		norm, err := Normalize(rec)
		if err != nil {
			p.log.Warn("skipping record", "adapter", adapter.Name(), "err", err)
			res.Skipped++
			res.Errors = append(res.Errors, err)
			continue
		}
		normalized = append(normalized, norm)
		res.Processed++
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return res, fmt.Errorf("adapter %s: %w", adapter.Name(), models.ErrAdapterTimeout)
		}
		return res, fmt.Errorf("adapter %s: %w", adapter.Name(), err)
	}

	for _, cluster := range ClusterRecords(normalized, p.cfg.GroupField) {
		confidence := ScoreCluster(cluster)
		res.Bundles = append(res.Bundles, buildBundle(cluster, confidence, p.cfg))
	}

	p.log.Info("batch complete",
		"adapter", adapter.Name(),
		"processed", res.Processed,
		"skipped", res.Skipped,
		"bundles", len(res.Bundles))
	return res, nil
}

// isRecordLevel reports whether an adapter error concerns one record
// rather than the whole source.
func isRecordLevel(err error) bool {
	var rerr *RecordError
	return errors.As(err, &rerr)
}

// RecordError wraps a read failure for a single record (a bad CSV row, an
// unparseable JSON line) so the pipeline can skip it and continue.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record at line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
