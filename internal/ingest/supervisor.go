package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scenariolab/hindcast/internal/models"
)

// SourceState tracks a supervised adapter's health.
type SourceState string

const (
	SourceHealthy  SourceState = "healthy"
	SourceDegraded SourceState = "degraded"
)

// Supervisor wraps pipeline runs with timeout-aware retry. A source that
// times out is marked degraded and retried with exponential backoff;
// failure of one source never affects the others, which run under their
// own supervisors.
type Supervisor struct {
	pipeline *Pipeline
	log      *slog.Logger

	// MaxAttempts caps retries per Run call. Default 3.
	MaxAttempts int

	// BaseBackoff is doubled after each timed-out attempt. Default 1s.
	BaseBackoff time.Duration

	state SourceState
}

// NewSupervisor wraps a pipeline with retry handling.
func NewSupervisor(pipeline *Pipeline, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		pipeline:    pipeline,
		log:         log,
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		state:       SourceHealthy,
	}
}

// State reports the source's health after the last Run.
func (s *Supervisor) State() SourceState { return s.state }

// Run executes the pipeline over the adapter, retrying timeouts with
// backoff. Non-timeout failures are returned immediately.
func (s *Supervisor) Run(ctx context.Context, adapter Adapter) (Result, error) {
	backoff := s.BaseBackoff
	var res Result
	var err error

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		res, err = s.pipeline.Run(ctx, adapter)
		if err == nil {
			s.state = SourceHealthy
			return res, nil
		}
		if !errors.Is(err, models.ErrAdapterTimeout) {
			return res, err
		}

		s.state = SourceDegraded
		s.log.Warn("source degraded",
			"adapter", adapter.Name(), "attempt", attempt, "backoff", backoff)
		if attempt == s.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return res, err
}
