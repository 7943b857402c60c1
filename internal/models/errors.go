package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers match with errors.Is.
var (
	// ErrNotFound is returned when a referenced scenario, branch, entity,
	// or evidence ID does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidParent is returned by branch insertion when the parent ID
	// does not exist in the target tree.
	ErrInvalidParent = errors.New("invalid parent branch")

	// ErrProbabilityOverflow is returned when an insert would push a
	// sibling set's prior sum above 1.0 without auto-renormalization.
	ErrProbabilityOverflow = errors.New("sibling priors would exceed 1.0")

	// ErrInvalidLikelihood is returned for likelihood ratios outside (0, +inf).
	ErrInvalidLikelihood = errors.New("likelihood ratio must be positive")

	// ErrSimulationCancelled is returned when a Monte Carlo run is
	// cancelled; partial samples are discarded, never merged.
	ErrSimulationCancelled = errors.New("simulation cancelled")

	// ErrAdapterTimeout marks an ingestion source that stopped responding.
	// The adapter is degraded and retried with backoff; other sources are
	// unaffected.
	ErrAdapterTimeout = errors.New("adapter timeout")
)

// NormalizationError reports a single malformed ingestion record. It is
// logged and the record skipped; a batch never aborts because of one.
type NormalizationError struct {
	RecordID string
	Field    string
	Reason   string
	Err      error
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize record %s: field %q: %s", e.RecordID, e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize record %s: %s", e.RecordID, e.Reason)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
