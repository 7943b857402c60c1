package models

// UnmodeledOutcome is the distribution label for samples that fell into
// residual probability mass not covered by any authored branch.
const UnmodeledOutcome = "unmodeled"

// OutcomeData is the Monte Carlo simulator's per-branch result. It is a
// cache, not a log: each simulation run overwrites the previous value.
type OutcomeData struct {
	Description string `json:"description,omitempty"`

	// Confidence reflects how much weight to give the distribution,
	// typically a function of sample count and tree depth.
	Confidence float64 `json:"confidence"`

	// SampleCount is the number of Monte Carlo iterations that produced
	// Distribution.
	SampleCount int `json:"sample_count"`

	// Distribution maps leaf labels (plus UnmodeledOutcome) to sampled
	// probabilities summing to 1.
	Distribution map[string]float64 `json:"distribution"`

	RecommendedActions []string `json:"recommended_actions,omitempty"`
}

// TopOutcome returns the label with the highest sampled probability and
// that probability. Ties break lexicographically so results are stable.
func (o *OutcomeData) TopOutcome() (string, float64) {
	var best string
	var bestP float64
	for label, p := range o.Distribution {
		if p > bestP || (p == bestP && (best == "" || label < best)) {
			best, bestP = label, p
		}
	}
	return best, bestP
}
