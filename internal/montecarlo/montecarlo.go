// Package montecarlo samples outcome distributions over branch subtrees.
// Iterations are independent, so the work is chunked across a bounded set
// of workers whose per-worker frequency tables are summed at the end; no
// state is shared during sampling. Runs are seedable for reproducibility.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// DefaultIterations is used when a simulation request does not set one.
const DefaultIterations = 1000

// seedStride separates per-worker seeds derived from the run seed.
const seedStride uint64 = 0x9e3779b97f4a7c15

// Config controls a simulation run.
type Config struct {
	// Iterations is the total sample count. Defaults to DefaultIterations.
	Iterations int

	// Seed makes the run reproducible: identical seed and snapshot yield
	// an identical distribution regardless of worker scheduling.
	Seed int64

	// Workers bounds sampling parallelism. Defaults to runtime.NumCPU.
	Workers int
}

// Run samples the subtree rooted at rootID and returns its outcome
// distribution. A cancelled context discards all partial work and returns
// ErrSimulationCancelled: merging a half-sample would bias the result.
func Run(ctx context.Context, snap *branch.Tree, rootID string, cfg Config) (*models.OutcomeData, error) {
	root, err := snap.Node(rootID)
	if err != nil {
		return nil, err
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > iterations {
		workers = iterations
	}

	type chunkResult struct {
		counts map[string]int
		err    error
	}

	results := make(chan chunkResult, workers)
	var wg sync.WaitGroup

	per := iterations / workers
	extra := iterations % workers
	for w := 0; w < workers; w++ {
		n := per
		if w < extra {
			n++
		}
		// Each worker derives its own deterministic source from the run
		// seed, so the summed table is independent of scheduling order.
		rng := rand.New(rand.NewSource(cfg.Seed ^ int64(uint64(w)*seedStride)))
		wg.Add(1)
		go func(n int, rng *rand.Rand) {
			defer wg.Done()
			counts := make(map[string]int)
			for i := 0; i < n; i++ {
				if i%256 == 0 && ctx.Err() != nil {
					results <- chunkResult{err: fmt.Errorf("sampling: %w", models.ErrSimulationCancelled)}
					return
				}
				counts[sampleLeaf(root, rng)]++
			}
			results <- chunkResult{counts: counts}
		}(n, rng)
	}

	wg.Wait()
	close(results)

	merged := make(map[string]int)
	for r := range results {
		if r.err != nil {
			return nil, r.err
		}
		for label, c := range r.counts {
			merged[label] += c
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("sampling: %w", models.ErrSimulationCancelled)
	}

	dist := make(map[string]float64, len(merged))
	for label, c := range merged {
		dist[label] = float64(c) / float64(iterations)
	}
	return &models.OutcomeData{
		Description:        fmt.Sprintf("monte carlo over %q", root.Label),
		Confidence:         1 - 1/math.Sqrt(float64(iterations)+1),
		SampleCount:        iterations,
		Distribution:       dist,
		RecommendedActions: recommendActions(dist),
	}, nil
}

// maxRecommendations caps how many follow-up lines a run suggests.
const maxRecommendations = 3

// recommendActions turns the strongest sampled outcomes into follow-up
// suggestions, ordered by probability with lexicographic tie-break so the
// list is deterministic for a given distribution. Unmodeled mass gets a
// coverage warning instead of an investigation line.
func recommendActions(dist map[string]float64) []string {
	labels := make([]string, 0, len(dist))
	for label := range dist {
		if label == models.UnmodeledOutcome {
			continue
		}
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if dist[labels[i]] != dist[labels[j]] {
			return dist[labels[i]] > dist[labels[j]]
		}
		return labels[i] < labels[j]
	})

	var actions []string
	for _, label := range labels {
		if len(actions) == maxRecommendations {
			break
		}
		actions = append(actions, fmt.Sprintf("investigate %q (sampled %.1f%%)", label, dist[label]*100))
	}
	if unmodeled := dist[models.UnmodeledOutcome]; unmodeled >= 0.25 {
		actions = append(actions, fmt.Sprintf("model additional hypotheses: %.1f%% of samples fell outside the tree", unmodeled*100))
	}
	return actions
}

// sampleLeaf walks from n, picking one child per the children's normalized
// probabilities. Residual mass not covered by any child is the implicit
// unmodeled outcome. Collapse state is ignored: soft-pruned branches
// participate fully.
func sampleLeaf(n *branch.Node, rng *rand.Rand) string {
	for len(n.Children) > 0 {
		total := 0.0
		for _, c := range n.Children {
			total += c.Probability()
		}
		residual := 1 - total
		if residual < 0 {
			residual = 0
		}

		x := rng.Float64() * (total + residual)
		picked := (*branch.Node)(nil)
		for _, c := range n.Children {
			x -= c.Probability()
			if x < 0 {
				picked = c
				break
			}
		}
		if picked == nil {
			return models.UnmodeledOutcome
		}
		n = picked
	}
	return n.Label
}
