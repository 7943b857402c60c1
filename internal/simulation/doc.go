// Package simulation provides a multi-step test harness for validating
// emergent dynamics of the scenario engine.
//
// The harness exercises the real Engine, Bayesian recompute, Monte Carlo
// sampler, and SQLite store, no mocks. Experiments are Go builders that
// construct hypothesis trees, stage evidence, and run configurable
// sequences of attach and simulate steps, capturing posterior snapshots
// after each step for property-based assertions.
//
// Each test gets an isolated SQLite database via t.TempDir() and a
// sandboxed HOME to prevent touching user data.
//
// Usage:
//
//	func TestEvidenceConvergence(t *testing.T) {
//	    r := simulation.NewRunner(t)
//	    result := r.Run(simulation.Experiment{
//	        Name:     "convergence",
//	        Branches: []simulation.BranchSpec{...},
//	        Evidence: []simulation.EvidenceSpec{...},
//	        Steps:    []simulation.Step{...},
//	    })
//	    simulation.AssertPosteriorConverges(t, result, "burglary", 0.9, 1.0, 2)
//	}
package simulation
