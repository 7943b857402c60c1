// Package attach implements automatic evidence-to-branch attachment. New
// evidence is compared against each open branch's hypothesis description;
// matches above a similarity floor get an Automatic EvidenceLink carrying
// the score. With an embedder configured the comparison is cosine
// similarity over embeddings; otherwise it falls back to token overlap.
package attach

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/scenariolab/hindcast/internal/branch"
	"github.com/scenariolab/hindcast/internal/models"
)

// DefaultSimilarityFloor is the minimum similarity for an automatic link.
const DefaultSimilarityFloor = 0.6

// EmbedFunc returns a dense vector embedding for the given text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Attacher scores evidence against branch hypotheses.
type Attacher struct {
	embed EmbedFunc
	floor float64
}

// Proposal is one automatic attachment the attacher wants to make.
type Proposal struct {
	BranchID string
	Score    float64
	Link     models.EvidenceLink
}

// New creates an Attacher. embedFn may be nil, in which case token-overlap
// similarity is used. A floor <= 0 selects DefaultSimilarityFloor.
func New(embedFn EmbedFunc, floor float64) *Attacher {
	if floor <= 0 {
		floor = DefaultSimilarityFloor
	}
	return &Attacher{embed: embedFn, floor: floor}
}

// Propose compares ev against every branch in the snapshot and returns
// proposed Automatic links for branches scoring at or above the floor,
// strongest first. The caller (the engine owner) decides whether to apply
// them; Propose itself never mutates the tree.
func (a *Attacher) Propose(ctx context.Context, snap *branch.Tree, ev *models.Evidence) ([]Proposal, error) {
	evText := EvidenceText(ev)
	if strings.TrimSpace(evText) == "" {
		return nil, nil
	}

	var evVec []float32
	if a.embed != nil {
		vec, err := a.embed(ctx, evText)
		if err != nil {
			return nil, fmt.Errorf("embed evidence %s: %w", ev.ID, err)
		}
		evVec = vec
	}

	var proposals []Proposal
	var walkErr error
	snap.Walk(func(n *branch.Node, depth int) bool {
		if depth == 0 || n.Description == "" {
			return true // the root is a container, not a hypothesis
		}
		score, err := a.score(ctx, evVec, evText, n.Description)
		if err != nil {
			walkErr = err
			return false
		}
		if score >= a.floor {
			proposals = append(proposals, Proposal{
				BranchID: n.ID,
				Score:    score,
				Link: models.EvidenceLink{
					EvidenceID:      ev.ID,
					BranchID:        n.ID,
					Mode:            models.AttachAutomatic,
					EmbeddingScore:  score,
					RelevanceScore:  score,
					LikelihoodRatio: ratioFromConfidence(ev.Confidence),
				},
			})
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}

	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].Score != proposals[j].Score {
			return proposals[i].Score > proposals[j].Score
		}
		return proposals[i].BranchID < proposals[j].BranchID
	})
	return proposals, nil
}

func (a *Attacher) score(ctx context.Context, evVec []float32, evText, hypothesis string) (float64, error) {
	if a.embed == nil {
		return TokenOverlap(evText, hypothesis), nil
	}
	hypVec, err := a.embed(ctx, hypothesis)
	if err != nil {
		return 0, fmt.Errorf("embed hypothesis: %w", err)
	}
	return Cosine(evVec, hypVec), nil
}

// ratioFromConfidence maps evidence confidence to a mild supporting
// likelihood ratio in (1, 3]. Automatic attachments are suggestions, so
// they should nudge posteriors, not dominate analyst-supplied ratios.
func ratioFromConfidence(confidence float64) float64 {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return 1 + 2*confidence
}

// EvidenceText flattens an evidence item's label and textual parameters
// into one comparable string.
func EvidenceText(ev *models.Evidence) string {
	parts := []string{ev.Label}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := ev.Data[k]
		switch p.Value.Kind {
		case models.ValueText:
			parts = append(parts, p.Value.Text)
		case models.ValueEntityRef:
			parts = append(parts, p.Value.EntityRef)
		}
	}
	return strings.Join(parts, " ")
}

// Cosine computes cosine similarity between two float32 vectors. Returns 0
// for mismatched lengths or zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	magA = math.Sqrt(magA)
	magB = math.Sqrt(magB)
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (magA * magB)
}

// TokenOverlap computes Jaccard similarity between the word sets of two
// strings, used when no embedder is configured.
func TokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			set[strings.ToLower(current.String())] = true
			current.Reset()
		}
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return set
}
