package models

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceType categorizes a unit of evidence.
type EvidenceType string

const (
	EvidencePhysical       EvidenceType = "physical"
	EvidenceDigital        EvidenceType = "digital"
	EvidenceTestimonial    EvidenceType = "testimonial"
	EvidenceCircumstantial EvidenceType = "circumstantial"
	EvidenceGeospatial     EvidenceType = "geospatial"
	EvidenceCustom         EvidenceType = "custom"
)

// Evidence is a unit of supporting or refuting data. It lives in a
// scenario-wide pool and exists independently of any branch until linked.
type Evidence struct {
	ID         string               `json:"id"`
	Label      string               `json:"label"`
	Type       EvidenceType         `json:"type"`
	Data       map[string]Parameter `json:"data,omitempty"`
	Confidence float64              `json:"confidence"` // 0.0-1.0
	Source     DataSourceRef        `json:"source"`
	Timestamp  *time.Time           `json:"timestamp,omitempty"`
}

// NewEvidence creates an Evidence item with a fresh ID.
func NewEvidence(label string, typ EvidenceType, source DataSourceRef) *Evidence {
	return &Evidence{
		ID:     uuid.New().String(),
		Label:  label,
		Type:   typ,
		Data:   make(map[string]Parameter),
		Source: source,
	}
}

// AttachmentMode records whether an analyst linked the evidence or the
// automatic attacher did.
type AttachmentMode string

const (
	AttachManual    AttachmentMode = "manual"
	AttachAutomatic AttachmentMode = "automatic"
)

// EvidenceLink joins an Evidence item to a branch hypothesis. The
// likelihood ratio P(E|H)/P(E|not H) is supplied by the analyst or the
// automatic attacher, never derived by the engine.
type EvidenceLink struct {
	EvidenceID string         `json:"evidence_id"`
	BranchID   string         `json:"branch_id"`
	Mode       AttachmentMode `json:"mode"`

	// EmbeddingScore is the similarity that triggered an automatic
	// attachment. Zero for manual links.
	EmbeddingScore float64 `json:"embedding_score,omitempty"`

	// RelevanceScore expresses how strongly the evidence bears on this
	// branch (0.0-1.0). Automatic links scale their likelihood ratio by it.
	RelevanceScore float64 `json:"relevance_score"`

	// LikelihoodRatio is in (0, +inf); 1.0 is neutral evidence.
	LikelihoodRatio float64 `json:"likelihood_ratio"`
}

// EffectiveLikelihoodRatio returns the ratio the update engine should use:
// the stored ratio for manual links, scaled by relevance for automatic
// links to model partial support.
func (l EvidenceLink) EffectiveLikelihoodRatio() float64 {
	if l.Mode == AttachAutomatic {
		return l.LikelihoodRatio * l.RelevanceScore
	}
	return l.LikelihoodRatio
}
