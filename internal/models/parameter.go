// Package models defines the core data model for the scenario engine:
// typed Parameters with provenance, Entities, Evidence, evidence-to-branch
// links, and simulation outcome records. Types here are pure data; behavior
// lives in the branch, bayes, and montecarlo packages.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ValueKind discriminates the typed value carried by a Parameter.
type ValueKind string

const (
	ValueText      ValueKind = "text"
	ValueNumber    ValueKind = "number"
	ValuePosition  ValueKind = "position"
	ValueTimestamp ValueKind = "timestamp"
	ValueEntityRef ValueKind = "entity_ref"
	ValueBool      ValueKind = "bool"
	ValueList      ValueKind = "list"
)

// Position is a 3D coordinate, in whatever frame the scenario uses
// (geographic, floor plan, reconstruction space).
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Value is a tagged union. Only the field matching Kind is meaningful;
// the rest stay at their zero values so round-trip encoding is exact.
type Value struct {
	Kind      ValueKind   `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Number    float64     `json:"number,omitempty"`
	Position  Position    `json:"position,omitzero"`
	Timestamp time.Time   `json:"timestamp,omitzero"`
	EntityRef string      `json:"entity_ref,omitempty"`
	Bool      bool        `json:"bool,omitempty"`
	List      []Parameter `json:"list,omitempty"`
}

// TextValue builds a text Value.
func TextValue(s string) Value { return Value{Kind: ValueText, Text: s} }

// NumberValue builds a numeric Value.
func NumberValue(f float64) Value { return Value{Kind: ValueNumber, Number: f} }

// PositionValue builds a 3D position Value.
func PositionValue(x, y, z float64) Value {
	return Value{Kind: ValuePosition, Position: Position{X: x, Y: y, Z: z}}
}

// TimestampValue builds a timestamp Value.
func TimestampValue(t time.Time) Value { return Value{Kind: ValueTimestamp, Timestamp: t} }

// EntityRefValue builds a Value referencing an Entity by ID.
func EntityRefValue(id string) Value { return Value{Kind: ValueEntityRef, EntityRef: id} }

// BoolValue builds a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// ListValue builds a nested list Value.
func ListValue(items ...Parameter) Value { return Value{Kind: ValueList, List: items} }

// DataSourceRef identifies where a Parameter or Evidence item came from.
type DataSourceRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // "file", "http", "stream", "user", "micro_scenario"
	URI  string `json:"uri,omitempty"`

	// Reliability is the source-level prior used by the confidence scorer (0.0-1.0).
	Reliability float64 `json:"reliability"`
}

// Parameter is an immutable typed observation with provenance. A Parameter
// is never mutated in place: corrections create a new Parameter whose
// Supersedes field points at the old one, preserving the audit trail.
type Parameter struct {
	ID         string        `json:"id"`
	Key        string        `json:"key"`
	Value      Value         `json:"value"`
	Confidence float64       `json:"confidence"` // 0.0-1.0
	Source     DataSourceRef `json:"source"`
	CreatedAt  time.Time     `json:"created_at"`

	// Supersedes is the ID of the Parameter this one replaces, if any.
	Supersedes string `json:"supersedes,omitempty"`
}

// NewParameter creates a Parameter with a fresh ID.
func NewParameter(key string, value Value, confidence float64, source DataSourceRef) Parameter {
	return Parameter{
		ID:         uuid.New().String(),
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now().UTC(),
	}
}

// Supersede returns a new Parameter that replaces p with an updated value,
// confidence, or source. p itself is untouched.
func (p Parameter) Supersede(value Value, confidence float64, source DataSourceRef) Parameter {
	next := NewParameter(p.Key, value, confidence, source)
	next.Supersedes = p.ID
	return next
}
