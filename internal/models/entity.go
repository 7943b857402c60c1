package models

import (
	"slices"

	"github.com/google/uuid"
)

// EntityRole categorizes an entity's part in a scenario.
type EntityRole string

const (
	RoleVictim   EntityRole = "victim"
	RoleSuspect  EntityRole = "suspect"
	RoleWitness  EntityRole = "witness"
	RoleLocation EntityRole = "location"
	RoleEvidence EntityRole = "evidence"
	RoleVehicle  EntityRole = "vehicle"
	RoleObject   EntityRole = "object"
	RoleCustom   EntityRole = "custom"
)

// Entity is a person, place, or thing in a scenario's entity pool. Entities
// are owned by exactly one scenario; evidence and branches reference them by ID.
type Entity struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Role       EntityRole           `json:"role"`
	Attributes map[string]Parameter `json:"attributes,omitempty"`

	// LinkedEvidence holds IDs of evidence items referencing this entity,
	// kept sorted and deduplicated.
	LinkedEvidence []string `json:"linked_evidence,omitempty"`
}

// NewEntity creates an Entity with a fresh ID and empty attribute map.
func NewEntity(name string, role EntityRole) *Entity {
	return &Entity{
		ID:         uuid.New().String(),
		Name:       name,
		Role:       role,
		Attributes: make(map[string]Parameter),
	}
}

// SetAttribute records an attribute, superseding any prior Parameter
// under the same key (the old Parameter's ID is preserved in the chain).
func (e *Entity) SetAttribute(p Parameter) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]Parameter)
	}
	if prev, ok := e.Attributes[p.Key]; ok && p.Supersedes == "" {
		p.Supersedes = prev.ID
	}
	e.Attributes[p.Key] = p
}

// LinkEvidence records that an evidence item references this entity.
// Linking the same ID twice is a no-op.
func (e *Entity) LinkEvidence(evidenceID string) {
	i, found := slices.BinarySearch(e.LinkedEvidence, evidenceID)
	if found {
		return
	}
	e.LinkedEvidence = slices.Insert(e.LinkedEvidence, i, evidenceID)
}
