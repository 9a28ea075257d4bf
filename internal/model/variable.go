package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// VariableScope names the level of the entity graph a state variable
// attaches to.
type VariableScope string

const (
	ScopeWorld      VariableScope = "WORLD"
	ScopeCampaign   VariableScope = "CAMPAIGN"
	ScopeParty      VariableScope = "PARTY"
	ScopeKingdom    VariableScope = "KINGDOM"
	ScopeSettlement VariableScope = "SETTLEMENT"
	ScopeStructure  VariableScope = "STRUCTURE"
	ScopeCharacter  VariableScope = "CHARACTER"
	ScopeLocation   VariableScope = "LOCATION"
	ScopeEvent      VariableScope = "EVENT"
	ScopeEncounter  VariableScope = "ENCOUNTER"
)

func (s VariableScope) Valid() bool {
	switch s {
	case ScopeWorld, ScopeCampaign, ScopeParty, ScopeKingdom, ScopeSettlement,
		ScopeStructure, ScopeCharacter, ScopeLocation, ScopeEvent, ScopeEncounter:
		return true
	}
	return false
}

// EntityType maps the scope to the entity type it attaches to. WORLD has no
// entity (scopeId is nil) and returns false.
func (s VariableScope) EntityType() (EntityType, bool) {
	switch s {
	case ScopeCampaign:
		return EntityCampaign, true
	case ScopeParty:
		return EntityParty, true
	case ScopeKingdom:
		return EntityKingdom, true
	case ScopeSettlement:
		return EntitySettlement, true
	case ScopeStructure:
		return EntityStructure, true
	case ScopeCharacter:
		return EntityCharacter, true
	case ScopeLocation:
		return EntityLocation, true
	case ScopeEvent:
		return EntityEvent, true
	case ScopeEncounter:
		return EntityEncounter, true
	}
	return "", false
}

// ContextKey is the name the scope entity is exposed under in an evaluation
// context, so formulas read {"var": "settlement.population"}.
func (s VariableScope) ContextKey() string { return strings.ToLower(string(s)) }

// VariableType is the declared value type of a state variable. DERIVED
// variables carry a formula instead of a value.
type VariableType string

const (
	VarString  VariableType = "STRING"
	VarInteger VariableType = "INTEGER"
	VarFloat   VariableType = "FLOAT"
	VarBoolean VariableType = "BOOLEAN"
	VarJSON    VariableType = "JSON"
	VarDerived VariableType = "DERIVED"
)

func (t VariableType) Valid() bool {
	switch t {
	case VarString, VarInteger, VarFloat, VarBoolean, VarJSON, VarDerived:
		return true
	}
	return false
}

// StateVariable is a scoped key/value. Static variables hold a value;
// DERIVED variables hold a formula evaluated on demand against the scope's
// context. (scope, scopeId, key) is unique among live rows.
type StateVariable struct {
	ID      uuid.UUID     `json:"id"`
	Scope   VariableScope `json:"scope"`
	ScopeID *uuid.UUID    `json:"scope_id,omitempty"` // nil only for WORLD
	Key     string        `json:"key"`
	Type    VariableType  `json:"type"`

	Value   any            `json:"value,omitempty"`   // nil iff DERIVED
	Formula map[string]any `json:"formula,omitempty"` // required iff DERIVED

	Description *string    `json:"description,omitempty"`
	IsActive    bool       `json:"is_active"`
	Version     int        `json:"version"`
	CreatedBy   uuid.UUID  `json:"created_by"`
	UpdatedBy   *uuid.UUID `json:"updated_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Derived reports whether the variable computes its value from a formula.
func (v *StateVariable) Derived() bool { return v.Type == VarDerived }
