package domain

import "fmt"

// Backend identifies the language-model provider family used for a session.
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendGoogle Backend = "google"
)

// Stance is one of two fixed competing position statements a participant
// is assigned to engage with during the chat phase.
type Stance string

const (
	StanceSelfDirection Stance = "self-direction"
	StanceSecurity      Stance = "security"
)

// Persona is the conversational style applied to the assistant's language.
type Persona string

const (
	PersonaExplorer Persona = "explorer"
	PersonaAnalyst  Persona = "analyst"
)

// Condition is the experimental condition assigned exactly once per session.
type Condition struct {
	Backend Backend `json:"backend"`
	Stance  Stance  `json:"stance"`
	Persona Persona `json:"persona"`
}

// Key returns the stable identity string for the condition tuple.
func (c Condition) Key() string {
	return fmt.Sprintf("%s/%s/%s", c.Backend, c.Stance, c.Persona)
}

// IsZero reports whether the condition has not been assigned.
func (c Condition) IsZero() bool {
	return c.Backend == "" && c.Stance == "" && c.Persona == ""
}

// Valid reports whether every field holds an enumerated value.
func (c Condition) Valid() bool {
	switch c.Backend {
	case BackendOpenAI, BackendGoogle:
	default:
		return false
	}
	switch c.Stance {
	case StanceSelfDirection, StanceSecurity:
	default:
		return false
	}
	switch c.Persona {
	case PersonaExplorer, PersonaAnalyst:
	default:
		return false
	}
	return true
}

// AllConditions returns the full cross-product in enumeration order.
// The order is load-bearing: the assignor breaks tally ties by it, which
// keeps assignment reproducible under concurrent load.
func AllConditions() []Condition {
	backends := []Backend{BackendOpenAI, BackendGoogle}
	stances := []Stance{StanceSelfDirection, StanceSecurity}
	personas := []Persona{PersonaExplorer, PersonaAnalyst}

	conditions := make([]Condition, 0, len(backends)*len(stances)*len(personas))
	for _, b := range backends {
		for _, s := range stances {
			for _, p := range personas {
				conditions = append(conditions, Condition{Backend: b, Stance: s, Persona: p})
			}
		}
	}
	return conditions
}

// CompetingStance returns the stance the assigned one is argued against.
func CompetingStance(s Stance) Stance {
	if s == StanceSelfDirection {
		return StanceSecurity
	}
	return StanceSelfDirection
}
