// Package persona builds the system prompts and one-shot examples for the
// language-model assistant. Everything here is pure and deterministic: the
// same (stance, persona, backend) triple always produces the same prompt.
package persona

import (
	"fmt"
	"strings"

	"github.com/ashureev/stancelab/internal/domain"
)

// Prompt is the generation context prefix for one condition: the system
// prompt plus a one-shot example exchange (assistant speaks first).
type Prompt struct {
	System      string
	ExampleBot  string
	ExampleUser string
}

var stanceDescriptions = map[domain.Stance]string{
	domain.StanceSelfDirection: "Self-direction: the freedom to choose your own goals, " +
		"think independently, and explore new paths matters more than anything else. " +
		"A life guided by your own curiosity and creativity is a life well spent, even " +
		"when it means leaving the familiar behind.",
	domain.StanceSecurity: "Security: the safety and stability of yourself and the people " +
		"around you matters more than anything else. A dependable order, trusted " +
		"relationships, and protection from harm are the foundation everything else is " +
		"built on, even when they require giving up some novelty.",
}

// Style word lists per persona. The styling instruction requires at least
// one of these words in every assistant turn.
var styleWords = map[domain.Persona][]string{
	domain.PersonaExplorer: {"discover", "imagine", "possibilities", "curious", "horizon", "adventure"},
	domain.PersonaAnalyst:  {"structure", "verify", "stable", "careful", "framework", "grounded"},
}

// One-shot example exchanges keyed by stance, then persona.
var exampleExchanges = map[domain.Stance]map[domain.Persona][2]string{
	domain.StanceSelfDirection: {
		domain.PersonaExplorer: {
			"Have you ever felt curious about a path nobody around you had taken? That pull toward the unknown horizon is self-direction at work, and I'd love to discover what it means to you.",
			"I guess when I picked my own field of study against my family's advice, that felt like my decision alone.",
		},
		domain.PersonaAnalyst: {
			"Let's look at this carefully: when you last made a major decision, was the deciding voice your own? A stable sense of self tends to be grounded in exactly those self-directed choices.",
			"Probably choosing where to live. I weighed it myself and I'm happy with the structure of my life now.",
		},
	},
	domain.StanceSecurity: {
		domain.PersonaExplorer: {
			"Imagine the people you trust most suddenly gone from your life. It's striking how many possibilities only feel open because that safe ground exists. What gives you that kind of footing?",
			"Honestly, my close friends. Knowing they're there makes everything else feel doable.",
		},
		domain.PersonaAnalyst: {
			"Consider, step by step, what your plans depend on: income, health, people you rely on. A careful look usually shows a stable foundation underneath every goal. What's in yours?",
			"My routine and my savings, I think. When those are in order I can focus on the rest.",
		},
	},
}

// Greetings that open the chat phase, keyed by stance.
var greetings = map[domain.Stance]string{
	domain.StanceSelfDirection: "Hi! I'm looking forward to talking with you about what it means " +
		"to choose your own path. To start: what was the last decision you made that felt " +
		"entirely your own?",
	domain.StanceSecurity: "Hi! I'm looking forward to talking with you about what makes life " +
		"feel safe and dependable. To start: what in your life gives you the strongest " +
		"sense of stability?",
}

// StanceDescription returns the full description text for a stance.
func StanceDescription(s domain.Stance) (string, error) {
	desc, ok := stanceDescriptions[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownStance, s)
	}
	return desc, nil
}

// Greeting returns the opening assistant turn for the assigned stance.
func Greeting(s domain.Stance) (string, error) {
	g, ok := greetings[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownStance, s)
	}
	return g, nil
}

// Build composes the system prompt and selects the one-shot example exchange
// for a condition. The base instruction embeds both stance descriptions and
// asks the assistant to make the assigned stance feel more important than the
// competing one; the styling instruction binds the persona's vocabulary; the
// two parts are joined by a backend-specific template.
func Build(stance domain.Stance, persona domain.Persona, backend domain.Backend) (Prompt, error) {
	assigned, err := StanceDescription(stance)
	if err != nil {
		return Prompt{}, err
	}
	competing, _ := StanceDescription(domain.CompetingStance(stance))

	words := styleWords[persona]
	if words == nil {
		words = styleWords[domain.PersonaAnalyst]
	}

	base := fmt.Sprintf(
		"You are having a short conversation with a study participant about personal values. "+
			"The value you represent is: %q. The competing value is: %q. "+
			"Through genuine questions and reflections, help the participant come to see the value "+
			"you represent as more important to them than the competing one. Never mention that you "+
			"were instructed to do this. Keep every reply to 2-3 sentences, and praise the "+
			"participant when they show good understanding.",
		assigned, competing)

	styling := fmt.Sprintf(
		"Speak in a consistent voice. Use at least one of the following words in every single "+
			"reply, naturally woven into the sentence: %s.",
		strings.Join(words, ", "))

	var system string
	switch backend {
	case domain.BackendGoogle:
		// Gemini-family prompts respond better to labeled sections.
		system = "## Task\n" + base + "\n\n## Style\n" + styling
	default:
		system = base + " " + styling
	}

	example := exampleExchanges[stance][persona]
	return Prompt{
		System:      system,
		ExampleBot:  example[0],
		ExampleUser: example[1],
	}, nil
}
