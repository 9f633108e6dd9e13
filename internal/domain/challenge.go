package domain

import "fmt"

// BotChallenge is the arithmetic challenge used to screen out automated
// agents. Operands are fixed at session creation so the expected answer is
// server-authoritative across attempts.
type BotChallenge struct {
	A int `json:"a"`
	B int `json:"b"`
}

// Expected returns the correct answer to the challenge.
func (c BotChallenge) Expected() int {
	return c.A + c.B
}

// Question returns the participant-facing form of the challenge.
func (c BotChallenge) Question() string {
	return fmt.Sprintf("What is %d + %d?", c.A, c.B)
}
