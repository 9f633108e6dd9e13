// Package assign implements balanced condition assignment.
package assign

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/store"
)

// Assignor assigns each session to the experimental condition with the
// fewest completed assignments so far. Ties break by enumeration order, so
// the resulting balance is reproducible under concurrent load: after any
// multiple of len(conditions) assignments, max−min tally is at most 1.
type Assignor struct {
	repo       store.Repository
	conditions []domain.Condition
}

// New creates an Assignor over an explicit condition set. The set is passed
// in rather than read from package state so a test or a pilot study can run
// against a reduced cross-product.
func New(repo store.Repository, conditions []domain.Condition) (*Assignor, error) {
	if len(conditions) == 0 {
		return nil, fmt.Errorf("%w: empty condition set", domain.ErrUnknownCondition)
	}
	for _, c := range conditions {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCondition, c.Key())
		}
	}
	return &Assignor{repo: repo, conditions: conditions}, nil
}

// Assign stamps the least-filled condition onto the session and returns it.
// Assignment and tally increment happen as one transactional step in the
// store. A session that already holds a condition gets it back unchanged.
func (a *Assignor) Assign(ctx context.Context, sessionID string) (domain.Condition, error) {
	cond, err := a.repo.AssignCondition(ctx, sessionID, a.conditions)
	if err != nil {
		if err == domain.ErrSessionNotFound {
			return domain.Condition{}, err
		}
		return domain.Condition{}, fmt.Errorf("%w: %v", domain.ErrAssignmentUnavailable, err)
	}

	slog.Info("condition assigned",
		"session_id", sessionID,
		"backend", cond.Backend,
		"stance", cond.Stance,
		"persona", cond.Persona)
	return cond, nil
}

// Tallies returns the current per-condition assignment counts, keyed by
// condition key, with unassigned conditions reported as zero.
func (a *Assignor) Tallies(ctx context.Context) (map[string]int, error) {
	stored, err := a.repo.ConditionTallies(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAssignmentUnavailable, err)
	}
	tallies := make(map[string]int, len(a.conditions))
	for _, c := range a.conditions {
		tallies[c.Key()] = stored[c.Key()]
	}
	return tallies, nil
}
