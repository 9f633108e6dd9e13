package assign

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/store"
)

func newTestAssignor(t *testing.T) (*Assignor, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	a, err := New(repo, domain.AllConditions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, repo
}

func createSessions(t *testing.T, repo store.Repository, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sess-%03d", i)
		sess := &domain.Session{
			SessionID:   id,
			DevTest:     true,
			SurveyOrder: domain.SurveyOrderValueFirst,
			Status:      domain.StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := repo.CreateSession(context.Background(), sess); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestNewRejectsInvalidConditions(t *testing.T) {
	t.Parallel()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	bad := []domain.Condition{{Backend: "nope", Stance: domain.StanceSecurity, Persona: domain.PersonaAnalyst}}
	if _, err := New(repo, bad); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := New(repo, nil); err == nil {
		t.Error("expected error for empty condition set")
	}
}

func TestAssignBalancesAcrossConditions(t *testing.T) {
	t.Parallel()
	a, repo := newTestAssignor(t)
	ctx := context.Background()
	conds := domain.AllConditions()

	ids := createSessions(t, repo, 2*len(conds))
	counts := make(map[string]int)
	for _, id := range ids {
		c, err := a.Assign(ctx, id)
		if err != nil {
			t.Fatalf("Assign(%s) failed: %v", id, err)
		}
		counts[c.Key()]++
	}

	if len(counts) != len(conds) {
		t.Fatalf("assigned %d distinct conditions, want %d", len(counts), len(conds))
	}
	for key, n := range counts {
		if n != 2 {
			t.Errorf("condition %s assigned %d times, want 2", key, n)
		}
	}
}

func TestAssignIsIdempotentPerSession(t *testing.T) {
	t.Parallel()
	a, repo := newTestAssignor(t)
	ctx := context.Background()

	ids := createSessions(t, repo, 1)
	first, err := a.Assign(ctx, ids[0])
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := a.Assign(ctx, ids[0])
		if err != nil {
			t.Fatalf("Assign (repeat %d) failed: %v", i, err)
		}
		if again != first {
			t.Errorf("repeat assignment changed: %v -> %v", first, again)
		}
	}

	tallies, err := a.Tallies(ctx)
	if err != nil {
		t.Fatalf("Tallies failed: %v", err)
	}
	total := 0
	for _, n := range tallies {
		total += n
	}
	if total != 1 {
		t.Errorf("tally total = %d after repeats, want 1", total)
	}
}

func TestAssignTieBreakIsDeterministic(t *testing.T) {
	t.Parallel()
	a, repo := newTestAssignor(t)
	ctx := context.Background()
	conds := domain.AllConditions()

	ids := createSessions(t, repo, len(conds))
	for i, id := range ids {
		c, err := a.Assign(ctx, id)
		if err != nil {
			t.Fatalf("Assign(%s) failed: %v", id, err)
		}
		if c != conds[i] {
			t.Errorf("assignment %d = %v, want enumeration order %v", i, c, conds[i])
		}
	}
}

func TestAssignConcurrentStaysBalanced(t *testing.T) {
	t.Parallel()
	a, repo := newTestAssignor(t)
	ctx := context.Background()
	conds := domain.AllConditions()

	n := 2 * len(conds)
	ids := createSessions(t, repo, n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := a.Assign(ctx, id); err != nil {
				errs <- fmt.Errorf("Assign(%s): %w", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	tallies, err := a.Tallies(ctx)
	if err != nil {
		t.Fatalf("Tallies failed: %v", err)
	}
	min, max := n, 0
	for _, c := range conds {
		count := tallies[c.Key()]
		if count < min {
			min = count
		}
		if count > max {
			max = count
		}
	}
	if max-min > 1 {
		t.Errorf("tallies spread %d..%d, want max-min <= 1", min, max)
	}
}

func TestAssignUnknownSession(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssignor(t)

	if _, err := a.Assign(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
}
