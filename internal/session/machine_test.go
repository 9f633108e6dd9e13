package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/stancelab/internal/assign"
	"github.com/ashureev/stancelab/internal/chat"
	"github.com/ashureev/stancelab/internal/domain"
	"github.com/ashureev/stancelab/internal/llm"
	"github.com/ashureev/stancelab/internal/store"
)

type staticGenerator struct {
	reply string
}

func (g staticGenerator) Generate(context.Context, domain.Backend, []llm.Turn) (string, error) {
	return g.reply, nil
}

// fixture wires a full machine over a real database with a controllable
// clock.
type fixture struct {
	machine *Machine
	engine  *chat.Engine
	repo    store.Repository
	clock   time.Time
}

func (f *fixture) now() time.Time { return f.clock }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	assignor, err := assign.New(repo, domain.AllConditions())
	if err != nil {
		t.Fatalf("assign.New failed: %v", err)
	}

	f := &fixture{
		repo:  repo,
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = chat.NewEngine(repo, staticGenerator{reply: "a careful reply"},
		5*time.Minute, nil, chat.WithClock(f.now))
	f.machine = NewMachine(repo, assignor, f.engine, nil, 2*time.Minute,
		WithClock(f.now), WithRand(func(int) int { return 0 }))
	return f
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func intp(n int) *int { return &n }

func passChecks(t *testing.T, f *fixture, sessionID string) {
	t.Helper()
	ctx := context.Background()
	sess, err := f.machine.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	sess.BotCheckPassed = true
	sess.AttentionPassed = true
	if err := f.repo.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}
}

func longFreeText() string {
	return strings.Repeat("a thoughtful sentence about values and choices ", 10)
}

// advanceTo walks a fresh session up to (but not past) the target step.
func advanceTo(t *testing.T, f *fixture, sessionID string, target domain.Step) *domain.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := f.machine.CreateSession(ctx, sessionID, "P1", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	passChecks(t, f, sessionID)

	payloads := map[domain.Step]json.RawMessage{
		domain.StepConsent:        mustJSON(t, ConsentPayload{Consented: true}),
		domain.StepBotCheck:       nil,
		domain.StepAttentionCheck: nil,
		domain.StepDemographics: mustJSON(t, DemographicsPayload{
			Age: intp(30), Gender: "female", Education: "masters", Language: "en",
		}),
		domain.StepValueSurvey:    mustJSON(t, SurveyPayload{Responses: []int{4, 4, 4, 4, 4, 4, 4, 4, 4, 4}}),
		domain.StepPersonalValues: mustJSON(t, SurveyPayload{Responses: []int{5, 5, 5, 5, 5, 5, 5, 5, 5, 5}}),
		domain.StepTaskBriefing:   mustJSON(t, BriefingPayload{Acknowledged: true}),
		domain.StepInitialAssessment: mustJSON(t, AssessmentPayload{
			Importance: intp(6), Agreement: intp(5),
		}),
		domain.StepChat:          nil,
		domain.StepFinalFreeText: mustJSON(t, FreeTextPayload{Text: longFreeText()}),
		domain.StepAttitudeSurvey: mustJSON(t, SurveyPayload{
			Responses: []int{3, 3, 3, 3, 3, 3},
		}),
		domain.StepStanceAgreement: mustJSON(t, StanceAgreementPayload{
			AssignedStance: intp(6), CompetingStance: intp(3),
		}),
		domain.StepGenerativeTask: mustJSON(t, GenerativePayload{Ideas: []string{"write a letter"}}),
	}

	for sess.CurrentStep() != target && sess.CurrentStep() != domain.StepCompleted {
		step := sess.CurrentStep()
		sess, err = f.machine.Advance(ctx, sessionID, step, payloads[step])
		if err != nil {
			t.Fatalf("Advance from %s failed: %v", step, err)
		}
	}
	return sess
}

func TestCreateSessionIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.machine.CreateSession(ctx, "s1", "P1", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if first.CurrentStep() != domain.StepConsent {
		t.Errorf("new session step = %s, want consent", first.CurrentStep())
	}
	if !first.SurveyOrder.Valid() {
		t.Errorf("invalid survey order %q", first.SurveyOrder)
	}

	again, err := f.machine.CreateSession(ctx, "s1", "P1", false)
	if err != nil {
		t.Fatalf("CreateSession (repeat) failed: %v", err)
	}
	if again.SurveyOrder != first.SurveyOrder || again.BotChallenge != first.BotChallenge {
		t.Error("repeated creation re-derived the randomized parameters")
	}
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.machine.CreateSession(ctx, "s1", "", false); !errors.Is(err, domain.ErrIncompleteSubmission) {
		t.Errorf("error = %v, want ErrIncompleteSubmission", err)
	}
	if _, err := f.machine.CreateSession(ctx, "s1", "", true); err != nil {
		t.Errorf("dev-test creation failed: %v", err)
	}
}

func TestFullWalkthroughCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "walk", domain.StepCompleted)
	if sess.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}

	// Condition was assigned on chat entry and stays put.
	if sess.Condition.IsZero() {
		t.Fatal("no condition assigned")
	}
	reloaded, err := f.machine.GetSession(ctx, "walk")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if reloaded.Condition != sess.Condition {
		t.Errorf("condition changed across reload: %v -> %v", sess.Condition, reloaded.Condition)
	}

	// Chat entry seeded the greeting.
	msgs, err := f.repo.Messages(ctx, "walk")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(msgs) == 0 || msgs[0].Sender != domain.SenderBot {
		t.Error("expected a seeded bot greeting")
	}

	// Every questionnaire step's payload is on record.
	stored, err := f.repo.StepPayloads(ctx, "walk")
	if err != nil {
		t.Fatalf("StepPayloads failed: %v", err)
	}
	for _, step := range domain.StepsFor(sess.SurveyOrder) {
		if step.IsQuestionnaire() {
			if _, ok := stored[step]; !ok {
				t.Errorf("no stored payload for %s", step)
			}
		}
	}

	// The completed state is absorbing.
	if _, err := f.machine.Advance(ctx, "walk", domain.StepGenerativeTask, nil); !errors.Is(err, domain.ErrSessionComplete) {
		t.Errorf("post-completion error = %v, want ErrSessionComplete", err)
	}
}

func TestAdvanceGateFailureMutatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "s1", domain.StepDemographics)
	before := sess.StepIndex

	bad := mustJSON(t, DemographicsPayload{Gender: "male"})
	if _, err := f.machine.Advance(ctx, "s1", domain.StepDemographics, bad); !errors.Is(err, domain.ErrIncompleteSubmission) {
		t.Fatalf("error = %v, want ErrIncompleteSubmission", err)
	}

	reloaded, err := f.machine.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if reloaded.StepIndex != before {
		t.Errorf("step index moved on gate failure: %d -> %d", before, reloaded.StepIndex)
	}
	payload, err := f.repo.GetStepPayload(ctx, "s1", domain.StepDemographics)
	if err != nil {
		t.Fatalf("GetStepPayload failed: %v", err)
	}
	if payload != nil {
		t.Error("rejected payload was persisted")
	}

	// A corrected resubmission goes through.
	good := mustJSON(t, DemographicsPayload{Age: intp(40), Gender: "male", Education: "phd", Language: "de"})
	if _, err := f.machine.Advance(ctx, "s1", domain.StepDemographics, good); err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}
}

func TestAdvanceRejectsWrongStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	advanceTo(t, f, "s1", domain.StepDemographics)
	payload := mustJSON(t, SurveyPayload{Responses: []int{4, 4, 4, 4, 4, 4, 4, 4, 4, 4}})
	if _, err := f.machine.Advance(ctx, "s1", domain.StepValueSurvey, payload); !errors.Is(err, domain.ErrIncompleteSubmission) {
		t.Errorf("error = %v, want ErrIncompleteSubmission", err)
	}
}

func TestAdvanceAfterTermination(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	advanceTo(t, f, "s1", domain.StepDemographics)
	ev := domain.TerminationEvent{
		Reason:    domain.ReasonVisibilityViolation,
		AtStep:    3,
		Timestamp: f.clock,
	}
	if _, err := f.repo.RecordTermination(ctx, "s1", ev); err != nil {
		t.Fatalf("RecordTermination failed: %v", err)
	}

	payload := mustJSON(t, DemographicsPayload{Age: intp(30), Gender: "female", Education: "bsc", Language: "en"})
	if _, err := f.machine.Advance(ctx, "s1", domain.StepDemographics, payload); !errors.Is(err, domain.ErrSessionTerminated) {
		t.Errorf("error = %v, want ErrSessionTerminated", err)
	}
}

func TestSurveySlotsFollowPersistedOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// intN always 1: personal-first ordering.
	f.machine.intN = func(int) int { return 1 }

	sess, err := f.machine.CreateSession(context.Background(), "s2", "P2", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.SurveyOrder != domain.SurveyOrderPersonalFirst {
		t.Fatalf("survey order = %q, want personal-first", sess.SurveyOrder)
	}
	steps := domain.StepsFor(sess.SurveyOrder)
	if steps[4] != domain.StepPersonalValues {
		t.Errorf("first survey slot = %s, want personal-values-survey", steps[4])
	}
	if steps[9] != domain.StepValueSurvey {
		t.Errorf("second survey slot = %s, want value-survey", steps[9])
	}
}

func TestForceLeaveChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "s1", domain.StepChat)
	if err := f.machine.ForceLeaveChat(ctx, sess); err != nil {
		t.Fatalf("ForceLeaveChat failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepFinalFreeText {
		t.Errorf("step after forced exit = %s, want final-free-text", sess.CurrentStep())
	}

	// Calling again off the chat step is a no-op.
	if err := f.machine.ForceLeaveChat(ctx, sess); err != nil {
		t.Fatalf("ForceLeaveChat (repeat) failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepFinalFreeText {
		t.Errorf("repeat moved the session to %s", sess.CurrentStep())
	}
}

func TestSaveGenerativeDraftAndExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "s1", domain.StepGenerativeTask)
	if sess.GenTaskStartedAt == nil {
		t.Fatal("GenTaskStartedAt not set on step entry")
	}

	draft := mustJSON(t, GenerativePayload{Ideas: []string{"volunteer abroad", ""}})
	if err := f.machine.SaveGenerativeDraft(ctx, "s1", draft); err != nil {
		t.Fatalf("SaveGenerativeDraft failed: %v", err)
	}

	// Not expired yet: nothing moves.
	if err := f.machine.CompleteExpiredGenTask(ctx, sess); err != nil {
		t.Fatalf("CompleteExpiredGenTask failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepGenerativeTask {
		t.Fatalf("step moved before expiry: %s", sess.CurrentStep())
	}

	f.clock = f.clock.Add(3 * time.Minute)
	if err := f.machine.CompleteExpiredGenTask(ctx, sess); err != nil {
		t.Fatalf("CompleteExpiredGenTask failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepCompleted || sess.Status != domain.StatusCompleted {
		t.Errorf("expired draft with an idea should complete, got step %s status %s",
			sess.CurrentStep(), sess.Status)
	}
}

func TestExpiredGenTaskWithoutIdeasStaysBlocked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "s1", domain.StepGenerativeTask)
	f.clock = f.clock.Add(3 * time.Minute)

	// No draft at all.
	if err := f.machine.CompleteExpiredGenTask(ctx, sess); err != nil {
		t.Fatalf("CompleteExpiredGenTask failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepGenerativeTask {
		t.Fatalf("step moved without ideas: %s", sess.CurrentStep())
	}

	// A draft of only blank ideas does not count.
	blank := mustJSON(t, GenerativePayload{Ideas: []string{"", "   "}})
	if err := f.repo.SaveStepPayload(ctx, "s1", domain.StepGenerativeTask, blank); err != nil {
		t.Fatalf("SaveStepPayload failed: %v", err)
	}
	if err := f.machine.CompleteExpiredGenTask(ctx, sess); err != nil {
		t.Fatalf("CompleteExpiredGenTask failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepGenerativeTask {
		t.Errorf("blank draft advanced the session to %s", sess.CurrentStep())
	}

	// An explicit submission with a real idea still works.
	payload := mustJSON(t, GenerativePayload{Ideas: []string{"start a reading group"}})
	after, err := f.machine.Advance(ctx, "s1", domain.StepGenerativeTask, payload)
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if after.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", after.Status)
	}
}

func TestGenerativeDraftAfterExpiryDoesNotCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sess := advanceTo(t, f, "s1", domain.StepGenerativeTask)
	f.clock = f.clock.Add(3 * time.Minute)

	// A first idea arriving after the window is rejected as a draft.
	late := mustJSON(t, GenerativePayload{Ideas: []string{"learn woodworking"}})
	if err := f.machine.SaveGenerativeDraft(ctx, "s1", late); !errors.Is(err, domain.ErrBudgetExpired) {
		t.Fatalf("late draft error = %v, want ErrBudgetExpired", err)
	}

	// The step stays blocked: no draft landed inside the window.
	if err := f.machine.CompleteExpiredGenTask(ctx, sess); err != nil {
		t.Fatalf("CompleteExpiredGenTask failed: %v", err)
	}
	if sess.CurrentStep() != domain.StepGenerativeTask {
		t.Fatalf("late idea auto-completed the step: %s", sess.CurrentStep())
	}
	reloaded, err := f.machine.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if reloaded.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", reloaded.Status)
	}

	// The explicit submission path still completes it.
	if _, err := f.machine.Advance(ctx, "s1", domain.StepGenerativeTask, late); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	reloaded, err = f.machine.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if reloaded.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", reloaded.Status)
	}
}

func TestSaveGenerativeDraftOutsideStep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	advanceTo(t, f, "s1", domain.StepDemographics)
	draft := mustJSON(t, GenerativePayload{Ideas: []string{"x"}})
	if err := f.machine.SaveGenerativeDraft(ctx, "s1", draft); !errors.Is(err, domain.ErrIncompleteSubmission) {
		t.Errorf("error = %v, want ErrIncompleteSubmission", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.machine.GetSession(context.Background(), "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}
