package domain

import "errors"

// Error taxonomy for the session core. Callers classify with errors.Is;
// wrapping preserves the underlying cause.
var (
	// ErrIncompleteSubmission means the step's gate predicate rejected the
	// payload. Recoverable: the caller resubmits.
	ErrIncompleteSubmission = errors.New("incomplete submission")

	// ErrSessionTerminated means a protocol violation has been recorded.
	// Fatal for the session; every subsequent operation short-circuits to it.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrSessionComplete means the session already reached the Completed
	// state and accepts no further submissions.
	ErrSessionComplete = errors.New("session complete")

	// ErrSessionNotFound means no session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAssignmentUnavailable means storage was unreachable during
	// condition assignment. Recoverable: the caller retries.
	ErrAssignmentUnavailable = errors.New("condition assignment unavailable")

	// ErrGenerationFailed means the language-model collaborator failed.
	// The user turn stays persisted; the caller may retry.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrBudgetExpired means the chat or generative-task timer elapsed.
	// Not a failure: the caller proceeds to the next step.
	ErrBudgetExpired = errors.New("budget expired")

	// ErrUnknownStance means the stance value is not in the enumerated set.
	// Fatal misconfiguration, never participant-recoverable.
	ErrUnknownStance = errors.New("unknown stance")

	// ErrUnknownCondition means the condition tuple is not in the enumerated
	// set. Fatal misconfiguration.
	ErrUnknownCondition = errors.New("unknown condition")
)
