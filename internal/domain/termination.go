package domain

import "time"

// TerminationReason classifies why a session was terminated for a protocol
// violation.
type TerminationReason string

const (
	ReasonAutomationDetected   TerminationReason = "automation_detected"
	ReasonAttentionCheckFailed TerminationReason = "attention_check_failed"
	ReasonVisibilityViolation  TerminationReason = "visibility_violation"
)

// TerminationEvent records a protocol violation. Once recorded the session
// is in the absorbing Terminated state and no further step payloads may be
// persisted for it.
type TerminationEvent struct {
	Reason    TerminationReason `json:"reason"`
	AtStep    int               `json:"at_step"`
	Timestamp time.Time         `json:"timestamp"`
}
