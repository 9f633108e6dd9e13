package domain

// Step names one stage of the experiment sequence.
type Step string

const (
	StepConsent           Step = "consent"
	StepBotCheck          Step = "bot-check"
	StepAttentionCheck    Step = "attention-check"
	StepDemographics      Step = "demographics"
	StepValueSurvey       Step = "value-survey"
	StepPersonalValues    Step = "personal-values-survey"
	StepTaskBriefing      Step = "task-briefing"
	StepInitialAssessment Step = "initial-assessment"
	StepChat              Step = "chat"
	StepFinalFreeText     Step = "final-free-text"
	StepAttitudeSurvey    Step = "attitude-survey"
	StepStanceAgreement   Step = "stance-agreement"
	StepGenerativeTask    Step = "generative-task"
	StepCompleted         Step = "completed"
)

// SurveyOrder fixes which of the two value-survey variants appears in the
// first slot. Decided uniformly at random at session creation and persisted;
// never re-derived.
type SurveyOrder string

const (
	SurveyOrderValueFirst    SurveyOrder = "value-first"
	SurveyOrderPersonalFirst SurveyOrder = "personal-first"
)

// Valid reports whether the order holds an enumerated value.
func (o SurveyOrder) Valid() bool {
	return o == SurveyOrderValueFirst || o == SurveyOrderPersonalFirst
}

// StepsFor returns the ordered step sequence for a session with the given
// survey ordering. The final element is always StepCompleted.
func StepsFor(order SurveyOrder) []Step {
	first, second := StepValueSurvey, StepPersonalValues
	if order == SurveyOrderPersonalFirst {
		first, second = second, first
	}
	return []Step{
		StepConsent,
		StepBotCheck,
		StepAttentionCheck,
		StepDemographics,
		first,
		StepTaskBriefing,
		StepInitialAssessment,
		StepChat,
		StepFinalFreeText,
		second,
		StepAttitudeSurvey,
		StepStanceAgreement,
		StepGenerativeTask,
		StepCompleted,
	}
}

// IsCritical reports whether leaving the page during this step terminates
// the session.
func (s Step) IsCritical() bool {
	switch s {
	case StepChat, StepFinalFreeText, StepGenerativeTask:
		return true
	default:
		return false
	}
}

// IsQuestionnaire reports whether the step's payload is stored in the
// per-step questionnaire map.
func (s Step) IsQuestionnaire() bool {
	switch s {
	case StepConsent, StepDemographics, StepValueSurvey, StepPersonalValues,
		StepTaskBriefing, StepInitialAssessment, StepFinalFreeText,
		StepAttitudeSurvey, StepStanceAgreement, StepGenerativeTask:
		return true
	default:
		return false
	}
}

func (s Step) String() string {
	return string(s)
}
