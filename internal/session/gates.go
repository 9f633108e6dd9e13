package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/stancelab/internal/domain"
)

// Questionnaire sizes. Submissions must answer every item.
const (
	valueSurveyItems    = 10
	personalValueItems  = 10
	attitudeSurveyItems = 6

	minFreeTextWords = 50
	minRatingValue   = 1
	maxRatingValue   = 7
)

// Step payload shapes. Every field a gate checks is a pointer or slice so
// "absent" and "zero" stay distinguishable.

type ConsentPayload struct {
	Consented bool `json:"consented"`
}

type DemographicsPayload struct {
	Age       *int   `json:"age"`
	Gender    string `json:"gender"`
	Education string `json:"education"`
	Language  string `json:"language"`
}

type SurveyPayload struct {
	Responses []int `json:"responses"`
}

type BriefingPayload struct {
	Acknowledged bool `json:"acknowledged"`
}

type AssessmentPayload struct {
	Importance *int `json:"importance"`
	Agreement  *int `json:"agreement"`
}

type FreeTextPayload struct {
	Text string `json:"text"`
}

type StanceAgreementPayload struct {
	AssignedStance  *int `json:"assigned_stance"`
	CompetingStance *int `json:"competing_stance"`
}

type GenerativePayload struct {
	Ideas []string `json:"ideas"`
}

// gate is the completeness predicate a step's submitted data must satisfy
// before the session may advance. Gates are pure over (session, payload) and
// never mutate either.
type gate func(sess *domain.Session, payload json.RawMessage) error

func incomplete(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrIncompleteSubmission, fmt.Sprintf(format, args...))
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, incomplete("missing payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, incomplete("malformed payload: %v", err)
	}
	return v, nil
}

func ratingsComplete(responses []int, want int) error {
	if len(responses) != want {
		return incomplete("expected %d responses, got %d", want, len(responses))
	}
	for i, r := range responses {
		if r < minRatingValue || r > maxRatingValue {
			return incomplete("response %d out of range: %d", i+1, r)
		}
	}
	return nil
}

var stepGates = map[domain.Step]gate{
	domain.StepConsent: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[ConsentPayload](payload)
		if err != nil {
			return err
		}
		if !p.Consented {
			return incomplete("consent not given")
		}
		return nil
	},

	// The bot and attention checks are resolved through integrity signals;
	// their gates only confirm the recorded verdict.
	domain.StepBotCheck: func(sess *domain.Session, _ json.RawMessage) error {
		if !sess.BotCheckPassed {
			return incomplete("bot check not passed")
		}
		return nil
	},
	domain.StepAttentionCheck: func(sess *domain.Session, _ json.RawMessage) error {
		if !sess.AttentionPassed {
			return incomplete("attention check not passed")
		}
		return nil
	},

	domain.StepDemographics: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[DemographicsPayload](payload)
		if err != nil {
			return err
		}
		if p.Age == nil || *p.Age <= 0 {
			return incomplete("age not answered")
		}
		if p.Gender == "" || p.Education == "" || p.Language == "" {
			return incomplete("all demographic questions must be answered")
		}
		return nil
	},

	domain.StepValueSurvey: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[SurveyPayload](payload)
		if err != nil {
			return err
		}
		return ratingsComplete(p.Responses, valueSurveyItems)
	},
	domain.StepPersonalValues: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[SurveyPayload](payload)
		if err != nil {
			return err
		}
		return ratingsComplete(p.Responses, personalValueItems)
	},

	domain.StepTaskBriefing: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[BriefingPayload](payload)
		if err != nil {
			return err
		}
		if !p.Acknowledged {
			return incomplete("briefing not acknowledged")
		}
		return nil
	},

	domain.StepInitialAssessment: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[AssessmentPayload](payload)
		if err != nil {
			return err
		}
		if p.Importance == nil || p.Agreement == nil {
			return incomplete("both assessment values must be answered")
		}
		return nil
	},

	// Leaving the chat step is always allowed, explicitly or on budget
	// expiry, even mid-turn.
	domain.StepChat: func(_ *domain.Session, _ json.RawMessage) error {
		return nil
	},

	domain.StepFinalFreeText: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[FreeTextPayload](payload)
		if err != nil {
			return err
		}
		if words := len(strings.Fields(p.Text)); words < minFreeTextWords {
			return incomplete("response too short: %d of %d words", words, minFreeTextWords)
		}
		return nil
	},

	domain.StepAttitudeSurvey: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[SurveyPayload](payload)
		if err != nil {
			return err
		}
		return ratingsComplete(p.Responses, attitudeSurveyItems)
	},

	domain.StepStanceAgreement: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[StanceAgreementPayload](payload)
		if err != nil {
			return err
		}
		if p.AssignedStance == nil || p.CompetingStance == nil {
			return incomplete("both agreement values must be answered")
		}
		return nil
	},

	domain.StepGenerativeTask: func(_ *domain.Session, payload json.RawMessage) error {
		p, err := decode[GenerativePayload](payload)
		if err != nil {
			return err
		}
		return generativeIdeasComplete(p.Ideas)
	},
}

func generativeIdeasComplete(ideas []string) error {
	submitted := 0
	for _, idea := range ideas {
		if strings.TrimSpace(idea) != "" {
			submitted++
		}
	}
	if submitted == 0 {
		return incomplete("at least one idea is required")
	}
	return nil
}
