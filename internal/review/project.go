package review

import (
	"encoding/json"
	"fmt"

	"reviewline/internal/domain"
)

// Snapshot is the projected state of one review stream. All reads of current
// state derive from a fold over the stream; nothing is cached between calls.
type Snapshot struct {
	ID                  string
	SubjectID           string
	SubjectType         domain.SubjectType
	AuthorID            string
	Answers             map[Step]domain.Answer
	Persona             domain.Persona
	PersonaChosen       bool
	CompetingInterests  *domain.CompetingInterests
	CodeOfConductAgreed bool
	State               domain.State
	Artifact            *domain.PublishedArtifact
	IdempotencyKey      string
	Version             int64
}

// StartedPayload is the payload of review.started.
type StartedPayload struct {
	SubjectID   string             `json:"subject_id"`
	SubjectType domain.SubjectType `json:"subject_type"`
	AuthorID    string             `json:"author_id"`
}

// AnsweredPayload is the payload of review.question.answered.
type AnsweredPayload struct {
	Question Step   `json:"question"`
	Choice   string `json:"choice,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// PersonaPayload is the payload of review.persona.chosen.
type PersonaPayload struct {
	Persona domain.Persona `json:"persona"`
}

// InterestsPayload is the payload of review.competing_interests.declared.
type InterestsPayload struct {
	Declared bool   `json:"declared"`
	Details  string `json:"details,omitempty"`
}

// RequestedPayload is the payload of review.publication.requested.
type RequestedPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// PublishedPayload is the payload of review.published.
type PublishedPayload struct {
	DOI      string `json:"doi"`
	RecordID string `json:"record_id"`
}

// Fold replays a review's stream into its current snapshot. An empty stream
// folds to the NotStarted state.
func Fold(evts []domain.Event) (Snapshot, error) {
	s := Snapshot{
		State:   domain.StateNotStarted,
		Answers: map[Step]domain.Answer{},
	}
	for _, evt := range evts {
		if err := apply(&s, evt); err != nil {
			return Snapshot{}, fmt.Errorf("apply %s v%d: %w", evt.Type, evt.Version, err)
		}
		s.Version = evt.Version
	}
	if s.State == domain.StateInProgress && NextExpectedStep(s) == StepPublish {
		s.State = domain.StateReadyForPublishing
	}
	return s, nil
}

func apply(s *Snapshot, evt domain.Event) error {
	switch evt.Type {
	case domain.EventReviewStarted:
		var p StartedPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.ID = evt.ReviewID
		s.SubjectID = p.SubjectID
		s.SubjectType = p.SubjectType
		s.AuthorID = p.AuthorID
		s.State = domain.StateInProgress
	case domain.EventQuestionAnswered:
		var p AnsweredPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.Answers[p.Question] = domain.Answer{Choice: p.Choice, Detail: p.Detail}
	case domain.EventPersonaChosen:
		var p PersonaPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.Persona = p.Persona
		s.PersonaChosen = true
	case domain.EventCompetingInterestsDeclared:
		var p InterestsPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.CompetingInterests = &domain.CompetingInterests{Declared: p.Declared, Details: p.Details}
	case domain.EventCodeOfConductAgreed:
		s.CodeOfConductAgreed = true
	case domain.EventPublicationRequested:
		var p RequestedPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.IdempotencyKey = p.IdempotencyKey
		s.State = domain.StateBeingPublished
	case domain.EventReviewPublished:
		var p PublishedPayload
		if err := json.Unmarshal([]byte(evt.Payload), &p); err != nil {
			return err
		}
		s.Artifact = &domain.PublishedArtifact{DOI: p.DOI, RecordID: p.RecordID}
		s.State = domain.StatePublished
	default:
		return fmt.Errorf("unknown event type %s", evt.Type)
	}
	return nil
}

// Mutable reports whether answers may still change in the given state.
func Mutable(state domain.State) bool {
	return state == domain.StateInProgress || state == domain.StateReadyForPublishing
}
