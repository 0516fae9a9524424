package engine

import (
	"context"

	"reviewline/internal/domain"
	"reviewline/internal/review"
)

// StepAnswer is the uniform prefill view of one step for the GET handlers.
type StepAnswer struct {
	Step     review.Step `json:"step"`
	Answered bool        `json:"answered"`
	Choice   string      `json:"choice,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// ReviewStatus is the projected status view used by the polling route.
type ReviewStatus struct {
	ID               string                    `json:"id"`
	SubjectID        string                    `json:"subject_id"`
	SubjectType      domain.SubjectType        `json:"subject_type"`
	State            domain.State              `json:"state"`
	NextExpectedStep review.Step               `json:"next_expected_step"`
	Artifact         *domain.PublishedArtifact `json:"artifact,omitempty"`
}

// CheckStep returns the stored answer for a step, or the same guard failure
// the command handler would produce, so forms can be pre-filled or redirected
// before the author submits anything. Side-effect free.
func (e Engine) CheckStep(ctx context.Context, reviewID, callerID string, step review.Step) (StepAnswer, error) {
	if !review.KnownStep(step) || step == review.StepPublish {
		return StepAnswer{}, ValidationError{Step: step, Reason: "unknown step"}
	}
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return StepAnswer{}, err
	}
	if err := guardMutable(s); err != nil {
		return StepAnswer{}, err
	}
	out := StepAnswer{Step: step}
	switch step {
	case review.StepChoosePersona:
		if s.PersonaChosen {
			out.Answered = true
			out.Choice = string(s.Persona)
		}
	case review.StepCompetingInterests:
		if s.CompetingInterests != nil {
			out.Answered = true
			out.Choice = "no"
			if s.CompetingInterests.Declared {
				out.Choice = "yes"
			}
			out.Detail = s.CompetingInterests.Details
		}
	case review.StepCodeOfConduct:
		if s.CodeOfConductAgreed {
			out.Answered = true
			out.Choice = "yes"
		}
	default:
		if a, ok := s.Answers[step]; ok {
			out.Answered = true
			out.Choice = a.Choice
			out.Detail = a.Detail
		}
	}
	return out, nil
}

// NextExpectedStep applies the resolver to the loaded aggregate. Used after
// every successful mutation to compute the redirect target.
func (e Engine) NextExpectedStep(ctx context.Context, reviewID, callerID string) (review.Step, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return "", err
	}
	return review.NextExpectedStep(s), nil
}

// GetReview returns the status view. Published reviews are visible to anyone;
// unpublished reviews only to their author.
func (e Engine) GetReview(ctx context.Context, reviewID, callerID string) (ReviewStatus, error) {
	evts, err := e.Repo.LoadStream(ctx, reviewID)
	if err != nil {
		return ReviewStatus{}, queryErr(err)
	}
	if len(evts) == 0 {
		return ReviewStatus{}, ErrNotStarted
	}
	s, err := review.Fold(evts)
	if err != nil {
		return ReviewStatus{}, queryErr(err)
	}
	if s.State != domain.StatePublished && s.AuthorID != callerID {
		return ReviewStatus{}, ErrStartedByAnotherUser
	}
	return ReviewStatus{
		ID:               s.ID,
		SubjectID:        s.SubjectID,
		SubjectType:      s.SubjectType,
		State:            s.State,
		NextExpectedStep: review.NextExpectedStep(s),
		Artifact:         s.Artifact,
	}, nil
}

// ListReviews returns the author's index rows, newest first.
func (e Engine) ListReviews(ctx context.Context, authorID string) ([]domain.Review, error) {
	res, err := e.Repo.ListReviews(ctx, authorID)
	if err != nil {
		return nil, queryErr(err)
	}
	return res, nil
}

// TailEvents returns events across all streams after the cursor, for the
// operator log surfaces.
func (e Engine) TailEvents(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	res, err := e.Repo.EventsAfter(ctx, limit, cursor)
	if err != nil {
		return nil, queryErr(err)
	}
	return res, nil
}
