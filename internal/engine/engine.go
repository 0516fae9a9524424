package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
	"reviewline/internal/review"
)

// Engine is the command handler and query service over the event store.
// Commands append exactly one event on success and none on any failure path.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		NewID:  func() string { return uuid.New().String() },
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.New().String()
}

// IdempotencyKey derives the publish workflow key from the review identity.
// Deterministic: duplicate publish triggers for one review share one key.
func IdempotencyKey(reviewID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("reviewline:publish:"+reviewID)).String()
}

// load folds the review's stream and enforces the caller guards shared by
// every non-start command and query.
func (e Engine) load(ctx context.Context, reviewID, callerID string) (review.Snapshot, error) {
	evts, err := e.Repo.LoadStream(ctx, reviewID)
	if err != nil {
		return review.Snapshot{}, queryErr(err)
	}
	if len(evts) == 0 {
		return review.Snapshot{}, ErrNotStarted
	}
	s, err := review.Fold(evts)
	if err != nil {
		return review.Snapshot{}, queryErr(err)
	}
	if s.AuthorID != callerID {
		return review.Snapshot{}, ErrStartedByAnotherUser
	}
	return s, nil
}

func guardMutable(s review.Snapshot) error {
	switch s.State {
	case domain.StatePublished:
		return ErrPublished
	case domain.StateBeingPublished:
		return ErrBeingPublished
	case domain.StateInProgress, domain.StateReadyForPublishing:
		return nil
	case domain.StateNotStarted:
		return ErrNotStarted
	}
	return fmt.Errorf("unknown lifecycle state %s", s.State)
}

// StartReview opens a new review for (author, subject). If the author already
// has an open review for the subject the existing id is returned inside
// AlreadyStartedError so the caller can continue it instead.
func (e Engine) StartReview(ctx context.Context, authorID, subjectID string, subjectType domain.SubjectType) (domain.Review, error) {
	if authorID == "" || subjectID == "" {
		return domain.Review{}, ValidationError{Step: "", Reason: "author and subject are required"}
	}
	switch subjectType {
	case domain.SubjectDataset, domain.SubjectPreprint, domain.SubjectComment:
	default:
		return domain.Review{}, ValidationError{Step: "", Reason: fmt.Sprintf("unknown subject type %q", subjectType)}
	}
	existing, err := e.Repo.FindUnpublished(ctx, authorID, subjectID)
	if err == nil {
		return domain.Review{}, AlreadyStartedError{ReviewID: existing.ID}
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Review{}, queryErr(err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	rv := domain.Review{
		ID:          e.newID(),
		SubjectID:   subjectID,
		SubjectType: subjectType,
		AuthorID:    authorID,
		State:       domain.StateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, commandErr(err)
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, rv.ID, domain.EventReviewStarted, authorID, 0, events.Payload{
		"subject_id":   subjectID,
		"subject_type": subjectType,
		"author_id":    authorID,
	}); err != nil {
		return domain.Review{}, commandErr(err)
	}
	if err := e.Repo.UpsertReviewTx(ctx, tx, rv); err != nil {
		// The partial unique index on (author, subject) backs the read check
		// above against concurrent starts.
		if isUniqueViolation(err) {
			tx.Rollback()
			if existing, ferr := e.Repo.FindUnpublished(ctx, authorID, subjectID); ferr == nil {
				return domain.Review{}, AlreadyStartedError{ReviewID: existing.ID}
			}
		}
		return domain.Review{}, commandErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, commandErr(err)
	}
	return rv, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// AnswerQuestion records one structured answer and returns the next expected
// step. Re-submitting the same answer converges to the same state and the
// same next step.
func (e Engine) AnswerQuestion(ctx context.Context, reviewID, callerID string, step review.Step, ans domain.Answer) (review.Step, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return "", err
	}
	if err := guardMutable(s); err != nil {
		return "", err
	}
	if err := review.ValidateAnswer(step, ans); err != nil {
		return "", ValidationError{Step: step, Reason: err.Error()}
	}
	if err := e.appendAndIndex(ctx, s, domain.EventQuestionAnswered, callerID, events.Payload{
		"question": step,
		"choice":   ans.Choice,
		"detail":   ans.Detail,
	}, func(next *review.Snapshot) {
		next.Answers[step] = ans
	}); err != nil {
		return "", err
	}
	s.Answers[step] = ans
	return review.NextExpectedStep(s), nil
}

// ChoosePersona records the identity the finished review will carry.
func (e Engine) ChoosePersona(ctx context.Context, reviewID, callerID string, persona domain.Persona) (review.Step, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return "", err
	}
	if err := guardMutable(s); err != nil {
		return "", err
	}
	if persona != domain.PersonaPublic && persona != domain.PersonaPseudonym {
		return "", ValidationError{Step: review.StepChoosePersona, Reason: fmt.Sprintf("unknown persona %q", persona)}
	}
	if err := e.appendAndIndex(ctx, s, domain.EventPersonaChosen, callerID, events.Payload{
		"persona": persona,
	}, func(next *review.Snapshot) {
		next.Persona = persona
		next.PersonaChosen = true
	}); err != nil {
		return "", err
	}
	s.Persona = persona
	s.PersonaChosen = true
	return review.NextExpectedStep(s), nil
}

// DeclareCompetingInterests records the declaration. Details are required
// when interests are declared.
func (e Engine) DeclareCompetingInterests(ctx context.Context, reviewID, callerID string, declared bool, details string) (review.Step, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return "", err
	}
	if err := guardMutable(s); err != nil {
		return "", err
	}
	if declared && details == "" {
		return "", ValidationError{Step: review.StepCompetingInterests, Reason: "details are required when interests are declared"}
	}
	ci := domain.CompetingInterests{Declared: declared, Details: details}
	if err := e.appendAndIndex(ctx, s, domain.EventCompetingInterestsDeclared, callerID, events.Payload{
		"declared": declared,
		"details":  details,
	}, func(next *review.Snapshot) {
		next.CompetingInterests = &ci
	}); err != nil {
		return "", err
	}
	s.CompetingInterests = &ci
	return review.NextExpectedStep(s), nil
}

// AgreeToCodeOfConduct records agreement. Agreement cannot be declined; the
// step stays pending until the author agrees.
func (e Engine) AgreeToCodeOfConduct(ctx context.Context, reviewID, callerID string, agreed bool) (review.Step, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return "", err
	}
	if err := guardMutable(s); err != nil {
		return "", err
	}
	if !agreed {
		return "", ValidationError{Step: review.StepCodeOfConduct, Reason: "agreement is required"}
	}
	if err := e.appendAndIndex(ctx, s, domain.EventCodeOfConductAgreed, callerID, events.Payload{}, func(next *review.Snapshot) {
		next.CodeOfConductAgreed = true
	}); err != nil {
		return "", err
	}
	s.CodeOfConductAgreed = true
	return review.NextExpectedStep(s), nil
}

// RequestPublication flips a complete review to being-published and schedules
// the publish workflow. The execution insert is keyed by the deterministic
// idempotency key, so a racing duplicate trigger is absorbed.
func (e Engine) RequestPublication(ctx context.Context, reviewID, callerID string) (domain.WorkflowExecution, error) {
	s, err := e.load(ctx, reviewID, callerID)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	if err := guardMutable(s); err != nil {
		return domain.WorkflowExecution{}, err
	}
	if next := review.NextExpectedStep(s); next != review.StepPublish {
		return domain.WorkflowExecution{}, IncompleteError{Missing: next}
	}

	key := IdempotencyKey(reviewID)
	now := e.now().UTC().Format(time.RFC3339)
	ex := domain.WorkflowExecution{
		IdempotencyKey: key,
		WorkflowName:   "publish-review",
		ReviewID:       reviewID,
		PayloadJSON:    fmt.Sprintf(`{"review_id":%q}`, reviewID),
		Status:         domain.WorkflowPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowExecution{}, commandErr(err)
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, reviewID, domain.EventPublicationRequested, callerID, s.Version, events.Payload{
		"idempotency_key": key,
	}); err != nil {
		if errors.Is(err, events.ErrVersionConflict) {
			// A racing duplicate trigger got there first.
			return domain.WorkflowExecution{}, ErrBeingPublished
		}
		return domain.WorkflowExecution{}, commandErr(err)
	}
	if err := e.Repo.InsertExecutionTx(ctx, tx, ex); err != nil {
		return domain.WorkflowExecution{}, commandErr(err)
	}
	if err := e.Repo.UpsertReviewTx(ctx, tx, domain.Review{
		ID: reviewID, SubjectID: s.SubjectID, SubjectType: s.SubjectType, AuthorID: s.AuthorID,
		State: domain.StateBeingPublished, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return domain.WorkflowExecution{}, commandErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowExecution{}, commandErr(err)
	}
	return ex, nil
}

// appendAndIndex appends one mutation event and refreshes the index row in
// the same transaction. mutate applies the event to a copy of the snapshot so
// the stored state reflects the post-command view.
func (e Engine) appendAndIndex(ctx context.Context, s review.Snapshot, evtType, actorID string, payload events.Payload, mutate func(*review.Snapshot)) error {
	next := s
	next.Answers = make(map[review.Step]domain.Answer, len(s.Answers)+1)
	for k, v := range s.Answers {
		next.Answers[k] = v
	}
	mutate(&next)
	state := domain.StateInProgress
	if review.NextExpectedStep(next) == review.StepPublish {
		state = domain.StateReadyForPublishing
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return commandErr(err)
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, s.ID, evtType, actorID, s.Version, payload); err != nil {
		return commandErr(err)
	}
	if err := e.Repo.UpsertReviewTx(ctx, tx, domain.Review{
		ID: s.ID, SubjectID: s.SubjectID, SubjectType: s.SubjectType, AuthorID: s.AuthorID,
		State: state, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return commandErr(err)
	}
	if err := tx.Commit(); err != nil {
		return commandErr(err)
	}
	return nil
}
