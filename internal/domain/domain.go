package domain

// State is the closed set of lifecycle phases a review passes through.
type State string

const (
	StateNotStarted         State = "not_started"
	StateInProgress         State = "in_progress"
	StateReadyForPublishing State = "ready_for_publishing"
	StateBeingPublished     State = "being_published"
	StatePublished          State = "published"
)

// SubjectType identifies what kind of work a review targets.
type SubjectType string

const (
	SubjectDataset  SubjectType = "dataset"
	SubjectPreprint SubjectType = "preprint"
	SubjectComment  SubjectType = "comment"
)

// Persona is the identity under which a finished review is published.
type Persona string

const (
	PersonaPublic    Persona = "public"
	PersonaPseudonym Persona = "pseudonym"
)

// Answer is one recorded response: an enumerated choice plus an optional
// free-text detail. Free-text-only steps leave Choice empty.
type Answer struct {
	Choice string `json:"choice,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// CompetingInterests records the declaration step. Details is required when
// Declared is true.
type CompetingInterests struct {
	Declared bool   `json:"declared"`
	Details  string `json:"details,omitempty"`
}

// PublishedArtifact is the external identity minted for a published review.
type PublishedArtifact struct {
	DOI      string `json:"doi"`
	RecordID string `json:"record_id"`
}

// Review is the index row kept alongside the event stream. It exists for
// uniqueness checks and listings; authoritative state is folded from events.
type Review struct {
	ID          string      `json:"id"`
	SubjectID   string      `json:"subject_id"`
	SubjectType SubjectType `json:"subject_type"`
	AuthorID    string      `json:"author_id"`
	State       State       `json:"state" enum:"in_progress,ready_for_publishing,being_published,published"`
	DOI         string      `json:"doi,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

// Event is one stored entry of a review's append-only stream. Version is
// contiguous per review starting at 1.
type Event struct {
	ID       int64  `json:"id"`
	ReviewID string `json:"review_id"`
	Version  int64  `json:"version"`
	Type     string `json:"type"`
	ActorID  string `json:"actor_id"`
	TS       string `json:"ts" format:"date-time"`
	Payload  string `json:"payload_json"`
}

// Event types appended by the command handler and the publish workflow.
const (
	EventReviewStarted              = "review.started"
	EventQuestionAnswered           = "review.question.answered"
	EventPersonaChosen              = "review.persona.chosen"
	EventCompetingInterestsDeclared = "review.competing_interests.declared"
	EventCodeOfConductAgreed        = "review.code_of_conduct.agreed"
	EventPublicationRequested       = "review.publication.requested"
	EventReviewPublished            = "review.published"
)

// WorkflowStatus is the closed set of execution phases.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowExecution is one durable publish attempt. The idempotency key is
// derived from the review id, so duplicate triggers share a single row.
type WorkflowExecution struct {
	IdempotencyKey string         `json:"idempotency_key"`
	WorkflowName   string         `json:"workflow_name"`
	ReviewID       string         `json:"review_id"`
	PayloadJSON    string         `json:"payload_json"`
	Status         WorkflowStatus `json:"status" enum:"pending,running,succeeded,failed"`
	Attempts       int            `json:"attempts"`
	ResultsJSON    string         `json:"activity_results_json,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}
