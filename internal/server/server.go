package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
	"reviewline/internal/review"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"being_published"`
	Message string         `json:"message" example:"review is being published"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Reviewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Reviewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := handlers{engine: cfg.Engine, basePath: basePath, log: log}
	registerHealth(group)
	s.registerReviews(group)
	s.registerSteps(group)
	s.registerPublish(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	engine   engine.Engine
	basePath string
	log      *zap.Logger
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// statusPath is the polling route a lifecycle conflict redirects to.
func (s handlers) statusPath(reviewID string) string {
	return path.Join(s.basePath, "reviews", reviewID)
}

func (s handlers) stepPath(reviewID string, step review.Step) string {
	if step == review.StepPublish {
		return path.Join(s.basePath, "reviews", reviewID, "publish")
	}
	return path.Join(s.basePath, "reviews", reviewID, "steps", string(step))
}

// handleError maps every engine failure kind to a UI outcome. Authorization
// failures share the not-found body so the other author's review stays
// invisible; lifecycle conflicts carry the redirect target in the details.
func (s handlers) handleError(reviewID string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var already engine.AlreadyStartedError
	if errors.As(err, &already) {
		return newAPIError(http.StatusConflict, "already_started", err.Error(), map[string]any{
			"review_id": already.ReviewID,
			"location":  s.statusPath(already.ReviewID),
		})
	}
	var incomplete engine.IncompleteError
	if errors.As(err, &incomplete) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete", err.Error(), map[string]any{
			"missing_step": string(incomplete.Missing),
			"location":     s.stepPath(reviewID, incomplete.Missing),
		})
	}
	var invalid engine.ValidationError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{
			"step": string(invalid.Step),
		})
	}
	switch {
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, engine.ErrStartedByAnotherUser), errors.Is(err, repo.ErrNotFound):
		// Identical body for both: existence of another author's review must
		// not leak.
		return newAPIError(http.StatusNotFound, "not_found", "review not found", nil)
	case errors.Is(err, engine.ErrBeingPublished):
		return newAPIError(http.StatusConflict, "being_published", err.Error(), map[string]any{
			"location": s.statusPath(reviewID),
		})
	case errors.Is(err, engine.ErrPublished):
		return newAPIError(http.StatusConflict, "published", err.Error(), map[string]any{
			"location": s.statusPath(reviewID),
		})
	default:
		s.log.Error("request failed", zap.String("review_id", reviewID), zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "having problems, please try again", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse
	}, error) {
		return &struct {
			Body HealthResponse
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type startReviewInput struct {
	Body StartReviewRequest
}

type startReviewOutput struct {
	Status int
	Body   StartReviewResponse
}

type listReviewsOutput struct {
	Body []domain.Review
}

type reviewPathInput struct {
	ID string `path:"id"`
}

type reviewStatusOutput struct {
	Body engine.ReviewStatus
}

type reviewEventsOutput struct {
	Body []domain.Event
}

func (s handlers) registerReviews(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "start-review",
		Method:      http.MethodPost,
		Path:        "/reviews",
		Summary:     "Start a review",
		Description: "Opens a new review for the caller and subject. If the caller already has an open review for the subject, responds with already_started and its id.",
	}, func(ctx context.Context, in *startReviewInput) (*startReviewOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := s.engine.StartReview(ctx, userID, in.Body.SubjectID, domain.SubjectType(in.Body.SubjectType))
		if err != nil {
			return nil, s.handleError("", err)
		}
		return &startReviewOutput{
			Status: http.StatusCreated,
			Body: StartReviewResponse{
				ReviewID:         rv.ID,
				NextExpectedStep: string(review.StepRateTheQuality),
				NextPath:         s.stepPath(rv.ID, review.StepRateTheQuality),
			},
		}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews",
		Summary:     "List the caller's reviews",
	}, func(ctx context.Context, _ *struct{}) (*listReviewsOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.engine.ListReviews(ctx, userID)
		if err != nil {
			return nil, s.handleError("", err)
		}
		return &listReviewsOutput{Body: items}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}",
		Summary:     "Review status",
		Description: "Polling target for the being-published page; reports the DOI once published.",
	}, func(ctx context.Context, in *reviewPathInput) (*reviewStatusOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := s.engine.GetReview(ctx, in.ID, userID)
		if err != nil {
			return nil, s.handleError(in.ID, err)
		}
		return &reviewStatusOutput{Body: st}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "review-events",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}/events",
		Summary:     "Review event stream",
	}, func(ctx context.Context, in *reviewPathInput) (*reviewEventsOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := s.engine.GetReview(ctx, in.ID, userID); err != nil {
			return nil, s.handleError(in.ID, err)
		}
		evts, err := s.engine.Repo.LoadStream(ctx, in.ID)
		if err != nil {
			return nil, s.handleError(in.ID, err)
		}
		return &reviewEventsOutput{Body: evts}, nil
	})
}

type stepPathInput struct {
	ID   string `path:"id"`
	Step string `path:"step"`
}

type stepAnswerOutput struct {
	Body engine.StepAnswer
}

type answerStepInput struct {
	ID   string `path:"id"`
	Step string `path:"step"`
	Body AnswerStepRequest
}

type nextStepOutput struct {
	Body NextStepResponse
}

func (s handlers) registerSteps(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "check-step",
		Method:      http.MethodGet,
		Path:        "/reviews/{id}/steps/{step}",
		Summary:     "Current answer for a step",
		Description: "Returns the stored answer for form pre-fill, or the guard failure the matching POST would produce.",
	}, func(ctx context.Context, in *stepPathInput) (*stepAnswerOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ans, err := s.engine.CheckStep(ctx, in.ID, userID, review.Step(in.Step))
		if err != nil {
			return nil, s.handleError(in.ID, err)
		}
		return &stepAnswerOutput{Body: ans}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "answer-step",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/steps/{step}",
		Summary:     "Answer a step",
		Description: "Records the answer and returns the next expected step, the redirect target after a successful mutation.",
	}, func(ctx context.Context, in *answerStepInput) (*nextStepOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := s.dispatchStep(ctx, in.ID, userID, review.Step(in.Step), in.Body)
		if err != nil {
			return nil, s.handleError(in.ID, err)
		}
		return &nextStepOutput{Body: NextStepResponse{
			NextExpectedStep: string(next),
			NextPath:         s.stepPath(in.ID, next),
		}}, nil
	})
}

// dispatchStep routes the uniform step form to the matching command.
func (s handlers) dispatchStep(ctx context.Context, reviewID, userID string, step review.Step, body AnswerStepRequest) (review.Step, error) {
	switch step {
	case review.StepChoosePersona:
		return s.engine.ChoosePersona(ctx, reviewID, userID, domain.Persona(body.Choice))
	case review.StepCompetingInterests:
		switch body.Choice {
		case "yes":
			return s.engine.DeclareCompetingInterests(ctx, reviewID, userID, true, body.Detail)
		case "no":
			return s.engine.DeclareCompetingInterests(ctx, reviewID, userID, false, body.Detail)
		default:
			return "", engine.ValidationError{Step: step, Reason: "choice must be yes or no"}
		}
	case review.StepCodeOfConduct:
		return s.engine.AgreeToCodeOfConduct(ctx, reviewID, userID, body.Choice == "yes")
	default:
		return s.engine.AnswerQuestion(ctx, reviewID, userID, step, domain.Answer{
			Choice: body.Choice,
			Detail: body.Detail,
		})
	}
}

type publishOutput struct {
	Status int
	Body   PublishResponse
}

func (s handlers) registerPublish(group *huma.Group) {
	huma.Register(group, huma.Operation{
		OperationID: "publish-review",
		Method:      http.MethodPost,
		Path:        "/reviews/{id}/publish",
		Summary:     "Publish a review",
		Description: "Schedules the publish workflow and returns the status route to poll. Re-triggering while publishing is already scheduled responds with being_published and the same route.",
	}, func(ctx context.Context, in *reviewPathInput) (*publishOutput, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := s.engine.RequestPublication(ctx, in.ID, userID)
		if err != nil {
			return nil, s.handleError(in.ID, err)
		}
		return &publishOutput{
			Status: http.StatusAccepted,
			Body: PublishResponse{
				Status:         string(ex.Status),
				IdempotencyKey: ex.IdempotencyKey,
				StatusPath:     s.statusPath(in.ID),
			},
		}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
