package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"reviewline/internal/archive"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/events"
	"reviewline/internal/notify"
	"reviewline/internal/review"
)

// Depositor mints the external identifier for a finished review.
type Depositor interface {
	CreateDeposit(ctx context.Context, req archive.DepositRequest) (archive.Deposit, error)
}

// Announcer delivers one post-publication announcement to one target.
type Announcer interface {
	Announce(ctx context.Context, target config.NotificationTarget, a notify.Announcement) error
}

// Activity result keys stored on the execution row. A stored result means the
// activity committed; a resumed run reuses it instead of re-executing.
const (
	activityDeposit = "deposit"
	activityRecord  = "record"
)

// Worker drives pending publish executions to a terminal status. State lives
// in the workflow_executions table, so a restarted worker resumes mid-flight
// executions from their stored activity results.
type Worker struct {
	Engine   engine.Engine
	Archive  Depositor
	Notifier Announcer
	Targets  []config.NotificationTarget
	Config   *config.Config
	Log      *zap.Logger
}

func New(e engine.Engine, dep Depositor, ann Announcer, cfg *config.Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Engine:   e,
		Archive:  dep,
		Notifier: ann,
		Targets:  cfg.Notifications,
		Config:   cfg,
		Log:      log,
	}
}

// Run polls for runnable executions until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.Config.PollInterval())
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick claims and executes every runnable execution once.
func (w *Worker) Tick(ctx context.Context) {
	execs, err := w.Engine.Repo.ListRunnable(ctx, 20)
	if err != nil {
		w.Log.Error("list runnable executions", zap.Error(err))
		return
	}
	for _, ex := range execs {
		if err := w.Execute(ctx, ex); err != nil {
			w.Log.Warn("execution did not complete",
				zap.String("idempotency_key", ex.IdempotencyKey),
				zap.String("review_id", ex.ReviewID),
				zap.Error(err))
		}
	}
}

// Execute runs one publish execution: deposit, record, notify. Each activity
// persists its result before the next starts; retries resume from stored
// state rather than restarting from scratch.
func (w *Worker) Execute(ctx context.Context, ex domain.WorkflowExecution) error {
	results, err := parseResults(ex.ResultsJSON)
	if err != nil {
		return w.fail(ctx, ex, fmt.Errorf("corrupt activity results: %w", err))
	}
	if err := w.Engine.Repo.MarkRunning(ctx, ex.IdempotencyKey); err != nil {
		return err
	}

	evts, err := w.Engine.Repo.LoadStream(ctx, ex.ReviewID)
	if err != nil {
		return err
	}
	s, err := review.Fold(evts)
	if err != nil || len(evts) == 0 {
		return w.fail(ctx, ex, fmt.Errorf("review %s not foldable: %w", ex.ReviewID, err))
	}

	dep, terminal, err := w.depositActivity(ctx, ex, s, results)
	if err != nil {
		if terminal {
			return w.fail(ctx, ex, err)
		}
		return err // retryable: execution stays running for the next tick
	}

	if err := w.recordActivity(ctx, ex, s, dep, results); err != nil {
		return err // retryable: execution stays running for the next tick
	}

	w.notifyActivities(ctx, ex, s, dep, results)

	if err := w.Engine.Repo.FinishExecution(ctx, ex.IdempotencyKey, domain.WorkflowSucceeded, ""); err != nil {
		return err
	}
	w.Log.Info("review published",
		zap.String("review_id", ex.ReviewID),
		zap.String("doi", dep.DOI))
	return nil
}

// depositActivity obtains the DOI, reusing any deposit a prior attempt
// already minted for this key. Retries with backoff up to the configured
// bound; only exhaustion is terminal for the execution. Failures persisting
// state are retryable: the next tick resumes the still-running execution.
func (w *Worker) depositActivity(ctx context.Context, ex domain.WorkflowExecution, s review.Snapshot, results map[string]json.RawMessage) (archive.Deposit, bool, error) {
	if raw, ok := results[activityDeposit]; ok {
		var dep archive.Deposit
		if err := json.Unmarshal(raw, &dep); err != nil {
			return archive.Deposit{}, true, fmt.Errorf("stored deposit result: %w", err)
		}
		return dep, false, nil
	}
	if s.Artifact != nil {
		// Published by a prior run that crashed before saving its result.
		dep := archive.Deposit{DOI: s.Artifact.DOI, RecordID: s.Artifact.RecordID}
		return dep, false, w.saveResult(ctx, ex, results, activityDeposit, dep)
	}

	req, err := depositRequest(ex.IdempotencyKey, s)
	if err != nil {
		return archive.Deposit{}, true, err
	}
	initial, max := w.Config.BackoffBounds()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(w.Config.DepositMaxAttempts()-1)), ctx)

	var dep archive.Deposit
	operation := func() error {
		var depErr error
		dep, depErr = w.Archive.CreateDeposit(ctx, req)
		if depErr != nil {
			w.Log.Warn("deposit attempt failed",
				zap.String("review_id", ex.ReviewID), zap.Error(depErr))
		}
		return depErr
	}
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-retry, not exhaustion; resume on the next run.
			return archive.Deposit{}, false, err
		}
		return archive.Deposit{}, true, fmt.Errorf("deposit exhausted retries: %w", err)
	}
	return dep, false, w.saveResult(ctx, ex, results, activityDeposit, dep)
}

// recordActivity appends review.published and flips the index row. The
// projector is re-checked so a replay after a crash between append and result
// save does not append twice.
func (w *Worker) recordActivity(ctx context.Context, ex domain.WorkflowExecution, s review.Snapshot, dep archive.Deposit, results map[string]json.RawMessage) error {
	if _, ok := results[activityRecord]; ok {
		return nil
	}
	if s.State != domain.StatePublished {
		// On events.ErrVersionConflict another run got there first; the next
		// tick refolds the stream and lands in the branch above.
		if err := w.appendPublished(ctx, s, dep); err != nil {
			return err
		}
	}
	return w.saveResult(ctx, ex, results, activityRecord, dep)
}

func (w *Worker) appendPublished(ctx context.Context, s review.Snapshot, dep archive.Deposit) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := w.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Engine.Events.Append(ctx, tx, s.ID, domain.EventReviewPublished, "publish-workflow", s.Version, events.Payload{
		"doi":       dep.DOI,
		"record_id": dep.RecordID,
	}); err != nil {
		return err
	}
	if err := w.Engine.Repo.UpsertReviewTx(ctx, tx, domain.Review{
		ID: s.ID, SubjectID: s.SubjectID, SubjectType: s.SubjectType, AuthorID: s.AuthorID,
		State: domain.StatePublished, DOI: dep.DOI, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// notifyActivities fans out announcements. Each target is independent and
// best-effort: bounded in-process retries, then the failure is logged and the
// publish completes without it.
func (w *Worker) notifyActivities(ctx context.Context, ex domain.WorkflowExecution, s review.Snapshot, dep archive.Deposit, results map[string]json.RawMessage) {
	a := notify.Announcement{
		ReviewID:    s.ID,
		DOI:         dep.DOI,
		RecordID:    dep.RecordID,
		SubjectID:   s.SubjectID,
		SubjectType: string(s.SubjectType),
	}
	for _, target := range w.Targets {
		key := "notify:" + target.Name
		if _, ok := results[key]; ok {
			continue
		}
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		err := backoff.Retry(func() error {
			return w.Notifier.Announce(ctx, target, a)
		}, bo)
		if err != nil {
			w.Log.Warn("notification failed",
				zap.String("target", target.Name),
				zap.String("review_id", s.ID),
				zap.Error(err))
			continue
		}
		if err := w.saveResult(ctx, ex, results, key, map[string]string{"delivered_at": time.Now().UTC().Format(time.RFC3339)}); err != nil {
			w.Log.Warn("persist notification result", zap.String("target", target.Name), zap.Error(err))
		}
	}
}

func (w *Worker) fail(ctx context.Context, ex domain.WorkflowExecution, cause error) error {
	w.Log.Error("execution failed terminally",
		zap.String("idempotency_key", ex.IdempotencyKey),
		zap.String("review_id", ex.ReviewID),
		zap.Error(cause))
	if err := w.Engine.Repo.FinishExecution(ctx, ex.IdempotencyKey, domain.WorkflowFailed, cause.Error()); err != nil {
		return err
	}
	return cause
}

func (w *Worker) saveResult(ctx context.Context, ex domain.WorkflowExecution, results map[string]json.RawMessage, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	results[key] = raw
	blob, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return w.Engine.Repo.SaveActivityResults(ctx, ex.IdempotencyKey, string(blob))
}

func parseResults(blob string) (map[string]json.RawMessage, error) {
	results := map[string]json.RawMessage{}
	if blob == "" {
		return results, nil
	}
	if err := json.Unmarshal([]byte(blob), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// depositRequest shapes the review content for the archive. Answers are laid
// out in authoring order so the stored document reads like the form did.
func depositRequest(key string, s review.Snapshot) (archive.DepositRequest, error) {
	type answerDoc struct {
		Question review.Step `json:"question"`
		Choice   string      `json:"choice,omitempty"`
		Detail   string      `json:"detail,omitempty"`
	}
	var answers []answerDoc
	for _, q := range review.Questions {
		if a, ok := s.Answers[q.Step]; ok {
			answers = append(answers, answerDoc{Question: q.Step, Choice: a.Choice, Detail: a.Detail})
		}
	}
	doc := map[string]any{
		"answers": answers,
		"persona": s.Persona,
	}
	if s.CompetingInterests != nil {
		doc["competing_interests"] = s.CompetingInterests
	}
	content, err := json.Marshal(doc)
	if err != nil {
		return archive.DepositRequest{}, err
	}
	creator := s.AuthorID
	if s.Persona == domain.PersonaPseudonym {
		creator = "pseudonymous"
	}
	return archive.DepositRequest{
		IdempotencyKey: key,
		Title:          fmt.Sprintf("Review of %s %s", s.SubjectType, s.SubjectID),
		Creator:        creator,
		SubjectID:      s.SubjectID,
		SubjectType:    string(s.SubjectType),
		Content:        content,
	}, nil
}
