package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reviewline/internal/config"
)

const defaultTimeout = 5 * time.Second

// Announcement is the structured message fanned out after a publication.
type Announcement struct {
	ReviewID    string `json:"review_id"`
	DOI         string `json:"doi"`
	RecordID    string `json:"record_id"`
	SubjectID   string `json:"subject_id"`
	SubjectType string `json:"subject_type"`
	AuthorID    string `json:"author_id,omitempty"`
}

// Notifier posts announcements to downstream targets. Each target is an
// independent best-effort activity: a failure is the caller's to log and
// retry, never to roll back.
type Notifier struct {
	Targets []config.NotificationTarget
	HTTP    *http.Client
	Log     *zap.Logger
}

func New(targets []config.NotificationTarget, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		Targets: targets,
		HTTP:    &http.Client{Timeout: defaultTimeout},
		Log:     log,
	}
}

// Announce delivers one announcement to one target. Disabled targets are
// skipped silently: the origin-server integration ships disabled until its
// receiving side exists.
func (n *Notifier) Announce(ctx context.Context, target config.NotificationTarget, a Announcement) error {
	if !target.IsEnabled() {
		n.Log.Info("notification target disabled, skipping",
			zap.String("target", target.Name), zap.String("review_id", a.ReviewID))
		return nil
	}
	body, err := json.Marshal(envelope(target, a))
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reviewline-Review", a.ReviewID)
	if strings.TrimSpace(target.Secret) != "" {
		req.Header.Set("X-Reviewline-Secret", target.Secret)
	}
	res, err := n.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify %s status %d: %s", target.Name, res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// envelope shapes the payload per target kind: community channels get a
// human-readable line, origin servers a structured announce message.
func envelope(target config.NotificationTarget, a Announcement) map[string]any {
	switch target.Kind {
	case "community-channel":
		return map[string]any{
			"text": fmt.Sprintf("A review of %s %s has been published: https://doi.org/%s", a.SubjectType, a.SubjectID, a.DOI),
			"doi":  a.DOI,
		}
	default:
		return map[string]any{
			"type":         "announce",
			"object":       map[string]any{"id": a.ReviewID, "doi": a.DOI, "record_id": a.RecordID},
			"context":      map[string]any{"subject_id": a.SubjectID, "subject_type": a.SubjectType},
			"published_at": time.Now().UTC().Format(time.RFC3339),
		}
	}
}
