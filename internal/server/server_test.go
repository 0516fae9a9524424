package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/review"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func asUser(user string) map[string]string {
	return map[string]string{"X-User-Id": user}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func startReviewHTTP(t *testing.T, srv *testServer, user string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews", map[string]any{
		"subject_id":   "doi:10.5061/dryad.abc",
		"subject_type": "dataset",
	}, asUser(user))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start review status %d: %s", res.StatusCode, string(data))
	}
	var out StartReviewResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.NextExpectedStep != string(review.StepRateTheQuality) {
		t.Fatalf("expected rate-the-quality first, got %s", out.NextExpectedStep)
	}
	return out.ReviewID
}

func answerAllSteps(t *testing.T, srv *testServer, user, reviewID string) {
	t.Helper()
	for _, q := range review.Questions {
		body := map[string]any{}
		if len(q.Choices) > 0 {
			body["choice"] = q.Choices[0]
		}
		res, data := doJSON(t, srv.Client(), http.MethodPost,
			srv.URL+"/v0/reviews/"+reviewID+"/steps/"+string(q.Step), body, asUser(user))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s status %d: %s", q.Step, res.StatusCode, string(data))
		}
	}
	for step, body := range map[review.Step]map[string]any{
		review.StepChoosePersona:      {"choice": "public"},
		review.StepCompetingInterests: {"choice": "no"},
		review.StepCodeOfConduct:      {"choice": "yes"},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPost,
			srv.URL+"/v0/reviews/"+reviewID+"/steps/"+string(step), body, asUser(user))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s status %d: %s", step, res.StatusCode, string(data))
		}
	}
}

func TestStartAnswerAndStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/reviews/"+reviewID+"/steps/rate-the-quality",
		map[string]any{"choice": "excellent"}, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", res.StatusCode, string(data))
	}
	var next NextStepResponse
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal next: %v", err)
	}
	if next.NextExpectedStep != string(review.StepFairAndCarePrinciples) {
		t.Fatalf("expected fair-and-care next, got %s", next.NextExpectedStep)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reviews/"+reviewID, nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st engine.ReviewStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.State != "in_progress" {
		t.Fatalf("expected in_progress, got %s", st.State)
	}
}

func TestDuplicateStartConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews", map[string]any{
		"subject_id":   "doi:10.5061/dryad.abc",
		"subject_type": "dataset",
	}, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "already_started" {
		t.Fatalf("expected already_started, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["review_id"] != reviewID {
		t.Fatalf("expected existing review id in details: %v", envelope.Error.Details)
	}
}

func TestOtherAuthorIndistinguishableFromMissing(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")

	resOther, bodyOther := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reviews/"+reviewID, nil, asUser("bob"))
	resMissing, bodyMissing := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reviews/does-not-exist", nil, asUser("bob"))
	if resOther.StatusCode != http.StatusNotFound || resMissing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404/404, got %d/%d", resOther.StatusCode, resMissing.StatusCode)
	}
	if !bytes.Equal(bodyOther, bodyMissing) {
		t.Fatalf("bodies differ, existence leaks:\n%s\n%s", bodyOther, bodyMissing)
	}
}

func TestPublishIncomplete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews/"+reviewID+"/publish", nil, asUser("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "incomplete" {
		t.Fatalf("expected incomplete, got %s", envelope.Error.Code)
	}
	if envelope.Error.Details["missing_step"] != string(review.StepRateTheQuality) {
		t.Fatalf("expected first missing step in details: %v", envelope.Error.Details)
	}
}

func TestPublishAcceptedThenConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")
	answerAllSteps(t, srv, "alice", reviewID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews/"+reviewID+"/publish", nil, asUser("alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, string(data))
	}
	var out PublishResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal publish: %v", err)
	}
	if out.Status != "pending" || out.IdempotencyKey == "" {
		t.Fatalf("unexpected publish response: %+v", out)
	}

	// Double-click: already scheduled.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/reviews/"+reviewID+"/publish", nil, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on retrigger, got %d: %s", res.StatusCode, string(data))
	}
	// Mutation attempts are rejected the same way.
	res, data = doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/reviews/"+reviewID+"/steps/rate-the-quality",
		map[string]any{"choice": "poor"}, asUser("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on mutation, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidationRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/reviews/"+reviewID+"/steps/rate-the-quality",
		map[string]any{"choice": "amazing"}, asUser("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCheckStepPrefill(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	reviewID := startReviewHTTP(t, srv, "alice")
	doJSON(t, srv.Client(), http.MethodPost,
		srv.URL+"/v0/reviews/"+reviewID+"/steps/competing-interests",
		map[string]any{"choice": "yes", "detail": "I co-authored the dataset"}, asUser("alice"))

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/reviews/"+reviewID+"/steps/competing-interests", nil, asUser("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check step status %d: %s", res.StatusCode, string(data))
	}
	var ans engine.StepAnswer
	if err := json.Unmarshal(data, &ans); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ans.Answered || ans.Choice != "yes" || ans.Detail == "" {
		t.Fatalf("unexpected prefill: %+v", ans)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/reviews", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health, got %d", res.StatusCode)
	}
}
