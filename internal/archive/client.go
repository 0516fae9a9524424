package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Client deposits finished reviews with the external archive. Deposits are
// idempotent on the archive side via the Idempotency-Key header: replaying a
// key returns the deposit minted by the first successful call.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "archive-deposit",
			Timeout: 30 * time.Second,
		}),
	}
}

// Deposit is the minted external identity of a stored review.
type Deposit struct {
	DOI      string `json:"doi"`
	RecordID string `json:"record_id"`
}

// DepositRequest carries the review content and its deduplication key.
type DepositRequest struct {
	IdempotencyKey string          `json:"-"`
	Title          string          `json:"title"`
	Creator        string          `json:"creator"`
	SubjectID      string          `json:"subject_id"`
	SubjectType    string          `json:"subject_type"`
	Content        json.RawMessage `json:"content"`
}

// CreateDeposit stores the review and returns its DOI and record id. Safe to
// retry with the same key.
func (c *Client) CreateDeposit(ctx context.Context, req DepositRequest) (Deposit, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Deposit{}, fmt.Errorf("marshal deposit: %w", err)
	}
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, body, req.IdempotencyKey)
	})
	if err != nil {
		return Deposit{}, err
	}
	return out.(Deposit), nil
}

func (c *Client) post(ctx context.Context, body []byte, key string) (Deposit, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/deposits", bytes.NewReader(body))
	if err != nil {
		return Deposit{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if c.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Token)
	}
	res, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Deposit{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Deposit{}, fmt.Errorf("archive status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	var dep Deposit
	if err := json.NewDecoder(res.Body).Decode(&dep); err != nil {
		return Deposit{}, fmt.Errorf("decode deposit: %w", err)
	}
	if dep.DOI == "" {
		return Deposit{}, fmt.Errorf("archive returned no doi")
	}
	return dep, nil
}
