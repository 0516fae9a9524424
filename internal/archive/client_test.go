package archive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeposit(t *testing.T) {
	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/deposits", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		var req DepositRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Review of dataset doi:10.5061/dryad.abc", req.Title)
		json.NewEncoder(w).Encode(Deposit{DOI: "10.5281/zenodo.1", RecordID: "rec-1"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/", "tok-1", 2*time.Second)
	dep, err := c.CreateDeposit(context.Background(), DepositRequest{
		IdempotencyKey: "key-1",
		Title:          "Review of dataset doi:10.5061/dryad.abc",
		Creator:        "alice",
		SubjectID:      "doi:10.5061/dryad.abc",
		SubjectType:    "dataset",
		Content:        json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "10.5281/zenodo.1", dep.DOI)
	assert.Equal(t, "rec-1", dep.RecordID)
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestCreateDepositServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.CreateDeposit(context.Background(), DepositRequest{IdempotencyKey: "k", Content: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCreateDepositRejectsEmptyDOI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Deposit{})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.CreateDeposit(context.Background(), DepositRequest{IdempotencyKey: "k", Content: json.RawMessage(`{}`)})
	require.Error(t, err)
}
