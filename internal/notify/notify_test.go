package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewline/internal/config"
)

var announcement = Announcement{
	ReviewID:    "rev-1",
	DOI:         "10.5281/zenodo.1",
	RecordID:    "rec-1",
	SubjectID:   "doi:10.5061/dryad.abc",
	SubjectType: "dataset",
}

func TestAnnounceCommunityChannel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rev-1", r.Header.Get("X-Reviewline-Review"))
		assert.Equal(t, "s3cret", r.Header.Get("X-Reviewline-Secret"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := New(nil, nil)
	err := n.Announce(context.Background(), config.NotificationTarget{
		Name:   "community-slack",
		Kind:   "community-channel",
		URL:    srv.URL,
		Secret: "s3cret",
	}, announcement)
	require.NoError(t, err)
	assert.Contains(t, got["text"], "10.5281/zenodo.1")
}

func TestAnnounceOriginServerEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	n := New(nil, nil)
	err := n.Announce(context.Background(), config.NotificationTarget{
		Name: "origin-inbox",
		Kind: "origin-server",
		URL:  srv.URL,
	}, announcement)
	require.NoError(t, err)
	assert.Equal(t, "announce", got["type"])
	obj, ok := got["object"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rev-1", obj["id"])
}

func TestAnnounceDisabledTargetSkipped(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	off := false
	n := New(nil, nil)
	err := n.Announce(context.Background(), config.NotificationTarget{
		Name:    "origin-inbox",
		Kind:    "origin-server",
		URL:     srv.URL,
		Enabled: &off,
	}, announcement)
	require.NoError(t, err)
	assert.False(t, called, "disabled target was still called")
}

func TestAnnounceNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(nil, nil)
	err := n.Announce(context.Background(), config.NotificationTarget{
		Name: "community-slack",
		Kind: "community-channel",
		URL:  srv.URL,
	}, announcement)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
