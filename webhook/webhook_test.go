package webhook

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

func TestNotifyFailurePostsJSON(t *testing.T) {
	var got FailurePayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	require.True(t, n.Enabled())
	err := n.NotifyFailure(context.Background(), FailurePayload{
		JobName:      "backup",
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		FailureCount: 3,
		LastExitCode: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "backup", got.JobName)
	assert.Equal(t, 3, got.FailureCount)
	assert.Equal(t, 2, got.LastExitCode)
}

func TestNotifyFailureReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL).NotifyFailure(context.Background(), FailurePayload{JobName: "x"})
	assert.ErrorContains(t, err, "502")
}

func TestDisabledNotifier(t *testing.T) {
	n := NewNotifier("")
	assert.False(t, n.Enabled())
	assert.NoError(t, n.NotifyFailure(context.Background(), FailurePayload{}))
}
