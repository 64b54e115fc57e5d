package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/beacon/internal/store"
)

func TestWebhookTransport_Deliver(t *testing.T) {
	t.Parallel()

	var got webhookPayload
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	transport := NewWebhookTransport(server.URL, "provider-secret")
	err := transport.Deliver(context.Background(), store.Notification{
		ID:          "n1",
		BrandID:     "acme",
		RecipientID: "alice",
		Type:        "task_assigned",
		Title:       "Task assigned",
	})
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, "alice", got.RecipientID)
	assert.Equal(t, "Bearer provider-secret", gotAuth)
}

func TestWebhookTransport_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "provider down", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	transport := NewWebhookTransport(server.URL, "")
	err := transport.Deliver(context.Background(), store.Notification{ID: "n1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
