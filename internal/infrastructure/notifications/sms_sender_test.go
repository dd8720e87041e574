package notifications_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carevoice/intake-orchestrator/internal/infrastructure/notifications"
)

func TestSMSSender_SendText(t *testing.T) {
	t.Run("posts the message to the gateway", func(t *testing.T) {
		var received map[string]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/messages", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"message_id": "msg-42",
				"status":     "queued",
			})
		}))
		defer server.Close()

		sender, err := notifications.NewSMSSender(server.URL, "test-key", "+15550000")
		require.NoError(t, err)

		messageID, err := sender.SendText(context.Background(), "+15550100", "your link")
		require.NoError(t, err)
		assert.Equal(t, "msg-42", messageID)
		assert.Equal(t, "+15550000", received["from"])
		assert.Equal(t, "+15550100", received["to"])
		assert.Equal(t, "your link", received["body"])
	})

	t.Run("gateway errors surface", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer server.Close()

		sender, err := notifications.NewSMSSender(server.URL, "test-key", "+15550000")
		require.NoError(t, err)

		_, err = sender.SendText(context.Background(), "+15550100", "your link")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("requires gateway configuration", func(t *testing.T) {
		_, err := notifications.NewSMSSender("", "", "+15550000")
		require.Error(t, err)
	})
}
