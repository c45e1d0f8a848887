package notify

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramAlert(t *testing.T) {
	var gotPath, gotText string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotText = r.URL.Query().Get("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tg := NewTelegram("bot-token", "chat-42", log.New(&bytes.Buffer{}, "", 0))
	tg.base = server.URL
	tg.Alert(context.Background(), "Delta Shift", "ALGO ENTERED!", LevelSuccess)

	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Contains(t, gotText, "DELTA SHIFT")
	assert.Contains(t, gotText, "ALGO ENTERED!")
}

func TestTelegramAlertFailureDoesNotPanic(t *testing.T) {
	var buf bytes.Buffer
	tg := NewTelegram("bot-token", "chat-42", log.New(&buf, "", 0))
	tg.base = "http://127.0.0.1:0"

	require.NotPanics(t, func() {
		tg.Alert(context.Background(), "x", "y", LevelDanger)
	})
	assert.NotEmpty(t, buf.String())
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(log.New(&buf, "", 0))
	n.Alert(context.Background(), "straddle", "ALGO EXITED!", LevelDanger)

	assert.Contains(t, buf.String(), "alert-danger")
	assert.Contains(t, buf.String(), "STRADDLE")
}
