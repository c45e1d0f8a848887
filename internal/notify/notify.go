// Package notify pushes human-readable alerts to operators. Strategies
// emit alerts on entry, exit and manual interventions; delivery failure
// is logged and never propagated back into the control loop.
package notify

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Alert levels shown to operators.
const (
	LevelSuccess = "alert-success"
	LevelDanger  = "alert-danger"
)

// Notifier delivers one alert. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Alert(ctx context.Context, title, message, level string)
}

// Telegram posts alerts to a Telegram chat through the bot API.
type Telegram struct {
	token  string
	chatID string
	base   string
	client *http.Client
	logger *log.Logger
}

// NewTelegram creates a Telegram notifier for the given bot token and
// chat id.
func NewTelegram(token, chatID string, logger *log.Logger) *Telegram {
	if logger == nil {
		logger = log.New(os.Stderr, "notify: ", log.LstdFlags)
	}
	return &Telegram{
		token:  token,
		chatID: chatID,
		base:   "https://api.telegram.org",
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Alert sends the message. Errors are logged, never returned.
func (t *Telegram) Alert(ctx context.Context, title, message, level string) {
	text := fmt.Sprintf("%s\n%s", strings.ToUpper(title), message)
	endpoint := fmt.Sprintf(
		"%s/bot%s/sendMessage?chat_id=%s&text=%s",
		t.base, t.token, url.QueryEscape(t.chatID), url.QueryEscape(text),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		t.logger.Printf("telegram alert build failed: %v", err)
		return
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Printf("telegram alert failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Printf("telegram alert status %d", resp.StatusCode)
	}
}

// LogNotifier writes alerts to the process log. Used in development and
// as the fallback when no Telegram credentials are configured.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stderr, "notify: ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Alert logs the alert.
func (n *LogNotifier) Alert(_ context.Context, title, message, level string) {
	n.logger.Printf("[%s] %s: %s", level, strings.ToUpper(title), message)
}

var (
	_ Notifier = (*Telegram)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
