package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type WebhookMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
}

// Webhook posts block/mitigation alerts to an operations channel. A nil
// Webhook or an empty URL is a no-op, so callers never need to guard.
type Webhook struct {
	url string
	log *zap.Logger
}

func New(url string, log *zap.Logger) *Webhook {
	return &Webhook{url: url, log: log}
}

// Alert fires asynchronously so a slow webhook endpoint never blocks the
// decision path.
func (w *Webhook) Alert(msg string, severity string) {
	if w == nil || w.url == "" {
		return
	}

	payload := WebhookMessage{
		Text:      fmt.Sprintf("[surgeguard] %s", msg),
		Timestamp: time.Now(),
		Severity:  severity,
	}
	data, _ := json.Marshal(payload)

	go func() {
		resp, err := http.Post(w.url, "application/json", bytes.NewBuffer(data))
		if err != nil {
			w.log.Error("failed to send webhook alert", zap.Error(err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			w.log.Warn("webhook returned non-OK status", zap.String("status", resp.Status))
		}
	}()
}
