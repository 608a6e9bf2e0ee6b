package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilupskalvis/kgserve/internal/kgerr"
	"github.com/kilupskalvis/kgserve/internal/loader"
)

// Webhook event names.
const (
	EventBundleLoaded = "bundle.loaded"
	EventBundleFailed = "bundle.failed"
)

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Action    string `json:"action,omitempty"`
	BundleID  string `json:"bundle_id,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs []string
}

// WebhookNotifier sends HTTP POST notifications about bundle loads.
type WebhookNotifier struct {
	config    *WebhookConfig
	client    *http.Client
	logger    *slog.Logger
	retryWait time.Duration
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		config:    cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		retryWait: time.Second,
	}
}

// NotifyLoad reports the outcome of a bundle load. Skipped loads are not
// reported. Delivery is asynchronous.
func (wn *WebhookNotifier) NotifyLoad(source string, res *loader.Result, err error) {
	if wn == nil {
		return
	}

	event := &WebhookEvent{
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case err != nil:
		event.Event = EventBundleFailed
		event.ErrorKind = kgerr.KindName(err)
		event.Error = err.Error()
	case res.Action == loader.ActionSkipped:
		return
	default:
		event.Event = EventBundleLoaded
		event.Action = string(res.Action)
		event.BundleID = res.Record.BundleID
		event.Checksum = res.Record.Checksum
	}

	go wn.send(event)
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST with retry (up to 2 retries).
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest("POST", url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "kgserve/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * wn.retryWait)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
		time.Sleep(time.Duration(attempt+1) * wn.retryWait)
	}

	return lastErr
}
