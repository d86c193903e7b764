package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// webhookQueueSize is the bounded channel capacity for outbound alerts.
const webhookQueueSize = 256

// AlertWebhook delivers alerts to an external HTTP endpoint. Alerts are
// enqueued without blocking and sent by a background goroutine; when the
// queue is full they are dropped.
type AlertWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	events     chan AlertEvent
	retryDelay time.Duration
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewAlertWebhook creates a webhook dispatcher and starts its send loop.
// Pass its Notify method to WithAlertFunc and call Close on shutdown.
func NewAlertWebhook(url, authHeader string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "alert_webhook"),
		events:     make(chan AlertEvent, webhookQueueSize),
		retryDelay: time.Second,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify enqueues evt. It never blocks.
func (w *AlertWebhook) Notify(evt AlertEvent) {
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("queue full, dropping alert", "type", evt.Type)
	}
}

// Close drains queued alerts and stops the send loop.
func (w *AlertWebhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *AlertWebhook) loop() {
	defer w.wg.Done()
	for evt := range w.events {
		w.send(evt)
	}
}

// send POSTs the alert with one retry on transport errors and 5xx.
func (w *AlertWebhook) send(evt AlertEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "RBACAccel-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
