package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"growthgate/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NotifyService posts operational events to a webhook. Delivery is best
// effort: failures are logged and never propagate into the caller's
// transaction.
type NotifyService struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger *logrus.Logger
}

func NewNotifyService(cfg config.NotifyConfig, logger *logrus.Logger) *NotifyService {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NotifyService{
		cfg: cfg,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify fires the event asynchronously and returns immediately.
func (s *NotifyService) Notify(ctx context.Context, event string, payload map[string]interface{}) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		if err := s.send(event, payload); err != nil {
			s.logger.Warnf("notify %s failed: %v", event, err)
		}
	}()
}

func (s *NotifyService) send(event string, payload map[string]interface{}) error {
	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"payload":   payload,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
