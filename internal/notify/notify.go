// Package notify sends operator alerts over ntfy when ingestion
// degrades: a run of consecutive poll failures, or an engine halt.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zerogex/zerogex/internal/config"
)

// Notifier is the alerting surface the engine talks to.
type Notifier interface {
	FailureStreak(ctx context.Context, underlying string, count int, lastErr error) error
	EngineHalted(ctx context.Context, underlying string, err error) error
}

// Client posts to an ntfy topic.
type Client struct {
	httpClient *http.Client
	cfg        config.NotifyConfig
	logger     *zap.Logger
}

func NewClient(cfg config.NotifyConfig, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        cfg,
		logger:     logger,
	}
}

// alert is one message headed for the topic.
type alert struct {
	title    string
	body     string
	tags     string
	priority string
}

// FailureStreak reports that count consecutive poll iterations failed.
func (c *Client) FailureStreak(ctx context.Context, underlying string, count int, lastErr error) error {
	return c.post(ctx, alert{
		title:    fmt.Sprintf("Ingestion degraded: %s", underlying),
		body:     fmt.Sprintf("%d consecutive poll failures\nLast error: %v", count, lastErr),
		tags:     "zerogex,warning",
		priority: "high",
	})
}

// EngineHalted reports a fatal ingestion stop.
func (c *Client) EngineHalted(ctx context.Context, underlying string, err error) error {
	return c.post(ctx, alert{
		title:    fmt.Sprintf("Ingestion halted: %s", underlying),
		body:     fmt.Sprintf("Engine stopped with fatal error:\n%v", err),
		tags:     "zerogex,rotating_light",
		priority: "urgent",
	})
}

func (c *Client) post(ctx context.Context, a alert) error {
	req, err := c.request(ctx, a)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("alert delivery failed", zap.String("title", a.title), zap.Error(err))
		return fmt.Errorf("posting alert: %w", err)
	}

	// ntfy bodies are tiny; swallow them so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logger.Warn("alert rejected by server",
			zap.String("title", a.title),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("alert rejected: %s", http.StatusText(resp.StatusCode))
	}

	c.logger.Debug("alert delivered", zap.String("title", a.title))
	return nil
}

func (c *Client) request(ctx context.Context, a alert) (*http.Request, error) {
	topicURL := strings.TrimSuffix(c.cfg.Server, "/") + "/" + c.cfg.Topic

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, topicURL, strings.NewReader(a.body))
	if err != nil {
		return nil, fmt.Errorf("building alert request: %w", err)
	}

	headers := map[string]string{
		"Title":    a.title,
		"Tags":     a.tags,
		"Priority": a.priority,
	}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// NoopNotifier is used when alerting is disabled.
type NoopNotifier struct{}

func (NoopNotifier) FailureStreak(context.Context, string, int, error) error { return nil }
func (NoopNotifier) EngineHalted(context.Context, string, error) error       { return nil }

// New creates the appropriate notifier based on config.
func New(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
