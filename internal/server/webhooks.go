package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"aggregator/internal/config"
	"aggregator/internal/domain"
	"aggregator/internal/metrics"
	"aggregator/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher forwards journaled executions to configured targets. Each
// target keeps its own cursor, starting at the journal head when first seen.
type webhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *webhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &webhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.Named("webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// StartWebhookDispatcher polls the journal until ctx is done. It is a no-op
// without webhooks or a journal.
func StartWebhookDispatcher(ctx context.Context, r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) {
	if len(hooks) == 0 || r.DB == nil {
		return
	}
	go newWebhookDispatcher(r, hooks, logger).run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	execs, err := d.repo.ExecutionsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("fetch executions failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, e := range execs {
		if !filter.match(executionEvent(e)) {
			d.setCursor(idx, e.Seq)
			continue
		}
		if err := d.post(ctx, hook, e); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("delivery failed", zap.String("url", hook.URL), zap.String("execution", e.ID), zap.Error(err))
			return
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		d.setCursor(idx, e.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestExecutionSeq(ctx)
	if err != nil {
		d.logger.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// executionEvent names the notification an execution produces.
func executionEvent(e domain.Execution) string {
	return "execution." + e.Status
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, e domain.Execution) error {
	data, err := json.Marshal(executionResponse(e))
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aggregator-Event", executionEvent(e))
	req.Header.Set("X-Aggregator-Delivery", e.ID)
	req.Header.Set("X-Aggregator-Rule", e.Rule)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Aggregator-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
