package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mendline/internal/audit"
	"mendline/internal/config"
	"mendline/internal/domain"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookAttempts        = 3
)

// WebhookDispatcher forwards audit entries to the configured subscribers.
// Each hook keeps its own cursor and starts from the ledger head at the time
// it is first polled; an undeliverable entry is retried on the next tick.
type WebhookDispatcher struct {
	ledger   audit.Ledger
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(ledger audit.Ledger, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{
		ledger:   ledger,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is cancelled. It returns at once when no hook is enabled.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.active()) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookDispatcher) active() []int {
	var out []int
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		out = append(out, i)
	}
	return out
}

// DispatchOnce delivers everything new to every enabled hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for _, i := range d.active() {
		d.dispatchWebhook(ctx, i, d.webhooks[i])
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	entries, err := d.ledger.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Error("fetch audit entries failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(entry.EventType) {
			d.setCursor(idx, entry.Seq)
			continue
		}
		if err := d.deliver(ctx, hook, entry); err != nil {
			d.log.Warn("webhook delivery failed", "url", hook.URL, "entry_id", entry.ID, "error", err)
			return
		}
		d.setCursor(idx, entry.Seq)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.ledger.LatestSeq(ctx)
	if err != nil {
		d.log.Error("init webhook cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookDelivery struct {
	Event string            `json:"event"`
	Entry domain.AuditEntry `json:"entry"`
}

func (d *WebhookDispatcher) deliver(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.postEvent(ctx, hook, entry)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(webhookAttempts))
	return err
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, entry domain.AuditEntry) error {
	data, err := json.Marshal(webhookDelivery{Event: entry.EventType, Entry: entry})
	if err != nil {
		return backoff.Permanent(err)
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mendline-Event", entry.EventType)
	req.Header.Set("X-Mendline-Delivery", entry.ID)
	req.Header.Set("X-Mendline-Seq", strconv.FormatInt(entry.Seq, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Mendline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
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
