package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/metrics"
	"yqhp/buildfleet/pkg/logger"
	"yqhp/buildfleet/pkg/types"
)

// ErrNoURL is returned when a webhook has no target URL.
var ErrNoURL = errors.New("webhook URL is required")

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	// URL is the webhook endpoint URL.
	URL string
	// Method is the HTTP method (default: POST).
	Method string
	// Headers are additional HTTP headers.
	Headers map[string]string
	// States limits notifications to these terminal states. Empty means all.
	States []types.CommandState
	// BatchSize is the number of events to batch before sending.
	BatchSize int
	// FlushInterval sends a partial batch after this long.
	FlushInterval time.Duration
	// QueueSize bounds the events waiting to be sent; more are dropped.
	QueueSize int
	// RetryAttempts is the number of retry attempts on failure.
	RetryAttempts int
	// RetryDelay is the delay between retry attempts, multiplied by the
	// attempt number.
	RetryDelay time.Duration
	// Timeout is the HTTP request timeout.
	Timeout time.Duration
}

// DefaultWebhookConfig returns the default webhook configuration.
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		Method:        fasthttp.MethodPost,
		BatchSize:     10,
		FlushInterval: 5 * time.Second,
		QueueSize:     1024,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		Timeout:       10 * time.Second,
	}
}

// BatchPayload is the body of one webhook request.
type BatchPayload struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// Webhook posts command events to a URL in batches. Notify only enqueues;
// Run does the sending.
type Webhook struct {
	config *WebhookConfig
	states map[types.CommandState]bool
	client *fasthttp.Client
	events chan Event
	logger *zap.Logger
	now    func() time.Time

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	runOnce sync.Once
}

// NewWebhook creates a webhook notifier.
func NewWebhook(config *WebhookConfig, log *zap.Logger) (*Webhook, error) {
	if config == nil {
		config = DefaultWebhookConfig()
	}
	if config.URL == "" {
		return nil, ErrNoURL
	}
	if u, err := url.Parse(config.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook URL %q", config.URL)
	}

	def := DefaultWebhookConfig()
	if config.Method == "" {
		config.Method = def.Method
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}

	states := make(map[types.CommandState]bool, len(config.States))
	for _, s := range config.States {
		if !s.IsTerminal() {
			return nil, fmt.Errorf("state %q is not terminal", s)
		}
		states[s] = true
	}

	if log == nil {
		log = logger.Named("notify")
	}
	return &Webhook{
		config: config,
		states: states,
		client: &fasthttp.Client{
			Name:         "buildfleet-notify",
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
		events: make(chan Event, config.QueueSize),
		logger: log.With(zap.String("url", config.URL)),
		now:    time.Now,
	}, nil
}

// Notify enqueues a finished command. It never blocks: when the queue is
// full the event is dropped and counted.
func (w *Webhook) Notify(info *types.CommandInfo) {
	if info == nil || !info.State.IsTerminal() {
		return
	}
	if len(w.states) > 0 && !w.states[info.State] {
		return
	}
	event := Event{Type: EventCommandFinished, Timestamp: w.now(), Command: info}
	select {
	case w.events <- event:
	default:
		w.dropped.Add(1)
		metrics.Notifications.WithLabelValues("dropped").Inc()
		w.logger.Warn("notification queue full, event dropped", zap.String("command", string(info.ID)))
	}
}

// Run sends queued events until ctx is done, then flushes what is left.
// It may be called once.
func (w *Webhook) Run(ctx context.Context) error {
	ran := false
	w.runOnce.Do(func() { ran = true })
	if !ran {
		return fmt.Errorf("webhook already running")
	}

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, w.config.BatchSize)
	for {
		select {
		case <-ctx.Done():
			// 退出前尽量送出剩余事件
			for {
				select {
				case event := <-w.events:
					batch = append(batch, event)
					continue
				default:
				}
				break
			}
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.Timeout)
			w.flush(flushCtx, batch)
			cancel()
			return nil
		case event := <-w.events:
			batch = append(batch, event)
			if len(batch) >= w.config.BatchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Stats returns how many events were sent, failed after retries and dropped.
func (w *Webhook) Stats() (sent, failed, dropped int64) {
	return w.sent.Load(), w.failed.Load(), w.dropped.Load()
}

func (w *Webhook) flush(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	n := int64(len(batch))
	if err := w.sendWithRetry(ctx, &BatchPayload{Events: batch, Count: len(batch)}); err != nil {
		w.failed.Add(n)
		metrics.Notifications.WithLabelValues("failed").Add(float64(n))
		w.logger.Error("sending notifications", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	w.sent.Add(n)
	metrics.Notifications.WithLabelValues("sent").Add(float64(n))
}

// sendWithRetry sends the payload with retry logic.
func (w *Webhook) sendWithRetry(ctx context.Context, payload *BatchPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if lastErr = w.send(ctx, data); lastErr == nil {
			return nil
		}
		w.logger.Debug("webhook attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return fmt.Errorf("failed after %d attempts: %w", w.config.RetryAttempts+1, lastErr)
}

// send sends one request to the webhook.
func (w *Webhook) send(ctx context.Context, body []byte) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.config.URL)
	req.Header.SetMethod(w.config.Method)
	req.Header.SetContentType("application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	timeout := w.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := w.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", code, resp.Body())
	}
	return nil
}
