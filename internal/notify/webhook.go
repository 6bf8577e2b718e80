// Package notify delivers security-team notifications to configured
// webhook endpoints. Delivery is asynchronous with bounded retries; a
// payload that exhausts its retries lands in a bounded dead-letter
// buffer that stays queryable for operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Delivery is one notification bound for one endpoint.
type Delivery struct {
	ID        string                 `json:"id"`
	URL       string                 `json:"url"`
	Subject   string                 `json:"subject"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
}

// DeadLetter is a delivery that could not be completed.
type DeadLetter struct {
	Delivery Delivery  `json:"delivery"`
	FailedAt time.Time `json:"failed_at"`
}

// Config controls webhook delivery behavior.
type Config struct {
	URLs        []string      `yaml:"webhook_urls"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	QueueSize   int           `yaml:"queue_size"`
	Workers     int           `yaml:"workers"`
}

// DefaultConfig returns working delivery defaults.
func DefaultConfig(urls []string) Config {
	return Config{
		URLs:        urls,
		MaxRetries:  5,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		QueueSize:   1000,
		Workers:     4,
	}
}

// WebhookNotifier implements core.Notifier over HTTP POST endpoints.
// Notify fans one payload out to every configured URL and returns as
// soon as the deliveries are queued.
type WebhookNotifier struct {
	logger zerolog.Logger
	cfg    Config
	client *http.Client
	queue  chan *Delivery

	dlMu       sync.RWMutex
	deadLetter []*DeadLetter
	maxDL      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookNotifier starts the delivery workers.
func NewWebhookNotifier(logger zerolog.Logger, cfg Config) *WebhookNotifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &WebhookNotifier{
		logger: logger.With().Str("component", "webhook_notifier").Logger(),
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		queue:  make(chan *Delivery, cfg.QueueSize),
		maxDL:  500,
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	n.logger.Info().
		Int("endpoints", len(cfg.URLs)).
		Int("workers", cfg.Workers).
		Msg("webhook notifier started")
	return n
}

// Notify queues the payload for every configured endpoint. A full queue
// dead-letters the delivery instead of blocking the security pipeline.
func (n *WebhookNotifier) Notify(_ context.Context, subject string, payload map[string]interface{}) error {
	if len(n.cfg.URLs) == 0 {
		return fmt.Errorf("no webhook endpoints configured")
	}
	for _, url := range n.cfg.URLs {
		d := &Delivery{
			ID:        uuid.New().String(),
			URL:       url,
			Subject:   subject,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		select {
		case n.queue <- d:
		default:
			d.LastError = "delivery queue full"
			n.addDeadLetter(d)
		}
	}
	return nil
}

// DeadLetters returns up to limit failed deliveries, newest last.
func (n *WebhookNotifier) DeadLetters(limit int) []*DeadLetter {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()
	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	out := make([]*DeadLetter, limit)
	copy(out, n.deadLetter[len(n.deadLetter)-limit:])
	return out
}

// Stats reports queue and dead-letter depth.
func (n *WebhookNotifier) Stats() map[string]interface{} {
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()
	return map[string]interface{}{
		"queue_depth":    len(n.queue),
		"queue_capacity": n.cfg.QueueSize,
		"dead_letters":   dl,
		"endpoints":      len(n.cfg.URLs),
	}
}

// Close stops the workers. Queued deliveries in flight are abandoned.
func (n *WebhookNotifier) Close() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info().Msg("webhook notifier stopped")
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-n.queue:
			n.deliver(d)
		}
	}
}

func (n *WebhookNotifier) deliver(d *Delivery) {
	body := map[string]interface{}{
		"subject":   d.Subject,
		"payload":   d.Payload,
		"queued_at": d.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		d.LastError = fmt.Sprintf("encoding payload: %v", err)
		n.addDeadLetter(d)
		return
	}

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		d.Attempts = attempt + 1

		req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, d.URL, bytes.NewReader(data))
		if err != nil {
			d.LastError = fmt.Sprintf("building request: %v", err)
			n.addDeadLetter(d)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sentinel-Delivery-ID", d.ID)

		resp, err := n.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				n.logger.Debug().
					Str("delivery_id", d.ID).
					Str("url", d.URL).
					Int("attempts", d.Attempts).
					Msg("notification delivered")
				return
			}
			// Non-429 client errors will not improve with retries.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				d.LastError = fmt.Sprintf("endpoint rejected delivery: HTTP %d", resp.StatusCode)
				n.addDeadLetter(d)
				return
			}
			d.LastError = fmt.Sprintf("endpoint error: HTTP %d", resp.StatusCode)
		} else {
			d.LastError = fmt.Sprintf("request failed: %v", err)
		}

		if attempt < n.cfg.MaxRetries && !n.backoff(attempt) {
			return // shutting down
		}
	}
	n.addDeadLetter(d)
}

// backoff sleeps base * 2^attempt capped at MaxBackoff. Returns false
// when the notifier is shutting down.
func (n *WebhookNotifier) backoff(attempt int) bool {
	delay := n.cfg.BaseBackoff * (1 << attempt)
	if delay > n.cfg.MaxBackoff {
		delay = n.cfg.MaxBackoff
	}
	select {
	case <-time.After(delay):
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *WebhookNotifier) addDeadLetter(d *Delivery) {
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[1:]
	}
	n.deadLetter = append(n.deadLetter, &DeadLetter{
		Delivery: *d,
		FailedAt: time.Now().UTC(),
	})
	n.dlMu.Unlock()
	n.logger.Warn().
		Str("delivery_id", d.ID).
		Str("url", d.URL).
		Str("error", d.LastError).
		Msg("notification moved to dead letter")
}
