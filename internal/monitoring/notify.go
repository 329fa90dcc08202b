package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/mixer_core/internal/config"
	"github.com/R3E-Network/mixer_core/pkg/logger"
)

// Notification is one outbound alert message.
type Notification struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Provider delivers a notification over one channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// ChannelStats tracks delivery outcomes per channel.
type ChannelStats struct {
	Channel   string    `json:"channel"`
	Sent      int64     `json:"sent"`
	Failed    int64     `json:"failed"`
	Retries   int64     `json:"retries"`
	LastSent  time.Time `json:"last_sent,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

const (
	notifyQueueSize   = 128
	notifySendTimeout = 10 * time.Second
)

// Notifier fans notifications out to every configured provider from a
// single worker. Failed sends retry with exponential backoff up to
// maxRetries extra attempts; a full queue drops rather than blocks the
// alert path.
type Notifier struct {
	providers  []Provider
	maxRetries int
	baseDelay  time.Duration
	metrics    MetricsCollector
	log        *logger.Logger

	queue chan Notification
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu      sync.Mutex
	stats   map[string]*ChannelStats
	dropped int64
}

// NewNotifier builds a notifier over the given providers.
func NewNotifier(maxRetries int, baseDelay time.Duration, metrics MetricsCollector, log *logger.Logger, providers ...Provider) *Notifier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if metrics == nil {
		metrics = NewNoOpCollector()
	}
	if log == nil {
		log = logger.NewNop()
	}
	n := &Notifier{
		providers:  providers,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		metrics:    metrics,
		log:        log.WithField("component", "notifier"),
		queue:      make(chan Notification, notifyQueueSize),
		done:       make(chan struct{}),
		stats:      make(map[string]*ChannelStats),
	}
	for _, p := range providers {
		n.stats[p.Name()] = &ChannelStats{Channel: p.Name()}
	}
	return n
}

// ProvidersFromConfig builds the providers named by the config block.
// Channels with no endpoint configured are skipped.
func ProvidersFromConfig(cfg config.MonitoringConfig) []Provider {
	var providers []Provider
	if cfg.WebhookURL != "" {
		providers = append(providers, NewWebhookProvider(cfg.WebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		providers = append(providers, NewSlackProvider(cfg.SlackWebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		providers = append(providers, NewTelegramProvider(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.EmailEndpoint != "" {
		providers = append(providers, NewEmailProvider(cfg.EmailEndpoint))
	}
	return providers
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
}

// Close drains the queue, giving each pending notification one final
// attempt, then stops the worker.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}

// Send enqueues a notification for every provider. Never blocks.
func (n *Notifier) Send(note Notification) {
	if len(n.providers) == 0 {
		return
	}
	if note.At.IsZero() {
		note.At = time.Now().UTC()
	}
	select {
	case n.queue <- note:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.log.Warn("notification queue full, dropping", "title", note.Title)
	}
}

// Dropped reports notifications lost to a full queue.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Stats returns per-channel delivery outcomes, sorted by channel.
func (n *Notifier) Stats() []ChannelStats {
	n.mu.Lock()
	out := make([]ChannelStats, 0, len(n.stats))
	for _, s := range n.stats {
		out = append(out, *s)
	}
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case note := <-n.queue:
			n.dispatch(note)
		case <-n.done:
			for {
				select {
				case note := <-n.queue:
					n.dispatch(note)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) dispatch(note Notification) {
	for _, p := range n.providers {
		n.deliver(p, note)
	}
}

func (n *Notifier) deliver(p Provider, note Notification) {
	var err error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			n.recordRetry(p.Name())
			select {
			case <-time.After(n.baseDelay << (attempt - 1)):
			case <-n.done:
				// Shutdown drain: no backoff waits, the last
				// result stands.
				n.finish(p.Name(), err)
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), notifySendTimeout)
		err = p.Send(ctx, note)
		cancel()
		if err == nil {
			break
		}
	}
	n.finish(p.Name(), err)
}

func (n *Notifier) finish(channel string, err error) {
	n.metrics.RecordNotification(channel, err)
	n.mu.Lock()
	s, ok := n.stats[channel]
	if !ok {
		s = &ChannelStats{Channel: channel}
		n.stats[channel] = s
	}
	if err != nil {
		s.Failed++
		s.LastError = err.Error()
	} else {
		s.Sent++
		s.LastSent = time.Now().UTC()
		s.LastError = ""
	}
	n.mu.Unlock()
	if err != nil {
		n.log.Warn("notification delivery failed", "channel", channel, "error", err)
	}
}

func (n *Notifier) recordRetry(channel string) {
	n.mu.Lock()
	if s, ok := n.stats[channel]; ok {
		s.Retries++
	}
	n.mu.Unlock()
}

// postJSON is the shared HTTP delivery core of every provider.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func notifyText(n Notification) string {
	return fmt.Sprintf("[%s] %s (%s): %s", strings.ToUpper(string(n.Severity)), n.Title, n.Source, n.Message)
}

// ===== Providers =====

// WebhookProvider posts the notification verbatim to a generic
// JSON endpoint.
type WebhookProvider struct {
	url    string
	client *http.Client
}

func NewWebhookProvider(url string) *WebhookProvider {
	return &WebhookProvider{url: url, client: &http.Client{Timeout: notifySendTimeout}}
}

func (w *WebhookProvider) Name() string { return "webhook" }

func (w *WebhookProvider) Send(ctx context.Context, n Notification) error {
	return postJSON(ctx, w.client, w.url, n)
}

// SlackProvider posts to a Slack incoming-webhook URL.
type SlackProvider struct {
	url    string
	client *http.Client
}

func NewSlackProvider(url string) *SlackProvider {
	return &SlackProvider{url: url, client: &http.Client{Timeout: notifySendTimeout}}
}

func (s *SlackProvider) Name() string { return "slack" }

func (s *SlackProvider) Send(ctx context.Context, n Notification) error {
	payload := map[string]string{"text": notifyText(n)}
	return postJSON(ctx, s.client, s.url, payload)
}

// TelegramProvider sends via the Bot API sendMessage method.
type TelegramProvider struct {
	base   string
	token  string
	chatID string
	client *http.Client
}

func NewTelegramProvider(token, chatID string) *TelegramProvider {
	return &TelegramProvider{
		base:   "https://api.telegram.org",
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: notifySendTimeout},
	}
}

func (t *TelegramProvider) Name() string { return "telegram" }

func (t *TelegramProvider) Send(ctx context.Context, n Notification) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    notifyText(n),
	}
	return postJSON(ctx, t.client, url, payload)
}

// EmailProvider posts to an internal mail relay that renders and
// sends the message. SMTP stays out of this process.
type EmailProvider struct {
	endpoint string
	client   *http.Client
}

func NewEmailProvider(endpoint string) *EmailProvider {
	return &EmailProvider{endpoint: endpoint, client: &http.Client{Timeout: notifySendTimeout}}
}

func (e *EmailProvider) Name() string { return "email" }

func (e *EmailProvider) Send(ctx context.Context, n Notification) error {
	payload := map[string]string{
		"subject":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Severity)), n.Title),
		"body":     n.Message,
		"severity": string(n.Severity),
		"source":   n.Source,
	}
	return postJSON(ctx, e.client, e.endpoint, payload)
}
