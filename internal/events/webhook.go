package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jvs-project/replvol/pkg/config"
	"github.com/jvs-project/replvol/pkg/logging"
)

// WebhookSink posts events to HTTP receivers from a background worker.
type WebhookSink struct {
	hooks      []config.WebhookConfig
	http       *http.Client
	queue      chan job
	maxRetries int
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	event Event
	hook  config.WebhookConfig
}

// NewWebhookSink starts a sink for hooks.
func NewWebhookSink(hooks []config.WebhookConfig) *WebhookSink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebhookSink{
		hooks:      hooks,
		http:       &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan job, 256),
		maxRetries: 3,
		retryDelay: time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *WebhookSink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			for {
				select {
				case j := <-s.queue:
					s.send(j)
				default:
					return
				}
			}
		case j := <-s.queue:
			s.send(j)
		}
	}
}

// Publish queues e for every matching hook. Events are dropped when the
// queue is full.
func (s *WebhookSink) Publish(e Event) {
	for _, h := range s.hooks {
		if !matches(h, e.Kind) {
			continue
		}
		select {
		case s.queue <- job{event: e, hook: h}:
		default:
			logging.Warn("webhook queue full, dropping event", map[string]any{"kind": e.Kind, "url": h.URL})
		}
	}
}

func matches(h config.WebhookConfig, k Kind) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == "*" || Kind(e) == k {
			return true
		}
	}
	return false
}

func (s *WebhookSink) send(j job) {
	if err := s.sendSync(j); err != nil {
		logging.ErrorErr("webhook delivery failed", err, map[string]any{"url": j.hook.URL})
	}
}

func (s *WebhookSink) sendSync(j job) error {
	payload, err := json.Marshal(j.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-s.ctx.Done():
				return lastErr
			case <-time.After(s.retryDelay):
			}
		}

		req, err := http.NewRequest(http.MethodPost, j.hook.URL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "replvol-webhook/1.0")
		req.Header.Set("X-Replvol-Event", string(j.event.Kind))
		if j.hook.Secret != "" {
			req.Header.Set("X-Replvol-Signature", Sign(payload, j.hook.Secret))
		}

		client := s.http
		if j.hook.Timeout > 0 {
			client = &http.Client{Timeout: j.hook.Timeout}
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return lastErr
}

// Sign returns the HMAC-SHA256 signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Close drains queued events and stops the worker.
func (s *WebhookSink) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}
