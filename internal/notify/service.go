// Package notify fans routing decisions out to registered sinks. Dispatch
// is fire-and-forget: sink failures are logged and never propagate back
// into the routing path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

// dispatchTimeout bounds one sink delivery.
const dispatchTimeout = 10 * time.Second

// Service holds the registered sinks and dispatches to all of them
// concurrently.
type Service struct {
	mu    sync.RWMutex
	sinks []contracts.NotificationSink
}

func NewService() *Service {
	return &Service{}
}

// Register adds a sink. Call during startup.
func (s *Service) Register(sink contracts.NotificationSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	log.Info().Str("sink", sink.Name()).Msg("notification sink registered")
}

// Dispatch delivers the decision to every sink in the background. It
// returns immediately; the request that produced the decision never waits
// on a webhook.
func (s *Service) Dispatch(decision *models.RoutingDecision) {
	s.mu.RLock()
	sinks := make([]contracts.NotificationSink, len(s.sinks))
	copy(sinks, s.sinks)
	s.mu.RUnlock()

	for _, sink := range sinks {
		go func(sink contracts.NotificationSink) {
			ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if err := sink.Notify(ctx, decision); err != nil {
				log.Warn().Err(err).Str("sink", sink.Name()).
					Str("decision", decision.ID).Msg("notification dispatch failed")
			}
		}(sink)
	}
}

// ── Webhook sink ─────────────────────────────────────────────

// WebhookSink posts each decision as JSON to a URL. When a secret is
// configured the payload is signed with HMAC-SHA256 in the
// X-Conductor-Signature header.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: dispatchTimeout},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Notify(ctx context.Context, decision *models.RoutingDecision) error {
	payload, err := json.Marshal(map[string]any{
		"event":     "routing_decision",
		"decision":  decision,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		mac := hmac.New(sha256.New, []byte(w.secret))
		mac.Write(payload)
		req.Header.Set("X-Conductor-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// ── Log sink ─────────────────────────────────────────────────

// LogSink writes decisions to the structured log. Always registered, so
// fallback routing is observable even with no webhook configured.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Notify(_ context.Context, d *models.RoutingDecision) error {
	log.Info().Str("decision", d.ID).Str("account", d.AccountID).
		Str("conversation", d.ConversationID).Str("type", d.ChosenType).
		Float64("confidence", d.Confidence).Bool("fallback", d.UsedFallback).
		Str("reason", string(d.FallbackReason)).Msg("routing decision")
	return nil
}
