package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

func TestWebhookSinkSignsPayload(t *testing.T) {
	const secret = "hunter2"

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Conductor-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, secret)
	decision := &models.RoutingDecision{ID: "d1", AccountID: "a1", ChosenType: "billing", Confidence: 0.9}
	if err := sink.Notify(context.Background(), decision); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("signature header = %q", gotSig)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig, want)
	}

	var payload struct {
		Event    string                 `json:"event"`
		Decision models.RoutingDecision `json:"decision"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.Event != "routing_decision" || payload.Decision.ID != "d1" {
		t.Errorf("payload wrong: %+v", payload)
	}
}

func TestWebhookSinkNoSecretNoSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Conductor-Signature")
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	if err := sink.Notify(context.Background(), &models.RoutingDecision{ID: "d1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotSig != "" {
		t.Errorf("unexpected signature without a secret: %q", gotSig)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, "")
	if err := sink.Notify(context.Background(), &models.RoutingDecision{ID: "d1"}); err == nil {
		t.Error("5xx response not reported")
	}
}

// recordingSink captures deliveries for Dispatch tests.
type recordingSink struct {
	ch chan string
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, d *models.RoutingDecision) error {
	s.ch <- d.ID
	return nil
}

func TestDispatchReachesAllSinks(t *testing.T) {
	svc := NewService()
	a := &recordingSink{ch: make(chan string, 1)}
	b := &recordingSink{ch: make(chan string, 1)}
	svc.Register(a)
	svc.Register(b)

	svc.Dispatch(&models.RoutingDecision{ID: "d1"})

	for _, sink := range []*recordingSink{a, b} {
		select {
		case id := <-sink.ch:
			if id != "d1" {
				t.Errorf("sink got %s", id)
			}
		case <-time.After(time.Second):
			t.Fatal("sink never received the decision")
		}
	}
}
