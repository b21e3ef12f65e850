// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/aiku/wahook/pkg/connector/webhook"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2/status"
)

// hookServer records JSON bodies POSTed to it.
type hookServer struct {
	Server *httptest.Server

	mu     sync.Mutex
	bodies []webhook.Payload
}

func newHookServer(t *testing.T) *hookServer {
	t.Helper()
	h := &hookServer{}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.bodies = append(h.bodies, p)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.Server.Close)
	return h
}

func (h *hookServer) Bodies() []webhook.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhook.Payload(nil), h.bodies...)
}

func newTestConfig(t *testing.T, webhookURL string) *Config {
	t.Helper()
	cfg := &Config{
		ListenAddr: "127.0.0.1:0",
		Gateway:    GatewayConfig{URL: "ws://unused/ws"},
		Webhook:    WebhookConfig{URL: webhookURL},
		Reconnect:  ReconnectConfig{MinDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func newTestBridge(t *testing.T, webhookURL string) (*Bridge, *fakeDialer, *memStore) {
	t.Helper()
	d := newFakeDialer()
	store := &memStore{}
	b, err := newBridge(newTestConfig(t, webhookURL), zerolog.Nop(), d, store, &recordingPresenter{})
	if err != nil {
		t.Fatalf("newBridge: %v", err)
	}
	return b, d, store
}

func TestNewBridgeRejectsBadWebhookFormat(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t, "")
	cfg.Webhook.Format = "xml"
	if _, err := newBridge(cfg, zerolog.Nop(), newFakeDialer(), &memStore{}, nil); err == nil {
		t.Fatal("expected error for unknown webhook format")
	}
}

func TestNewBridgeOpensStore(t *testing.T) {
	t.Parallel()
	cfg := newTestConfig(t, "")
	cfg.Credentials.Path = t.TempDir()
	b, err := NewBridge(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })
	if b.Client == nil || b.Pipeline == nil || b.Webhook == nil || b.Retries == nil {
		t.Fatalf("bridge not fully wired: %+v", b)
	}
}

// TestHandleWebhook_AlwaysOK verifies the manual receiver answers 200 to
// anything POSTed.
func TestHandleWebhook_AlwaysOK(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, "")
	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	for _, body := range []string{`{"from":"A","message":"hi","raw":{}}`, `not json`, ``} {
		resp, err := http.Post(srv.URL+"/webhook", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("body %q: status %d", body, resp.StatusCode)
		}
		if string(data) != "Webhook received" {
			t.Errorf("body %q: response %q", body, data)
		}
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, "")
	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/webhook")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, "")
	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BridgeState.StateEvent != status.StateUnconfigured {
		t.Errorf("state_event = %q", got.BridgeState.StateEvent)
	}
	if got.BridgeState.Info["state"] != "disconnected" {
		t.Errorf("info.state = %v", got.BridgeState.Info["state"])
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBridge(t, "")
	srv := httptest.NewServer(b.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || got["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, got)
	}
}

// TestBridge_EndToEnd runs a ping through the whole bridge: the sender gets
// pong, the webhook gets the message, and a dropped connection is replaced.
func TestBridge_EndToEnd(t *testing.T) {
	t.Parallel()
	hook := newHookServer(t)
	b, d, store := newTestBridge(t, hook.Server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Stop(context.Background()) })

	s := d.nextSession(t)
	s.events <- protocol.PairingCodeEvent("2@pair")
	s.creds <- &protocol.Credentials{DeviceID: "dev", Material: []byte("k")}
	s.events <- protocol.OpenedEvent()
	waitFor(t, "open state", func() bool { return b.Client.State() == StateOpen })
	waitFor(t, "credentials saved", func() bool { return store.Saves() == 1 })

	msg := textMessage("m1", "A", "ping")
	s.messages <- protocol.MessageBatch{Type: protocol.BatchNotify, Messages: []*protocol.Message{msg}}

	waitFor(t, "reply", func() bool { return len(s.Sent()) == 1 })
	if sent := s.Sent()[0]; sent.To != "A" || sent.Text != "pong" {
		t.Errorf("reply = %+v", sent)
	}
	waitFor(t, "webhook delivery", func() bool { return len(hook.Bodies()) == 1 })
	body := hook.Bodies()[0]
	if body.From != "A" || body.Message != "ping" {
		t.Errorf("webhook body = %+v", body)
	}
	var raw map[string]any
	if err := json.Unmarshal(body.Raw, &raw); err != nil || raw["key"] == nil {
		t.Errorf("raw payload not forwarded: %s (%v)", body.Raw, err)
	}
	waitFor(t, "delivered stat", func() bool { return b.Webhook.Stats().Delivered == 1 })

	s.events <- protocol.ClosedEvent(protocol.ReasonConnectionLost, nil)
	next := d.nextSession(t)
	if next == s {
		t.Fatal("reconnect reused the old session")
	}
	if calls := d.Calls(); calls[len(calls)-1].Creds == nil || calls[len(calls)-1].Creds.DeviceID != "dev" {
		t.Error("reconnect did not use the saved credentials")
	}
}
