// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aiku/wahook/pkg/connector/credstore"
	"github.com/aiku/wahook/pkg/connector/gateway"
	"github.com/aiku/wahook/pkg/connector/pairing"
	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/aiku/wahook/pkg/connector/retrycache"
	"github.com/aiku/wahook/pkg/connector/webhook"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix/bridgev2/status"
)

const (
	maxWebhookBodySize = 1 << 20
	shutdownGrace      = 5 * time.Second
)

// Bridge wires the WhatsApp client, the message pipeline and the HTTP API
// together.
type Bridge struct {
	Config   *Config
	Client   *WhatsAppClient
	Pipeline *Pipeline
	Webhook  *webhook.Dispatcher
	Retries  *retrycache.Cache

	store     credstore.Store
	server    *http.Server
	startedAt time.Time
	log       zerolog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBridge builds a bridge from the config: it opens the credential store
// and points the client at the configured gateway.
func NewBridge(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	store, err := credstore.Open(cfg.Credentials.Type, cfg.Credentials.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	dialer := &gateway.Dialer{
		URL:            cfg.Gateway.URL,
		VersionURL:     cfg.Gateway.VersionURL,
		Fallback:       cfg.ProtocolVersion(),
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		MaxRetries:     cfg.Gateway.MaxRetries,
	}
	b, err := newBridge(cfg, log, dialer, store, pairing.NewTerminalPresenter(nil, log))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return b, nil
}

func newBridge(cfg *Config, log zerolog.Logger, dialer protocol.Dialer, store credstore.Store, presenter pairing.Presenter) (*Bridge, error) {
	dispatcher, err := webhook.New(webhook.Config{
		URL:      cfg.Webhook.URL,
		Format:   cfg.Webhook.Format,
		Timeout:  cfg.Webhook.Timeout,
		Username: cfg.Webhook.Username,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook dispatcher: %w", err)
	}
	retries := retrycache.New(cfg.RetryCache.TTL, cfg.RetryCache.Capacity)
	client := NewWhatsAppClient(ClientOptions{
		Dialer:            dialer,
		Store:             store,
		Presenter:         presenter,
		Retries:           retries,
		FallbackVersion:   cfg.ProtocolVersion(),
		MinReconnectDelay: cfg.Reconnect.MinDelay,
		MaxReconnectDelay: cfg.Reconnect.MaxDelay,
	}, log)
	pipeline := NewPipeline(PipelineOptions{
		Webhook:       dispatcher,
		Replies:       cfg.Replies,
		SendTimeout:   cfg.Gateway.SendTimeout,
		MaxConcurrent: cfg.Webhook.MaxConcurrent,
	}, log)

	b := &Bridge{
		Config:   cfg,
		Client:   client,
		Pipeline: pipeline,
		Webhook:  dispatcher,
		Retries:  retries,
		store:    store,
		log:      log,
	}
	b.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      b.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return b, nil
}

// Start launches the HTTP API, the pipeline and the WhatsApp connection.
// It returns once the first connection attempt has been made.
func (b *Bridge) Start(ctx context.Context) error {
	if b.Config.Webhook.URL == "" {
		b.log.Warn().Msg("No webhook URL configured, inbound messages will only be answered")
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.startedAt = time.Now()
	b.done = make(chan struct{})
	b.Retries.Start()

	go func() {
		defer close(b.done)
		b.Pipeline.Run(ctx, b.Client.Inbound())
	}()

	go func() {
		b.log.Info().Str("addr", b.server.Addr).Msg("Starting HTTP API")
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error().Err(err).Msg("HTTP API error")
		}
	}()

	if err := b.Client.Start(ctx); err != nil {
		b.cancel()
		return fmt.Errorf("failed to start WhatsApp client: %w", err)
	}
	return nil
}

// Stop shuts everything down. In-flight webhook deliveries get a short
// grace period.
func (b *Bridge) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := b.server.Shutdown(shutdownCtx); err != nil {
		b.log.Warn().Err(err).Msg("Failed to shut down HTTP API cleanly")
	}
	b.Client.Stop()
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	if !b.Pipeline.WaitTimeout(shutdownGrace) {
		b.log.Warn().Msg("Abandoning in-flight webhook deliveries")
	}
	b.Retries.Stop()
	if err := b.store.Close(); err != nil {
		b.log.Warn().Err(err).Msg("Failed to close credential store")
	}
	b.log.Info().Msg("Bridge stopped")
}

// Router returns the HTTP API handler.
func (b *Bridge) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(hlog.NewHandler(b.log.With().Str("component", "http").Logger()))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, code, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", code).
			Int("size", size).
			Dur("duration", duration).
			Msg("HTTP request")
	}))
	r.Use(chiMiddleware.Recoverer)

	r.Post("/webhook", b.HandleWebhook)
	r.Get("/status", b.HandleStatus)
	r.Get("/health", b.HandleHealth)
	return r
}

// HandleWebhook is a receiver for manually testing the relay: point
// webhook.url at it and every relayed message shows up in the log. It
// always answers 200.
func (b *Bridge) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodySize))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook body")
	}
	evt := log.Info().Str("remote_addr", r.RemoteAddr)
	if json.Valid(body) {
		evt = evt.RawJSON("body", body)
	} else {
		evt = evt.Str("body", string(body))
	}
	evt.Msg("Received webhook")

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Webhook received")
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	BridgeState status.BridgeState `json:"bridge_state"`
	Webhook     webhook.Stats      `json:"webhook"`
	Pipeline    PipelineStats      `json:"pipeline"`
	RetryCache  int                `json:"retry_cache_entries"`
	Uptime      string             `json:"uptime"`
}

func (b *Bridge) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		BridgeState: b.Client.BridgeState(),
		Webhook:     b.Webhook.Stats(),
		Pipeline:    b.Pipeline.Stats(),
		RetryCache:  b.Retries.Len(),
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Truncate(time.Second).String()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write status response")
	}
}

// HandleHealth answers 200 while the process is up, whatever the state of
// the WhatsApp connection.
func (b *Bridge) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  b.Client.State().String(),
	}); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Failed to write health response")
	}
}
