// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package webhook relays inbound chat messages to an external HTTP consumer.
//
// Delivery is best-effort: each payload gets exactly one POST attempt, and
// failures are logged and counted but never returned to the caller of
// [Dispatcher.Deliver]. Retry policies, if wanted, belong in a layer that
// wraps [Dispatcher.Send].
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// Format selects the request body layout.
type Format string

const (
	// FormatJSON posts {"from", "message", "raw"}.
	FormatJSON Format = "json"
	// FormatMattermost posts a Mattermost incoming-webhook body so the relay
	// can target a Mattermost channel directly.
	FormatMattermost Format = "mattermost"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultUsername = "WhatsApp"

	// maxErrorBodySize caps how much of a failed response is logged.
	maxErrorBodySize = 1024
)

// Payload is the relayed form of one inbound message.
type Payload struct {
	From    string          `json:"from"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"raw"`
}

// Config configures a Dispatcher.
type Config struct {
	URL      string
	Format   Format
	Timeout  time.Duration
	Username string
	Client   *http.Client
}

// Stats counts delivery outcomes since the dispatcher was created.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Dispatcher POSTs payloads to a single configured endpoint.
type Dispatcher struct {
	url      string
	format   Format
	timeout  time.Duration
	username string
	client   *http.Client
	log      zerolog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// New creates a Dispatcher. An empty URL yields a dispatcher that skips
// every delivery.
func New(cfg Config, log zerolog.Logger) (*Dispatcher, error) {
	format := Format(strings.ToLower(string(cfg.Format)))
	switch format {
	case "":
		format = FormatJSON
	case FormatJSON, FormatMattermost:
	default:
		return nil, fmt.Errorf("unknown webhook format %q", cfg.Format)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	username := cfg.Username
	if username == "" {
		username = DefaultUsername
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		url:      cfg.URL,
		format:   format,
		timeout:  timeout,
		username: username,
		client:   client,
		log:      log.With().Str("component", "webhook").Logger(),
	}, nil
}

// Enabled reports whether a destination URL is configured.
func (d *Dispatcher) Enabled() bool {
	return d.url != ""
}

// Deliver makes one delivery attempt and logs the outcome. It never returns
// an error and never retries.
func (d *Dispatcher) Deliver(ctx context.Context, payload Payload) {
	if !d.Enabled() {
		d.skipped.Add(1)
		d.log.Debug().Str("from", payload.From).Msg("No webhook URL configured, skipping delivery")
		return
	}
	if err := d.Send(ctx, payload); err != nil {
		d.failed.Add(1)
		d.log.Error().Err(err).Str("from", payload.From).Msg("Error sending message to webhook")
		return
	}
	d.delivered.Add(1)
	d.log.Info().Str("from", payload.From).Msg("Message sent to webhook")
}

// Send performs a single POST and reports any failure, including non-2xx
// responses, as an error.
func (d *Dispatcher) Send(ctx context.Context, payload Payload) error {
	if !d.Enabled() {
		return fmt.Errorf("webhook URL not configured")
	}
	body, err := d.encode(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (d *Dispatcher) encode(payload Payload) ([]byte, error) {
	raw := payload.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	var v any
	switch d.format {
	case FormatMattermost:
		v = &model.IncomingWebhookRequest{
			Text:     fmt.Sprintf("**%s**: %s", payload.From, payload.Message),
			Username: d.username,
			Props: model.StringInterface{
				"from": payload.From,
				"raw":  raw,
			},
		}
	default:
		v = Payload{From: payload.From, Message: payload.Message, Raw: raw}
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return body, nil
}

// Stats returns a snapshot of the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Skipped:   d.skipped.Load(),
	}
}
