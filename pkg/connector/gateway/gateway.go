// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway implements protocol.Dialer on top of a websocket gateway
// that terminates the WhatsApp multi-device protocol and its cryptographic
// handshake. The bridge and the gateway exchange JSON frames tagged by a
// "type" field:
//
//	bridge  -> gateway: hello, send, retry_request
//	gateway -> bridge:  pairing_code, open, close, creds, messages,
//	                    undecryptable, ack
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	frameHello         = "hello"
	frameSend          = "send"
	frameRetryRequest  = "retry_request"
	framePairingCode   = "pairing_code"
	frameOpen          = "open"
	frameClose         = "close"
	frameCreds         = "creds"
	frameMessages      = "messages"
	frameUndecryptable = "undecryptable"
	frameAck           = "ack"
)

const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultMaxRetries     = 5

	// maxFrameSize bounds a single gateway frame; history batches can be large.
	maxFrameSize = 16 << 20
)

// DefaultVersion is announced when the gateway cannot report a newer one.
var DefaultVersion = protocol.Version{2, 3000, 1015901307}

// frame is the union of all gateway frames.
type frame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`

	Version     *protocol.Version     `json:"version,omitempty"`
	Credentials *protocol.Credentials `json:"credentials,omitempty"`

	Code   string `json:"code,omitempty"`
	Reason int    `json:"reason,omitempty"`

	BatchType string            `json:"batch_type,omitempty"`
	Messages  []json.RawMessage `json:"messages,omitempty"`

	ID   string `json:"id,omitempty"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`

	Error string `json:"error,omitempty"`
}

// Dialer connects to the gateway at URL.
type Dialer struct {
	URL string
	// VersionURL answers GET with {"version": [major, minor, patch]}.
	// Empty means always use Fallback.
	VersionURL     string
	Fallback       protocol.Version
	Header         http.Header
	HTTPClient     *http.Client
	ConnectTimeout time.Duration
	// MaxRetries caps re-requests of an undecryptable message.
	MaxRetries int
}

var _ protocol.Dialer = (*Dialer)(nil)

func (d *Dialer) fallback() protocol.Version {
	if d.Fallback.IsZero() {
		return DefaultVersion
	}
	return d.Fallback
}

func (d *Dialer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return http.DefaultClient
}

func (d *Dialer) connectTimeout() time.Duration {
	if d.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return d.ConnectTimeout
}

// LatestVersion fetches the current protocol version from VersionURL. The
// request is bounded by ConnectTimeout.
func (d *Dialer) LatestVersion(ctx context.Context) (protocol.Version, error) {
	if d.VersionURL == "" {
		return d.fallback(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.VersionURL, nil)
	if err != nil {
		return d.fallback(), fmt.Errorf("failed to build version request: %w", err)
	}
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return d.fallback(), fmt.Errorf("failed to fetch version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return d.fallback(), fmt.Errorf("version endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		Version protocol.Version `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return d.fallback(), fmt.Errorf("failed to decode version: %w", err)
	}
	if body.Version.IsZero() {
		return d.fallback(), fmt.Errorf("version endpoint returned an empty version")
	}
	return body.Version, nil
}

// Dial opens the websocket, sends the hello frame and starts reading.
// The returned session lives until Close or until the gateway closes it;
// ctx only bounds the dial itself.
func (d *Dialer) Dial(ctx context.Context, creds *protocol.Credentials, opts protocol.DialOptions) (protocol.Session, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("gateway URL not configured")
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout())
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	version := opts.Version
	if version.IsZero() {
		version = d.fallback()
	}
	hello := frame{Type: frameHello, Version: &version, Credentials: creds}
	if err := wsjson.Write(dialCtx, conn, hello); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	s := newSession(conn, opts.RetryCounter, maxRetries, opts.Log)
	go s.readLoop()

	opts.Log.Debug().
		Str("gateway_url", d.URL).
		Stringer("version", version).
		Bool("has_credentials", creds != nil).
		Msg("Gateway session started")
	return s, nil
}
