// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiku/wahook/pkg/connector/credstore"
	"github.com/aiku/wahook/pkg/connector/pairing"
	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/bridgev2/status"
)

const (
	DefaultMinReconnectDelay = time.Second
	DefaultMaxReconnectDelay = time.Minute
)

// ErrNotConnected is returned when an operation needs an open session.
var ErrNotConnected = errors.New("not connected")

// State is the lifecycle state of the WhatsApp connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePairingRequired
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePairingRequired:
		return "pairing_required"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InboundBatch is a message batch together with the session that delivered
// it, so replies go back through the same connection.
type InboundBatch struct {
	Session protocol.Session
	Batch   protocol.MessageBatch
}

// ClientOptions configures a WhatsAppClient.
type ClientOptions struct {
	Dialer    protocol.Dialer
	Store     credstore.Store
	Presenter pairing.Presenter
	// Retries is handed to every session so counts survive reconnects.
	Retries protocol.RetryCounter
	// FallbackVersion is used when the dialer cannot report the latest version.
	FallbackVersion protocol.Version

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
}

// WhatsAppClient owns the single WhatsApp session. It dials, watches the
// connection events, persists credentials and reconnects until the remote
// side logs the device out.
type WhatsAppClient struct {
	dialer    protocol.Dialer
	store     credstore.Store
	presenter pairing.Presenter
	retries   protocol.RetryCounter
	fallback  protocol.Version
	minDelay  time.Duration
	maxDelay  time.Duration
	log       zerolog.Logger

	inbound chan InboundBatch

	mu         sync.Mutex
	state      State
	session    protocol.Session
	generation uint64
	lastReason protocol.DisconnectReason
	lastErr    error
	credsErr   error
	delay      time.Duration
	reconnect  *time.Timer
	runCtx     context.Context
	runCancel  context.CancelFunc
}

// NewWhatsAppClient creates a client in the Disconnected state.
func NewWhatsAppClient(opts ClientOptions, log zerolog.Logger) *WhatsAppClient {
	minDelay := opts.MinReconnectDelay
	if minDelay <= 0 {
		minDelay = DefaultMinReconnectDelay
	}
	maxDelay := opts.MaxReconnectDelay
	if maxDelay < minDelay {
		maxDelay = max(minDelay, DefaultMaxReconnectDelay)
	}
	presenter := opts.Presenter
	if presenter == nil {
		presenter = pairing.PresenterFunc(func(string) {})
	}
	return &WhatsAppClient{
		dialer:    opts.Dialer,
		store:     opts.Store,
		presenter: presenter,
		retries:   opts.Retries,
		fallback:  opts.FallbackVersion,
		minDelay:  minDelay,
		maxDelay:  maxDelay,
		delay:     minDelay,
		log:       log.With().Str("component", "wa_client").Logger(),
		inbound:   make(chan InboundBatch, 16),
	}
}

// Inbound returns the stream of message batches from whichever session is
// current. Batches from replaced sessions are never published.
func (c *WhatsAppClient) Inbound() <-chan InboundBatch {
	return c.inbound
}

// State returns the current lifecycle state.
func (c *WhatsAppClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the current session, or nil when none is live.
func (c *WhatsAppClient) Session() protocol.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastDisconnect returns the reason and error of the most recent closure.
func (c *WhatsAppClient) LastDisconnect() (protocol.DisconnectReason, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReason, c.lastErr
}

// SendText sends through the current session.
func (c *WhatsAppClient) SendText(ctx context.Context, to, text string) error {
	sess := c.Session()
	if sess == nil || c.State() != StateOpen {
		return ErrNotConnected
	}
	return sess.SendText(ctx, to, text)
}

// Start connects unless a connection is already live or pending. It only
// fails when the stored credentials cannot be read; dial failures are
// handled by the reconnect loop.
func (c *WhatsAppClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil && c.runCtx.Err() != nil {
		if stale := c.resetCancelledRunLocked(); stale != nil {
			defer func() { _ = stale.Close() }()
		}
	}
	switch {
	case c.state == StateConnecting, c.state == StatePairingRequired, c.state == StateOpen:
		c.mu.Unlock()
		c.log.Debug().Stringer("state", c.state).Msg("Start called while already running, ignoring")
		return nil
	case c.reconnect != nil:
		c.mu.Unlock()
		c.log.Debug().Msg("Start called while reconnect is pending, ignoring")
		return nil
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.delay = c.minDelay
	c.credsErr = nil
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	runCtx := c.runCtx
	c.mu.Unlock()

	c.log.Info().Msg("Connecting to WhatsApp")
	if err := c.connect(runCtx, gen); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.state = StateDisconnected
			c.credsErr = err
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// resetCancelledRunLocked forgets what a run whose context was cancelled
// left behind: its pending reconnect and its session, which it returns for
// the caller to close. Nothing reads that session any more, so the client is
// effectively disconnected.
func (c *WhatsAppClient) resetCancelledRunLocked() protocol.Session {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	sess := c.session
	c.session = nil
	c.generation++
	c.state = StateDisconnected
	return sess
}

// Stop closes the current session and cancels any pending reconnect. The
// client can be started again afterwards.
func (c *WhatsAppClient) Stop() {
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	sess := c.session
	c.session = nil
	c.generation++
	c.state = StateDisconnected
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	c.log.Info().Msg("Disconnected from WhatsApp")
}

// Logout stops the client and forgets the stored credentials, so the next
// start pairs a new device.
func (c *WhatsAppClient) Logout(ctx context.Context) error {
	c.Stop()
	if err := c.store.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// connect dials a new session for generation gen. It returns an error only
// when credentials cannot be loaded.
func (c *WhatsAppClient) connect(ctx context.Context, gen uint64) error {
	creds, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds == nil {
		c.log.Info().Msg("No stored credentials, a new device will be paired")
	}

	version, err := c.dialer.LatestVersion(ctx)
	if err != nil || version.IsZero() {
		c.log.Warn().Err(err).Msg("Failed to fetch latest protocol version, using fallback")
		if !c.fallback.IsZero() {
			version = c.fallback
		}
	}

	sess, err := c.dialer.Dial(ctx, creds, protocol.DialOptions{
		Version:      version,
		RetryCounter: c.retries,
		Log:          c.log,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to dial WhatsApp")
		c.handleClosed(gen, protocol.ReasonConnectionClosed, err)
		return nil
	}

	c.mu.Lock()
	if c.generation != gen || ctx.Err() != nil {
		c.mu.Unlock()
		c.log.Debug().Msg("Connection attempt superseded, closing new session")
		_ = sess.Close()
		return nil
	}
	c.session = sess
	c.mu.Unlock()

	c.log.Debug().Uint64("generation", gen).Stringer("version", version).Msg("Session dialed")
	go c.listen(ctx, gen, sess)
	return nil
}

// current reports whether gen is still the live generation.
func (c *WhatsAppClient) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// listen routes one session's streams until the session closes or is
// replaced.
func (c *WhatsAppClient) listen(ctx context.Context, gen uint64, sess protocol.Session) {
	log := c.log.With().Uint64("generation", gen).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sess.Events():
			if !ok {
				c.dropSession(gen, sess, protocol.ReasonConnectionLost, nil)
				return
			}
			if !c.handleEvent(ctx, gen, sess, evt) {
				return
			}
		case batch, ok := <-sess.Messages():
			if !ok {
				c.dropSession(gen, sess, protocol.ReasonConnectionLost, nil)
				return
			}
			if !c.current(gen) {
				log.Debug().Msg("Dropping message batch from stale session")
				return
			}
			select {
			case c.inbound <- InboundBatch{Session: sess, Batch: batch}:
			case <-ctx.Done():
				return
			}
		case creds, ok := <-sess.CredentialUpdates():
			if !ok {
				c.dropSession(gen, sess, protocol.ReasonConnectionLost, nil)
				return
			}
			if !c.current(gen) {
				return
			}
			c.saveCredentials(ctx, creds)
		}
	}
}

// handleEvent applies a connection event. It returns false when the listen
// loop for this session must end.
func (c *WhatsAppClient) handleEvent(ctx context.Context, gen uint64, sess protocol.Session, evt protocol.ConnectionEvent) bool {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.log.Debug().Stringer("event", evt.Type).Msg("Dropping event from stale session")
		return false
	}
	switch evt.Type {
	case protocol.EventPairingCode:
		c.state = StatePairingRequired
		c.mu.Unlock()
		c.log.Info().Msg("Pairing required")
		c.presenter.Present(evt.PairingCode)
		return true
	case protocol.EventOpened:
		c.state = StateOpen
		c.delay = c.minDelay
		c.lastReason = 0
		c.lastErr = nil
		c.mu.Unlock()
		c.log.Info().Msg("Connection opened")
		return true
	case protocol.EventClosed:
		c.mu.Unlock()
		c.drainMessages(ctx, gen, sess)
		c.dropSession(gen, sess, evt.Reason, evt.Err)
		return false
	default:
		c.mu.Unlock()
		c.log.Trace().Stringer("event", evt.Type).Msg("Unhandled connection event")
		return true
	}
}

// drainMessages publishes batches the session queued before it closed, so a
// closure racing with delivery loses nothing already received.
func (c *WhatsAppClient) drainMessages(ctx context.Context, gen uint64, sess protocol.Session) {
	for {
		select {
		case batch, ok := <-sess.Messages():
			if !ok || !c.current(gen) {
				return
			}
			select {
			case c.inbound <- InboundBatch{Session: sess, Batch: batch}:
			case <-ctx.Done():
				return
			}
		default:
			return
		}
	}
}

func (c *WhatsAppClient) dropSession(gen uint64, sess protocol.Session, reason protocol.DisconnectReason, err error) {
	_ = sess.Close()
	c.handleClosed(gen, reason, err)
}

// handleClosed moves to Closed and schedules a reconnect unless the device
// was logged out.
func (c *WhatsAppClient) handleClosed(gen uint64, reason protocol.DisconnectReason, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return
	}
	c.session = nil
	c.state = StateClosed
	c.lastReason = reason
	c.lastErr = err

	log := c.log.With().Stringer("reason", reason).Int("code", int(reason)).Logger()
	if reason.IsLoggedOut() {
		log.Warn().Err(err).Msg("Connection closed, device was logged out")
		return
	}
	if c.runCtx == nil || c.runCtx.Err() != nil {
		log.Info().Err(err).Msg("Connection closed while stopping")
		return
	}

	delay := c.delay
	c.delay = min(c.delay*2, c.maxDelay)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("Connection closed, reconnecting")
	c.reconnect = time.AfterFunc(delay, func() { c.reconnectNow(gen) })
}

func (c *WhatsAppClient) reconnectNow(prevGen uint64) {
	c.mu.Lock()
	if c.generation != prevGen {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	if c.state != StateClosed || c.runCtx == nil || c.runCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	ctx := c.runCtx
	c.mu.Unlock()

	c.log.Info().Uint64("generation", gen).Msg("Reconnecting to WhatsApp")
	if err := c.connect(ctx, gen); err != nil {
		c.log.Error().Err(err).Msg("Reconnect failed")
		c.handleClosed(gen, protocol.ReasonConnectionClosed, err)
	}
}

// saveCredentials persists an update. Failures are logged; the next update
// supersedes the lost one.
func (c *WhatsAppClient) saveCredentials(ctx context.Context, creds *protocol.Credentials) {
	if creds == nil {
		return
	}
	if creds.UpdatedAt.IsZero() {
		creds = creds.Clone()
		creds.UpdatedAt = time.Now()
	}
	if err := c.store.Save(ctx, creds); err != nil {
		c.log.Error().Err(err).Msg("Failed to save credentials")
		return
	}
	c.log.Debug().Str("device_id", creds.DeviceID).Msg("Credentials saved")
}

// BridgeState reports the connection state in mautrix bridge-state terms.
func (c *WhatsAppClient) BridgeState() status.BridgeState {
	c.mu.Lock()
	state, reason, lastErr, pending := c.state, c.lastReason, c.lastErr, c.reconnect != nil
	credsErr := c.credsErr
	c.mu.Unlock()

	bs := status.BridgeState{
		Timestamp: jsontime.UnixNow(),
		Info: map[string]any{
			"state": state.String(),
		},
	}
	switch state {
	case StateDisconnected:
		if credsErr != nil {
			bs.StateEvent = status.StateBadCredentials
			bs.Error = "wa-bad-credentials"
			bs.Message = "Stored credentials could not be read"
			bs.Info["error"] = credsErr.Error()
			break
		}
		bs.StateEvent = status.StateUnconfigured
		bs.Message = "Not started"
	case StateConnecting:
		bs.StateEvent = status.StateConnecting
	case StatePairingRequired:
		bs.StateEvent = status.StateConnecting
		bs.Error = "wa-pairing-required"
		bs.Message = "Scan the pairing code to link this device"
	case StateOpen:
		bs.StateEvent = status.StateConnected
	case StateClosed:
		bs.Info["reason"] = reason.String()
		if lastErr != nil {
			bs.Info["error"] = lastErr.Error()
		}
		switch {
		case reason.IsLoggedOut():
			bs.StateEvent = status.StateLoggedOut
			bs.Error = "wa-logged-out"
			bs.Message = "Device was logged out, pair again to resume"
		case pending:
			bs.StateEvent = status.StateTransientDisconnect
			bs.Error = "wa-disconnected"
			bs.Message = "Connection closed, reconnecting"
		default:
			bs.StateEvent = status.StateUnknownError
			bs.Error = "wa-closed"
			bs.Message = "Connection closed"
		}
	}
	return bs
}
