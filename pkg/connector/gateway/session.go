// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
)

const streamBuffer = 64

// Session is one websocket connection to the gateway.
type Session struct {
	conn       *websocket.Conn
	retries    protocol.RetryCounter
	maxRetries int
	log        zerolog.Logger

	events   chan protocol.ConnectionEvent
	messages chan protocol.MessageBatch
	creds    chan *protocol.Credentials

	pendingMu sync.Mutex
	pending   map[string]chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	closedMu      sync.Mutex
	closedEmitted bool
}

var _ protocol.Session = (*Session)(nil)

func newSession(conn *websocket.Conn, retries protocol.RetryCounter, maxRetries int, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		conn:       conn,
		retries:    retries,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "gateway").Logger(),
		events:     make(chan protocol.ConnectionEvent, streamBuffer),
		messages:   make(chan protocol.MessageBatch, streamBuffer),
		creds:      make(chan *protocol.Credentials, streamBuffer),
		pending:    make(map[string]chan error),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Session) Events() <-chan protocol.ConnectionEvent { return s.events }

func (s *Session) Messages() <-chan protocol.MessageBatch { return s.messages }

func (s *Session) CredentialUpdates() <-chan *protocol.Credentials { return s.creds }

// Close tears down the websocket. Streams stop receiving values; they are
// not closed, so late readers simply block until they stop selecting.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		// Cancel first so the read loop treats the closure as local.
		s.cancel()
		if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
			s.log.Trace().Err(err).Msg("Websocket close returned error")
		}
		s.failPending(protocol.ErrSessionClosed)
	})
	return nil
}

// SendText sends a text message and waits for the gateway's ack.
func (s *Session) SendText(ctx context.Context, to, text string) error {
	if s.ctx.Err() != nil {
		return protocol.ErrSessionClosed
	}
	ref := random.String(16)
	ack := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[ref] = ack
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, ref)
		s.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, frame{Type: frameSend, Ref: ref, To: to, Text: text}); err != nil {
		if s.ctx.Err() != nil {
			return protocol.ErrSessionClosed
		}
		return fmt.Errorf("failed to write send frame: %w", err)
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return protocol.ErrSessionClosed
	}
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for ref, ch := range s.pending {
		select {
		case ch <- err:
		default:
		}
		delete(s.pending, ref)
	}
}

func (s *Session) readLoop() {
	for {
		var f frame
		err := wsjson.Read(s.ctx, s.conn, &f)
		if err != nil {
			s.handleReadError(err)
			return
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleReadError(err error) {
	if s.ctx.Err() != nil {
		// Closed locally; the owner already knows.
		return
	}
	reason := protocol.ReasonConnectionLost
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		reason = protocol.ReasonConnectionClosed
	}
	s.log.Debug().Err(err).Stringer("reason", reason).Msg("Gateway read failed")
	s.emitClosed(reason, err)
	_ = s.Close()
}

func (s *Session) handleFrame(f frame) {
	switch f.Type {
	case framePairingCode:
		s.emitEvent(protocol.PairingCodeEvent(f.Code))
	case frameOpen:
		s.emitEvent(protocol.OpenedEvent())
	case frameClose:
		reason := protocol.DisconnectReason(f.Reason)
		if reason == 0 {
			reason = protocol.ReasonConnectionClosed
		}
		var err error
		if f.Error != "" {
			err = errors.New(f.Error)
		}
		s.emitClosed(reason, err)
		_ = s.Close()
	case frameCreds:
		if f.Credentials == nil {
			s.log.Warn().Msg("Gateway sent creds frame without credentials")
			return
		}
		select {
		case s.creds <- f.Credentials:
		case <-s.ctx.Done():
		}
	case frameMessages:
		s.handleMessages(f)
	case frameUndecryptable:
		s.handleUndecryptable(f)
	case frameAck:
		s.handleAck(f)
	default:
		s.log.Trace().Str("frame_type", f.Type).Msg("Unhandled frame type")
	}
}

func (s *Session) emitEvent(evt protocol.ConnectionEvent) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// emitClosed sends at most one Closed event per session.
func (s *Session) emitClosed(reason protocol.DisconnectReason, err error) {
	s.closedMu.Lock()
	if s.closedEmitted {
		s.closedMu.Unlock()
		return
	}
	s.closedEmitted = true
	s.closedMu.Unlock()
	s.emitEvent(protocol.ClosedEvent(reason, err))
}

func (s *Session) handleMessages(f frame) {
	batch := protocol.MessageBatch{
		Type:     protocol.BatchType(f.BatchType),
		Messages: make([]*protocol.Message, 0, len(f.Messages)),
	}
	if batch.Type == "" {
		batch.Type = protocol.BatchNotify
	}
	for i, raw := range f.Messages {
		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			s.log.Warn().Err(err).Int("index", i).Msg("Dropping malformed message from batch")
			continue
		}
		if s.retries != nil && msg.Key.ID != "" {
			s.retries.Delete(msg.Key.ID)
		}
		batch.Messages = append(batch.Messages, msg)
	}
	select {
	case s.messages <- batch:
	case <-s.ctx.Done():
	}
}

func (s *Session) handleUndecryptable(f frame) {
	if f.ID == "" {
		return
	}
	log := s.log.With().Str("message_id", f.ID).Str("from", f.From).Logger()
	if s.retries == nil {
		log.Warn().Msg("Undecryptable message and no retry counter, dropping")
		return
	}
	if count, ok := s.retries.Get(f.ID); ok && count >= s.maxRetries {
		log.Warn().Int("attempts", count).Msg("Giving up on undecryptable message")
		return
	}
	attempt := s.retries.Increment(f.ID)
	if err := wsjson.Write(s.ctx, s.conn, frame{Type: frameRetryRequest, ID: f.ID, From: f.From}); err != nil {
		log.Warn().Err(err).Msg("Failed to request message retry")
		return
	}
	log.Debug().Int("attempt", attempt).Msg("Requested retry for undecryptable message")
}

func (s *Session) handleAck(f frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.Ref]
	s.pendingMu.Unlock()
	if !ok {
		s.log.Trace().Str("ref", f.Ref).Msg("Ack for unknown send")
		return
	}
	var err error
	if f.Error != "" {
		err = fmt.Errorf("gateway rejected send: %s", f.Error)
	}
	select {
	case ch <- err:
	default:
	}
}
