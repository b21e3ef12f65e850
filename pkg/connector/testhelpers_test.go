// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aiku/wahook/pkg/connector/credstore"
	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/aiku/wahook/pkg/connector/webhook"
	"github.com/rs/zerolog"
)

const waitTimeout = 5 * time.Second

// sentMessage records one SendText call.
type sentMessage struct {
	To   string
	Text string
}

// fakeSession is a protocol.Session driven by the test through its
// channels. It records sends and closes.
type fakeSession struct {
	events   chan protocol.ConnectionEvent
	messages chan protocol.MessageBatch
	creds    chan *protocol.Credentials

	mu      sync.Mutex
	sent    []sentMessage
	sendErr error
	closed  int
}

var _ protocol.Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{
		events:   make(chan protocol.ConnectionEvent, 16),
		messages: make(chan protocol.MessageBatch, 16),
		creds:    make(chan *protocol.Credentials, 16),
	}
}

func (s *fakeSession) Events() <-chan protocol.ConnectionEvent {
	return s.events
}

func (s *fakeSession) Messages() <-chan protocol.MessageBatch {
	return s.messages
}

func (s *fakeSession) CredentialUpdates() <-chan *protocol.Credentials {
	return s.creds
}

func (s *fakeSession) SendText(_ context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{To: to, Text: text})
	return s.sendErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *fakeSession) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]sentMessage, len(s.sent))
	copy(cp, s.sent)
	return cp
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed > 0
}

// dialCall records one Dial call.
type dialCall struct {
	Creds *protocol.Credentials
	Opts  protocol.DialOptions
}

// fakeDialer hands out fakeSessions and records every dial.
type fakeDialer struct {
	mu          sync.Mutex
	calls       []dialCall
	sessions    []*fakeSession
	failNext    int
	version     protocol.Version
	versionErr  error
	versionHits int
	// onDial runs on every new session before Dial returns it.
	onDial func(*fakeSession)

	dialed chan *fakeSession
}

var _ protocol.Dialer = (*fakeDialer)(nil)

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		version: protocol.Version{2, 3000, 1},
		dialed:  make(chan *fakeSession, 16),
	}
}

func (d *fakeDialer) LatestVersion(_ context.Context) (protocol.Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versionHits++
	if d.versionErr != nil {
		return protocol.Version{}, d.versionErr
	}
	return d.version, nil
}

func (d *fakeDialer) Dial(_ context.Context, creds *protocol.Credentials, opts protocol.DialOptions) (protocol.Session, error) {
	d.mu.Lock()
	d.calls = append(d.calls, dialCall{Creds: creds, Opts: opts})
	if d.failNext > 0 {
		d.failNext--
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	if d.onDial != nil {
		d.onDial(s)
	}
	d.mu.Unlock()
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) Calls() []dialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]dialCall, len(d.calls))
	copy(cp, d.calls)
	return cp
}

func (d *fakeDialer) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// nextSession waits for the next successful dial.
func (d *fakeDialer) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// noSession asserts that nothing is dialed within wait.
func (d *fakeDialer) noSession(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-d.dialed:
		t.Fatal("unexpected dial")
	case <-time.After(wait):
	}
}

// memStore is an in-memory credstore.Store.
type memStore struct {
	mu      sync.Mutex
	creds   *protocol.Credentials
	saves   int
	saveErr error
	loadErr error
	deleted bool
}

var _ credstore.Store = (*memStore)(nil)

func (m *memStore) Load(_ context.Context) (*protocol.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.creds.Clone(), nil
}

func (m *memStore) Save(_ context.Context, creds *protocol.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.creds = creds.Clone()
	return nil
}

func (m *memStore) Exists(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds != nil, nil
}

func (m *memStore) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	m.deleted = true
	return nil
}

func (m *memStore) Close() error {
	return nil
}

func (m *memStore) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

func (m *memStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memStore) Stored() *protocol.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Clone()
}

// recordingWebhook captures deliveries. When block is set, Deliver waits
// for it to be closed first.
type recordingWebhook struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	block    chan struct{}
}

func (w *recordingWebhook) Deliver(_ context.Context, payload webhook.Payload) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, payload)
}

func (w *recordingWebhook) Payloads() []webhook.Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]webhook.Payload, len(w.payloads))
	copy(cp, w.payloads)
	return cp
}

// recordingPresenter captures pairing codes.
type recordingPresenter struct {
	mu    sync.Mutex
	codes []string
}

func (p *recordingPresenter) Present(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = append(p.codes, code)
}

func (p *recordingPresenter) Codes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.codes...)
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestClient builds a client with short reconnect delays.
func newTestClient(dialer protocol.Dialer, store credstore.Store, presenter *recordingPresenter) *WhatsAppClient {
	opts := ClientOptions{
		Dialer:            dialer,
		Store:             store,
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 40 * time.Millisecond,
	}
	if presenter != nil {
		opts.Presenter = presenter
	}
	return NewWhatsAppClient(opts, zerolog.Nop())
}

// textMessage builds an inbound text message from sender.
func textMessage(id, sender, text string) *protocol.Message {
	raw := []byte(`{"key":{"remoteJid":"` + sender + `","id":"` + id + `"},"message":{"conversation":"` + text + `"}}`)
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		panic(err)
	}
	return msg
}
