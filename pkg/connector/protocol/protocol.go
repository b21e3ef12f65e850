// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package protocol defines the boundary between the bridge core and the
// chat-protocol transport: credentials, connection events, inbound messages
// and the Session/Dialer interfaces a transport must implement.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrSessionClosed is returned by Session.SendText after the session closed.
var ErrSessionClosed = errors.New("session closed")

// Credentials is the persisted authentication state of the linked device.
// Material is opaque to everything except the transport.
type Credentials struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Material  []byte    `json:"material"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so that stores never share the transport's buffer.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Material != nil {
		cp.Material = make([]byte, len(c.Material))
		copy(cp.Material, c.Material)
	}
	return &cp
}

// Version is the protocol version triple announced during the handshake.
type Version [3]int

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// IsZero reports whether no version was set.
func (v Version) IsZero() bool {
	return v == Version{}
}

// EventType distinguishes the variants of ConnectionEvent.
type EventType int

const (
	EventPairingCode EventType = iota + 1
	EventOpened
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventPairingCode:
		return "pairing_code"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// ConnectionEvent is a lifecycle notification emitted by a Session.
type ConnectionEvent struct {
	Type EventType
	// PairingCode is set for EventPairingCode.
	PairingCode string
	// Reason is set for EventClosed.
	Reason DisconnectReason
	// Final is set for EventClosed when the remote side revoked the session.
	Final bool
	Err   error
}

// PairingCodeEvent builds an EventPairingCode event.
func PairingCodeEvent(code string) ConnectionEvent {
	return ConnectionEvent{Type: EventPairingCode, PairingCode: code}
}

// OpenedEvent builds an EventOpened event.
func OpenedEvent() ConnectionEvent {
	return ConnectionEvent{Type: EventOpened}
}

// ClosedEvent builds an EventClosed event. Final is derived from the reason.
func ClosedEvent(reason DisconnectReason, err error) ConnectionEvent {
	return ConnectionEvent{Type: EventClosed, Reason: reason, Final: reason.IsLoggedOut(), Err: err}
}

// RetryCounter tracks decryption retry attempts per message ID. The transport
// consults it before asking the network to resend an undecryptable message,
// and deletes the entry once the message arrives.
type RetryCounter interface {
	Get(id string) (int, bool)
	Increment(id string) int
	Delete(id string)
}

// DialOptions carries everything a transport needs besides credentials.
type DialOptions struct {
	Version      Version
	RetryCounter RetryCounter
	Log          zerolog.Logger
}

// Session is one live connection to the chat network. A Session is never
// reused after it emits EventClosed; the owner dials a new one instead.
type Session interface {
	// Events carries PairingCode, Opened and Closed notifications.
	Events() <-chan ConnectionEvent
	// Messages carries inbound message batches.
	Messages() <-chan MessageBatch
	// CredentialUpdates carries the full credential state each time the
	// handshake advances.
	CredentialUpdates() <-chan *Credentials
	// SendText sends a plain text message and waits for the network ack.
	SendText(ctx context.Context, to, text string) error
	// Close tears down the connection. It is safe to call more than once.
	Close() error
}

// Dialer creates sessions.
type Dialer interface {
	// LatestVersion asks the network for the newest protocol version. On
	// failure it returns a usable fallback together with the error.
	LatestVersion(ctx context.Context) (Version, error)
	// Dial connects using creds, which may be nil to request fresh pairing.
	Dial(ctx context.Context, creds *Credentials, opts DialOptions) (Session, error)
}
