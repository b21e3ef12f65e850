// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a WhatsApp-to-webhook bridge. It keeps one
// linked WhatsApp device connected, answers every inbound message with a
// canned reply and relays the message to an HTTP endpoint.
//
// # Core Types
//
// [WhatsAppClient] owns the session. It dials through a [protocol.Dialer],
// presents pairing codes, persists credential updates and reconnects with
// backoff. Every reconnect dials a new session; events from a replaced
// session are dropped. A loggedOut closure is terminal until Start is
// called again.
//
// [Pipeline] consumes the client's inbound batches. It skips history
// replays and the device's own messages, sends the ping or default reply
// in batch order and hands each message to the webhook on its own
// goroutine. A failed reply does not stop the relay, and a panic while
// handling one message does not stop the batch.
//
// [Bridge] builds both from a [Config] and serves the HTTP API: /status,
// /health and a /webhook receiver for testing the relay by hand.
//
// # Sub-packages
//
//   - protocol defines the session, credential and message types.
//   - gateway implements the session over a websocket gateway.
//   - credstore persists credentials to a directory or SQLite.
//   - retrycache bounds decryption retries per message.
//   - webhook posts relayed messages.
//   - pairing draws pairing codes as terminal QR codes.
package connector
