// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"strings"
	"testing"

	"github.com/aiku/wahook/pkg/connector/protocol"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// FuzzRepliesSelect checks the reply choice for arbitrary text. Exactly the
// case-folded keyword gets the ping reply.
// ---------------------------------------------------------------------------

func FuzzRepliesSelect(f *testing.F) {
	f.Add("ping")
	f.Add("PING")
	f.Add("pInG")
	f.Add("")
	f.Add(" ping")
	f.Add("ping\n")
	f.Add("pıng") // dotless i
	f.Add(string([]byte{0x00}))

	r := Replies{}.withDefaults()
	f.Fuzz(func(t *testing.T, text string) {
		got := r.Select(text)
		if got != r.Ping && got != r.Default {
			t.Fatalf("Select(%q) = %q, not one of the configured replies", text, got)
		}
		if strings.EqualFold(text, "ping") != (got == r.Ping) {
			t.Errorf("Select(%q) = %q disagrees with case-insensitive match", text, got)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzParseJID splits arbitrary JIDs. Must never panic and must never keep a
// device suffix in the user part.
// ---------------------------------------------------------------------------

func FuzzParseJID(f *testing.F) {
	f.Add("15551234567@s.whatsapp.net")
	f.Add("15551234567:3@s.whatsapp.net")
	f.Add("12036302@g.us")
	f.Add("status@broadcast")
	f.Add("@")
	f.Add("a@b@c")
	f.Add("")

	f.Fuzz(func(t *testing.T, jid string) {
		user, server := ParseJID(jid)
		if strings.Contains(user, ":") {
			t.Errorf("ParseJID(%q) kept a device suffix: %q", jid, user)
		}
		if strings.Contains(jid, "@") && !strings.HasSuffix(jid, "@"+server) {
			t.Errorf("ParseJID(%q) server %q is not the suffix", jid, server)
		}
		_ = ChatType(jid)
	})
}

// ---------------------------------------------------------------------------
// FuzzHandleBatch feeds arbitrary message JSON through the pipeline. Must
// never panic, and every message that parses and is not our own gets one
// reply and one webhook delivery.
// ---------------------------------------------------------------------------

func FuzzHandleBatch(f *testing.F) {
	f.Add(`{"key":{"remoteJid":"A@s.whatsapp.net","id":"1"},"message":{"conversation":"ping"}}`)
	f.Add(`{"key":{"remoteJid":"A","fromMe":true,"id":"1"},"message":{"conversation":"ping"}}`)
	f.Add(`{"key":{"remoteJid":"A","id":"1"},"message":{"extendedTextMessage":{"text":"hi"}}}`)
	f.Add(`{"key":{"remoteJid":"A","id":"1"},"message":null}`)
	f.Add(`{"key":{"remoteJid":"A","id":"1"},"message":{"imageMessage":{"caption":"x"}}}`)
	f.Add(`{}`)
	f.Add(`null`)
	f.Add(`{bad json`)
	f.Add(`{"key":{"remoteJid":123}}`)

	f.Fuzz(func(t *testing.T, raw string) {
		msg, err := protocol.ParseMessage([]byte(raw))
		if err != nil {
			return
		}
		s := newFakeSession()
		wh := &recordingWebhook{}
		p := NewPipeline(PipelineOptions{Webhook: wh}, zerolog.Nop())
		p.HandleBatch(context.Background(), InboundBatch{Session: s, Batch: protocol.MessageBatch{
			Type:     protocol.BatchNotify,
			Messages: []*protocol.Message{msg},
		}})
		p.Wait()

		want := 1
		if msg.Key.FromMe {
			want = 0
		}
		if n := len(s.Sent()); n != want {
			t.Errorf("replies = %d, want %d for %q", n, want, raw)
		}
		if n := len(wh.Payloads()); n != want {
			t.Errorf("webhook deliveries = %d, want %d for %q", n, want, raw)
		}
	})
}
