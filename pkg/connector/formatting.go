// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

const (
	DefaultPingReply    = "pong"
	DefaultDefaultReply = "Hello! Received your message."

	pingKeyword = "ping"
)

// Replies holds the two canned reply texts.
type Replies struct {
	Ping    string `yaml:"ping"`
	Default string `yaml:"default"`
}

// withDefaults fills empty replies with the built-in texts.
func (r Replies) withDefaults() Replies {
	if r.Ping == "" {
		r.Ping = DefaultPingReply
	}
	if r.Default == "" {
		r.Default = DefaultDefaultReply
	}
	return r
}

// IsPing reports whether text is the ping keyword in any letter case.
// Surrounding whitespace is significant.
func IsPing(text string) bool {
	return strings.EqualFold(text, pingKeyword)
}

// Select returns the reply for an inbound text.
func (r Replies) Select(text string) string {
	if IsPing(text) {
		return r.Ping
	}
	return r.Default
}
