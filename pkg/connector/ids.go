// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

const (
	DefaultUserServer = "s.whatsapp.net"
	GroupServer       = "g.us"
	BroadcastServer   = "broadcast"
	LIDServer         = "lid"
)

// ParseJID splits a WhatsApp JID ("user[:device]@server") into its user and
// server parts. The device suffix is dropped. A JID without "@" is treated
// as a bare server name, as the network does for "s.whatsapp.net".
func ParseJID(jid string) (user, server string) {
	at := strings.LastIndexByte(jid, '@')
	if at < 0 {
		return "", jid
	}
	user, server = jid[:at], jid[at+1:]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user, server
}

// ChatType names the kind of chat a JID belongs to, for logging.
func ChatType(jid string) string {
	_, server := ParseJID(jid)
	switch server {
	case GroupServer:
		return "group"
	case BroadcastServer:
		return "broadcast"
	case DefaultUserServer, LIDServer:
		return "direct"
	default:
		return "unknown"
	}
}
