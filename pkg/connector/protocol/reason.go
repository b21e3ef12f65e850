// Copyright 2024-2026 Aiku AI

package protocol

import "strconv"

// DisconnectReason is the status code attached to a connection closure.
type DisconnectReason int

const (
	ReasonConnectionLost      DisconnectReason = 408
	ReasonLoggedOut           DisconnectReason = 401
	ReasonForbidden           DisconnectReason = 403
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonBadSession          DisconnectReason = 500
	ReasonUnavailableService  DisconnectReason = 503
	ReasonRestartRequired     DisconnectReason = 515
)

var reasonNames = map[DisconnectReason]string{
	ReasonConnectionLost:      "connectionLost",
	ReasonLoggedOut:           "loggedOut",
	ReasonForbidden:           "forbidden",
	ReasonMultideviceMismatch: "multideviceMismatch",
	ReasonConnectionClosed:    "connectionClosed",
	ReasonConnectionReplaced:  "connectionReplaced",
	ReasonBadSession:          "badSession",
	ReasonUnavailableService:  "unavailableService",
	ReasonRestartRequired:     "restartRequired",
}

func (r DisconnectReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return strconv.Itoa(int(r))
}

// IsLoggedOut reports whether the remote side revoked this device. Such a
// closure is terminal: reconnecting would only fail until the device pairs
// again.
func (r DisconnectReason) IsLoggedOut() bool {
	return r == ReasonLoggedOut
}
