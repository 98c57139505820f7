// Package signaling implements the Janus session/transaction layer: wire
// message framing, request/response correlation over an asynchronous
// transport, and plugin handle multiplexing.
//
// Every message exchanged with the gateway is a JSON object carrying a
// "janus" discriminator and, for request/response pairs, a "transaction"
// correlation id. Unsolicited events carry a "sender" field equal to a
// plugin handle id instead.
package signaling

import (
	"encoding/json"
	"fmt"
)

// Request kinds understood by the gateway.
const (
	KindCreate    = "create"
	KindAttach    = "attach"
	KindMessage   = "message"
	KindTrickle   = "trickle"
	KindDetach    = "detach"
	KindDestroy   = "destroy"
	KindKeepalive = "keepalive"
)

// Inbound discriminators with adapter-level meaning.
const (
	EventAck      = "ack"
	EventSuccess  = "success"
	EventError    = "error"
	EventEvent    = "event"
	EventWebRTCUp = "webrtcup"
	EventHangup   = "hangup"
	EventTimeout  = "timeout"
)

// Message is the decoded form of one inbound gateway frame. A single
// struct covers responses, plugin events and session-level notifications;
// absent fields stay zero.
type Message struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   uint64          `json:"session_id,omitempty"`
	Sender      uint64          `json:"sender,omitempty"`
	Data        *SuccessData    `json:"data,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Error       *ErrorData      `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// SuccessData carries server-assigned ids: the session id on a create
// response, the handle id on an attach response.
type SuccessData struct {
	ID uint64 `json:"id"`
}

// PluginData wraps a plugin-scoped event payload.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type ErrorData struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// ServerError is a gateway-reported application error.
type ServerError struct {
	Code   int
	Reason string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("janus error: %s", e.Reason)
}

// Err converts an error-discriminated message into a ServerError.
func (m *Message) Err() error {
	if m.Error != nil {
		return &ServerError{Code: m.Error.Code, Reason: m.Error.Reason}
	}
	return &ServerError{Reason: m.Janus}
}

// Jsep is the decoded form of an SDP offer or answer embedded in a message.
type Jsep struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
