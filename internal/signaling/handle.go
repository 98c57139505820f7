package signaling

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Handle is one plugin attachment on a Session. Many handles share a
// session; each one filters session-level events by the "sender" field
// matching its id.
type Handle struct {
	session *Session
	id      uint64
}

func NewHandle(s *Session) *Handle {
	return &Handle{session: s}
}

// ID returns the server-assigned handle id, 0 before Attach succeeds.
func (h *Handle) ID() uint64 { return h.id }

// Attach binds the handle to a plugin. opaqueID is an optional routing /
// load-balancing hint passed through to the gateway.
func (h *Handle) Attach(ctx context.Context, plugin, opaqueID string) error {
	payload := map[string]any{"plugin": plugin}
	if opaqueID != "" {
		payload["opaque_id"] = opaqueID
	}
	resp, err := h.session.Send(ctx, KindAttach, payload)
	if err != nil {
		return fmt.Errorf("attach %s: %w", plugin, err)
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return fmt.Errorf("attach %s: no handle id in response", plugin)
	}
	h.id = resp.Data.ID
	return nil
}

// On registers a callback for session events of the given kind whose
// sender is this handle.
func (h *Handle) On(event string, cb func(*Message)) {
	h.session.On(event, func(m *Message) {
		if m.Sender == h.id {
			cb(m)
		}
	})
}

// Send issues a request scoped to this handle.
func (h *Handle) Send(ctx context.Context, kind string, payload map[string]any) (*Message, error) {
	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	merged["handle_id"] = h.id
	return h.session.Send(ctx, kind, merged)
}

// SendMessage sends a plugin message with the given body.
func (h *Handle) SendMessage(ctx context.Context, body any) (*Message, error) {
	return h.Send(ctx, KindMessage, map[string]any{"body": body})
}

// SendJsep sends a plugin message carrying an SDP offer or answer.
func (h *Handle) SendJsep(ctx context.Context, jsep webrtc.SessionDescription) (*Message, error) {
	return h.Send(ctx, KindMessage, map[string]any{
		"body": map[string]any{},
		"jsep": map[string]any{"type": jsep.Type.String(), "sdp": jsep.SDP},
	})
}

// SendTrickle forwards one local ICE candidate; a nil candidate signals
// the end of gathering.
func (h *Handle) SendTrickle(ctx context.Context, candidate *webrtc.ICECandidateInit) error {
	var cand any
	if candidate != nil {
		cand = candidate
	} else {
		cand = map[string]any{"completed": true}
	}
	_, err := h.Send(ctx, KindTrickle, map[string]any{"candidate": cand})
	return err
}

// Detach releases the plugin attachment server-side.
func (h *Handle) Detach(ctx context.Context) error {
	_, err := h.Send(ctx, KindDetach, nil)
	return err
}
