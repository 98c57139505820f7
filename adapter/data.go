package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/janus-adapter/internal/domain"
)

// SendData delivers an application payload to one occupant. The data
// channel is preferred; when it is not open yet the message falls back
// to the signalling path, so sends issued right after connect are not
// lost.
func (a *Adapter) SendData(ctx context.Context, to domain.ClientID, dataType string, data json.RawMessage, reliable bool) error {
	return a.sendData(ctx, to, dataType, data, reliable)
}

// BroadcastData delivers an application payload to every occupant.
func (a *Adapter) BroadcastData(ctx context.Context, dataType string, data json.RawMessage, reliable bool) error {
	return a.sendData(ctx, "", dataType, data, reliable)
}

func (a *Adapter) sendData(ctx context.Context, to domain.ClientID, dataType string, data json.RawMessage, reliable bool) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(&domain.DataMessage{ClientID: to, DataType: dataType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", dataType, err)
	}

	if ch := pub.channel(reliable); ch != nil && ch.IsOpen() {
		return ch.Send(raw)
	}

	body := map[string]any{"kind": "data", "body": string(raw)}
	if to != "" {
		body["whom"] = to
	}
	if _, err := pub.handle.SendMessage(ctx, body); err != nil {
		return fmt.Errorf("data fallback: %w", err)
	}
	return nil
}

// Block asks the SFU to stop relaying traffic between us and the given
// occupant, and adds them to the local block list so buffered entity
// updates from them are filtered too.
func (a *Adapter) Block(ctx context.Context, id domain.ClientID) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	if _, err := pub.handle.SendMessage(ctx, map[string]any{"kind": "block", "whom": id}); err != nil {
		return fmt.Errorf("block %s: %w", id, err)
	}
	a.mu.Lock()
	a.blocked[id] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Unblock reverses Block.
func (a *Adapter) Unblock(ctx context.Context, id domain.ClientID) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	if _, err := pub.handle.SendMessage(ctx, map[string]any{"kind": "unblock", "whom": id}); err != nil {
		return fmt.Errorf("unblock %s: %w", id, err)
	}
	a.mu.Lock()
	delete(a.blocked, id)
	a.mu.Unlock()
	return nil
}

// Kick removes an occupant from the room. token, when non-empty,
// carries the moderation permission; otherwise the adapter's own token
// is used.
func (a *Adapter) Kick(ctx context.Context, id domain.ClientID, token string) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	if token == "" {
		token = a.opts.Token
	}
	body := map[string]any{"kind": "kick", "room_id": a.opts.Room, "user_id": id}
	if token != "" {
		body["token"] = token
	}
	if _, err := pub.handle.SendMessage(ctx, body); err != nil {
		return fmt.Errorf("kick %s: %w", id, err)
	}
	return nil
}

// AddLocalTrack attaches a local media track to the publisher
// connection and renegotiates. Only valid once connected; the publisher
// connection must be fully up so the added track cannot race the
// initial negotiation.
func (a *Adapter) AddLocalTrack(track webrtc.TrackLocal) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	return pub.addTrack(track)
}

// SetLocalTracks replaces the published media with the given tracks in a
// single renegotiation. Passing an empty slice stops publishing media.
func (a *Adapter) SetLocalTracks(tracks []webrtc.TrackLocal) error {
	a.mu.Lock()
	pub := a.pub
	a.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	return pub.setTracks(tracks)
}
