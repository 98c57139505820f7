package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/core"
	"github.com/dkeye/janus-adapter/internal/domain"
	"github.com/dkeye/janus-adapter/internal/rtc"
	"github.com/dkeye/janus-adapter/internal/signaling"
)

// pluginEvent is the payload of plugin-scoped notifications on the
// publisher handle.
type pluginEvent struct {
	Event  string          `json:"event"`
	RoomID domain.RoomID   `json:"room_id"`
	UserID domain.ClientID `json:"user_id"`
	By     domain.ClientID `json:"by"`
	// Body carries a JSON-encoded DataMessage on "data" events.
	Body string `json:"body"`
}

// joinResponse is the plugindata payload of a join request.
type joinResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Response struct {
		Users map[string][]domain.ClientID `json:"users"`
	} `json:"response"`
}

// publisher owns the room-facing peer connection: it carries the local
// tracks, both data channels and the notification stream every other
// module feeds from.
type publisher struct {
	a       *Adapter
	session *signaling.Session
	handle  *signaling.Handle
	pc      core.MediaConnection
	neg     *rtc.Negotiator

	reliable   core.DataChannel
	unreliable core.DataChannel

	// initialOccupants is the join-response occupant list minus self.
	initialOccupants []domain.ClientID
	// zombie is set when the join response still lists our own id: the
	// gateway holds a leftover session from a previous run.
	zombie bool

	ctx       context.Context
	logger    zerolog.Logger
	closeOnce sync.Once
}

func newPublisher(a *Adapter, session *signaling.Session) *publisher {
	return &publisher{
		a:       a,
		session: session,
		logger:  log.With().Str("module", "adapter.publisher").Str("client_id", string(a.opts.ClientID)).Logger(),
	}
}

// connect attaches the handle, negotiates the peer connection with both
// data channels, waits for webrtcup plus channel opens and joins the
// room. Event routing is live before the join so no notification
// between join response and registration can be missed.
func (p *publisher) connect(ctx, runCtx context.Context, gen int) error {
	p.ctx = runCtx

	p.handle = signaling.NewHandle(p.session)
	if err := p.handle.Attach(ctx, DefaultPlugin, string(p.a.opts.ClientID)); err != nil {
		return err
	}

	pc, err := p.a.newMedia("publisher")
	if err != nil {
		return fmt.Errorf("publisher peer connection: %w", err)
	}
	p.pc = pc

	p.neg = rtc.NewNegotiator(pc, p.handle, "publisher")
	p.neg.Timeout = p.a.opts.RequestTimeout
	p.neg.OutFixup = rtc.ConfigurePublisherSDP
	p.neg.InFixup = rtc.FixICEUfragLineEndings

	webrtcup := make(chan struct{})
	var upOnce sync.Once
	p.handle.On(signaling.EventWebRTCUp, func(*signaling.Message) {
		upOnce.Do(func() { close(webrtcup) })
	})
	p.handle.On(signaling.EventEvent, p.handleEvent)

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		if st == webrtc.ICEConnectionStateFailed {
			p.a.onICEFailed(gen)
		}
	})
	p.neg.Bind(runCtx)

	opened := make(chan string, 2)
	ordered := true
	p.reliable, err = pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("reliable channel: %w", err)
	}
	unordered := false
	var noRetransmits uint16
	p.unreliable, err = pc.CreateDataChannel("unreliable", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		return fmt.Errorf("unreliable channel: %w", err)
	}
	p.reliable.OnOpen(func() { opened <- "reliable" })
	p.unreliable.OnOpen(func() { opened <- "unreliable" })
	p.reliable.OnMessage(p.onChannelMessage)
	p.unreliable.OnMessage(p.onChannelMessage)

	if err := pc.Start(runCtx); err != nil {
		return fmt.Errorf("publisher start: %w", err)
	}
	p.neg.NegotiateLocal(runCtx)

	deadline := time.NewTimer(p.a.opts.RequestTimeout)
	defer deadline.Stop()
	up, needOpen := false, 2
	for !up || needOpen > 0 {
		select {
		case <-webrtcup:
			up = true
		case label := <-opened:
			p.logger.Debug().Str("channel", label).Msg("data channel open")
			needOpen--
		case <-deadline.C:
			return fmt.Errorf("publisher: webrtc establishment timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.join(ctx)
}

func (p *publisher) join(ctx context.Context) error {
	body := map[string]any{
		"kind":    "join",
		"room_id": p.a.opts.Room,
		"user_id": p.a.opts.ClientID,
		"subscribe": map[string]any{
			"notifications": true,
			"data":          true,
		},
	}
	if p.a.opts.Token != "" {
		body["token"] = p.a.opts.Token
	}

	resp, err := p.handle.SendMessage(ctx, body)
	if err != nil {
		return fmt.Errorf("join room %s: %w", p.a.opts.Room, err)
	}
	if resp.PluginData == nil {
		return fmt.Errorf("join room %s: no plugindata in response", p.a.opts.Room)
	}
	var jr joinResponse
	if err := json.Unmarshal(resp.PluginData.Data, &jr); err != nil {
		return fmt.Errorf("join room %s: %w", p.a.opts.Room, err)
	}
	if !jr.Success {
		return fmt.Errorf("join room %s refused: %s", p.a.opts.Room, jr.Error)
	}

	for _, u := range jr.Response.Users[string(p.a.opts.Room)] {
		if u == p.a.opts.ClientID {
			p.zombie = true
			continue
		}
		p.initialOccupants = append(p.initialOccupants, u)
	}
	p.logger.Info().Int("occupants", len(p.initialOccupants)).Msg("joined room")
	return nil
}

// handleEvent routes plugin notifications: membership changes feed the
// reconciler, moderation events are re-dispatched, "data" events take
// the same inbound path as data channel messages.
func (p *publisher) handleEvent(m *signaling.Message) {
	if len(m.Jsep) > 0 {
		p.neg.HandleRemoteJsep(p.ctx, m.Jsep)
	}
	if m.PluginData == nil {
		return
	}
	var ev pluginEvent
	if err := json.Unmarshal(m.PluginData.Data, &ev); err != nil {
		p.logger.Warn().Err(err).Msg("undecodable plugin event")
		return
	}

	switch ev.Event {
	case "join":
		if ev.UserID != p.a.opts.ClientID {
			p.a.occupantJoined(ev.UserID)
		}
	case "leave":
		p.a.occupantLeft(ev.UserID)
	case "blocked":
		p.a.emitID(p.a.cb.OnBlocked, ev.By)
	case "unblocked":
		p.a.emitID(p.a.cb.OnUnblocked, ev.By)
	case "data":
		var msg domain.DataMessage
		if err := json.Unmarshal([]byte(ev.Body), &msg); err != nil {
			p.logger.Warn().Err(err).Msg("undecodable data event body")
			return
		}
		p.a.routeData(&msg)
	}
}

func (p *publisher) onChannelMessage(raw []byte) {
	var msg domain.DataMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.logger.Warn().Err(err).Msg("undecodable data channel message")
		return
	}
	p.a.routeData(&msg)
}

func (p *publisher) channel(reliable bool) core.DataChannel {
	if reliable {
		return p.reliable
	}
	return p.unreliable
}

// addTrack attaches a local track; the negotiator picks up the
// resulting renegotiation.
func (p *publisher) addTrack(track webrtc.TrackLocal) error {
	if err := p.pc.AddTrack(track); err != nil {
		return err
	}
	p.neg.NegotiateLocal(p.ctx)
	return nil
}

// setTracks replaces all published tracks with the given set and
// renegotiates once.
func (p *publisher) setTracks(tracks []webrtc.TrackLocal) error {
	if err := p.pc.RemoveLocalTracks(); err != nil {
		return err
	}
	for _, t := range tracks {
		if err := p.pc.AddTrack(t); err != nil {
			return err
		}
	}
	p.neg.NegotiateLocal(p.ctx)
	return nil
}

// close tears the publisher down. As with subscribers, the explicit
// Detach is best-effort and must not block the caller: teardown runs on
// paths that also service inbound signalling, and closing the peer
// connection already releases the handle server-side.
func (p *publisher) close() {
	p.closeOnce.Do(func() {
		if p.handle != nil && p.handle.ID() != 0 {
			go func(h *signaling.Handle, logger zerolog.Logger) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.Detach(ctx); err != nil {
					logger.Debug().Err(err).Msg("detach failed")
				}
			}(p.handle, p.logger)
		}
		if p.pc != nil {
			p.pc.Close()
		}
	})
}
