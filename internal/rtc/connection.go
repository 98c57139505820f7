// Package rtc wraps pion PeerConnections behind the capability surface
// the adapter consumes, and owns SDP negotiation mechanics.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/core"
)

// Connection implements core.MediaConnection over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	label  string
	cancel context.CancelFunc

	onICE     func(*webrtc.ICECandidateInit)
	onState   func(webrtc.ICEConnectionState)
	onNegNeed func()

	mu     sync.Mutex
	closed bool
}

var _ core.MediaConnection = (*Connection)(nil)

func DefaultConfiguration(servers []webrtc.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewConnection creates a peer connection. label identifies it in logs
// (the occupant id for subscribers, "publisher" for the publisher).
func NewConnection(cfg webrtc.Configuration, label string) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, label: label}, nil
}

// Start configures internal callbacks and binds the connection lifetime to ctx:
// once ctx is cancelled or the connection is closed, no further callbacks are
// delivered. Set the On* callbacks before calling Start.
func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if ctx.Err() != nil {
			return
		}
		log.Info().Str("module", "rtc").Str("conn", c.label).Str("ice_state", s.String()).Msg("ICE state")
		if c.onState != nil {
			c.onState(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if ctx.Err() != nil || c.onICE == nil {
			return
		}
		if cand == nil {
			c.onICE(nil)
			return
		}
		init := cand.ToJSON()
		c.onICE(&init)
	})

	c.pc.OnNegotiationNeeded(func() {
		if ctx.Err() != nil || c.onNegNeed == nil {
			return
		}
		c.onNegNeed()
	})

	return nil
}

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("conn", c.label).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("conn", c.label).Msg("closed")
	}
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.onICE = fn
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.onState = fn
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.onNegNeed = fn
}

func (c *Connection) CreateDataChannel(label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *Connection) RemoveLocalTracks() error {
	for _, snd := range c.pc.GetSenders() {
		if snd.Track() == nil {
			continue
		}
		if err := c.pc.RemoveTrack(snd); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) ReceiverTracks() []*webrtc.TrackRemote {
	var tracks []*webrtc.TrackRemote
	for _, recv := range c.pc.GetReceivers() {
		if t := recv.Track(); t != nil {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

var _ core.DataChannel = (*dataChannel)(nil)

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) Send(data []byte) error { return d.dc.Send(data) }

func (d *dataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *dataChannel) Close() error { return d.dc.Close() }
