package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is the capability surface the adapter needs from one
// peer connection. The production implementation wraps a pion
// PeerConnection; tests substitute a fake.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops the underlying peer connection. Safe to call more than once.
	Close()
	IsClosed() bool

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	// A nil candidate marks the end of gathering.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// OnICEConnectionStateChange sets a callback for ICE state transitions.
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	// OnNegotiationNeeded sets a callback fired when a local renegotiation
	// is required (e.g. a track was added).
	OnNegotiationNeeded(func())

	// CreateDataChannel opens an application data channel.
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	// AddTrack attaches a local media track to the connection.
	AddTrack(track webrtc.TrackLocal) error
	// RemoveLocalTracks detaches every local media track from the connection.
	RemoveLocalTracks() error
	// ReceiverTracks returns the remote tracks currently held by the
	// connection's receivers.
	ReceiverTracks() []*webrtc.TrackRemote
}

// DataChannel is the subset of a WebRTC data channel the adapter uses.
type DataChannel interface {
	Label() string
	Send([]byte) error
	IsOpen() bool
	OnOpen(func())
	OnMessage(func([]byte))
	Close() error
}
