package adapter

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/janus-adapter/internal/domain"
)

// DefaultPlugin is the SFU plugin the adapter attaches its handles to.
const DefaultPlugin = "janus.plugin.sfu"

// Defaults for every tunable. Zero-valued Options fields fall back to
// these; negative durations where noted disable the mechanism.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultKeepalive         = 25 * time.Second
	DefaultSubscribeRetries  = 5
	DefaultSubscribeTimeout  = 15 * time.Second
	DefaultLeavePollInterval = 1 * time.Second

	DefaultReconnectJitterMax   = 1 * time.Second
	DefaultReconnectIncrement   = 1 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultICEFailedDelay       = 10 * time.Second

	DefaultSubscribeJitterThreshold = 5
	DefaultSubscribeJitterCap       = 5 * time.Second
)

// Options configure one Adapter. URL, Room and ClientID are required;
// everything else has a default.
type Options struct {
	// URL is the Janus websocket endpoint, e.g. wss://sfu.example.com/janus.
	URL string
	// Room to join on connect.
	Room domain.RoomID
	// ClientID identifies this client to other occupants. Empty means a
	// random uuid.
	ClientID domain.ClientID
	// Token is passed in the join request when the room requires one.
	Token string

	// RequestTimeout bounds each signalling round trip. Negative disables.
	RequestTimeout time.Duration
	// Keepalive is the quiet period before a keepalive is sent. Negative
	// disables.
	Keepalive time.Duration

	// SubscribeRetries is the per-occupant subscription attempt budget.
	SubscribeRetries int
	// SubscribeTimeout bounds one subscription attempt end to end.
	SubscribeTimeout time.Duration
	// LeavePollInterval is how often an in-flight subscription re-checks
	// that its occupant is still in the room.
	LeavePollInterval time.Duration
	// FirstSubscriberDelay, when positive, delays the very first
	// subscription after connect once. Works around SFUs that drop media
	// during their own startup negotiation.
	FirstSubscriberDelay time.Duration

	// ReconnectJitterMax caps the random initial reconnect delay.
	ReconnectJitterMax time.Duration
	// ReconnectIncrement is added to the delay after every failed attempt.
	ReconnectIncrement time.Duration
	// ReconnectMaxAttempts before the terminal reconnection-error callback.
	ReconnectMaxAttempts int
	// ICEFailedDelay is the wait before a full reconnect when ICE fails.
	ICEFailedDelay time.Duration

	// SubscribeJitterThreshold: with more available occupants than this,
	// each new subscription waits a uniform random delay up to
	// SubscribeJitterCap first.
	SubscribeJitterThreshold int
	SubscribeJitterCap       time.Duration

	// WebRTC carries ICE servers and other pion configuration. Zero value
	// uses a public STUN fallback.
	WebRTC webrtc.Configuration

	// FixSubscriberSDP applies the inbound H.264 profile transform to
	// subscriber offers.
	FixSubscriberSDP bool
	// StripSubscriberVideo removes video media sections from subscriber
	// offers, for hosts that cannot decode video. Takes precedence over
	// FixSubscriberSDP's H.264 transform.
	StripSubscriberVideo bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.RequestTimeout == 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.Keepalive == 0 {
		out.Keepalive = DefaultKeepalive
	}
	if out.SubscribeRetries == 0 {
		out.SubscribeRetries = DefaultSubscribeRetries
	}
	if out.SubscribeTimeout == 0 {
		out.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if out.LeavePollInterval == 0 {
		out.LeavePollInterval = DefaultLeavePollInterval
	}
	if out.ReconnectJitterMax == 0 {
		out.ReconnectJitterMax = DefaultReconnectJitterMax
	}
	if out.ReconnectIncrement == 0 {
		out.ReconnectIncrement = DefaultReconnectIncrement
	}
	if out.ReconnectMaxAttempts == 0 {
		out.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if out.ICEFailedDelay == 0 {
		out.ICEFailedDelay = DefaultICEFailedDelay
	}
	if out.SubscribeJitterThreshold == 0 {
		out.SubscribeJitterThreshold = DefaultSubscribeJitterThreshold
	}
	if out.SubscribeJitterCap == 0 {
		out.SubscribeJitterCap = DefaultSubscribeJitterCap
	}
	return out
}

// Callbacks are the host-facing event surface. Nil fields are skipped.
// Callbacks run on adapter goroutines; hosts must not block in them.
type Callbacks struct {
	// OnConnect fires once the publisher is ready after Connect.
	OnConnect func()
	// OnDisconnect fires on any teardown, deliberate or not.
	OnDisconnect func()
	// OnReconnecting reports the delay before the next reconnect attempt.
	OnReconnecting func(delay time.Duration)
	// OnReconnected fires when a reconnect attempt succeeds.
	OnReconnected func()
	// OnReconnectionError is terminal: the attempt budget is exhausted.
	OnReconnectionError func(err error)

	// OnOccupantsChanged reports the current occupant map. Fired after
	// every reconciliation pass, even when nothing changed.
	OnOccupantsChanged func(occupants map[domain.ClientID]*domain.Occupant)
	// OnOccupantConnected / OnOccupantDisconnected report individual
	// subscription promotions and teardowns.
	OnOccupantConnected    func(id domain.ClientID)
	OnOccupantDisconnected func(id domain.ClientID)
	// OnOccupantStream delivers the remote tracks of a new subscription.
	// Nil tracks means the occupant publishes no media.
	OnOccupantStream func(id domain.ClientID, tracks []*webrtc.TrackRemote)

	// OnOccupantMessage delivers application data, from either data
	// channel or the signalling fallback, after the freeze gate.
	OnOccupantMessage func(from domain.ClientID, dataType string, data json.RawMessage)

	// OnBlocked / OnUnblocked re-dispatch moderation events.
	OnBlocked   func(id domain.ClientID)
	OnUnblocked func(id domain.ClientID)
}
