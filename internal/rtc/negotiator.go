package rtc

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
	"github.com/dkeye/janus-adapter/internal/signaling"
)

// JsepSignaller is the slice of a plugin handle the negotiator talks
// through.
type JsepSignaller interface {
	SendJsep(ctx context.Context, jsep webrtc.SessionDescription) (*signaling.Message, error)
	SendTrickle(ctx context.Context, candidate *webrtc.ICECandidateInit) error
}

// Negotiator keeps one peer connection's descriptions and ICE state in
// sync with the remote SFU. Offer/answer rounds are strictly serialized:
// at most one round trip is in flight per connection, and renegotiation
// requests arriving meanwhile are coalesced and run after it settles.
type Negotiator struct {
	pc        core.MediaConnection
	signaller JsepSignaller
	// OutFixup/InFixup are applied to local descriptions before sending
	// and to remote descriptions before applying. Nil means identity.
	OutFixup func(string) string
	InFixup  func(string) string
	Timeout  time.Duration

	logger zerolog.Logger

	mu          sync.Mutex
	busy        bool
	queue       []func(context.Context)
	localQueued bool

	candidates chan *webrtc.ICECandidateInit
}

func NewNegotiator(pc core.MediaConnection, signaller JsepSignaller, label string) *Negotiator {
	return &Negotiator{
		pc:        pc,
		signaller: signaller,
		Timeout:   signaling.DefaultTimeout,
		logger:    log.With().Str("module", "rtc.negotiator").Str("conn", label).Logger(),
	}
}

// Bind wires the peer connection's negotiation and ICE callbacks. Call
// before Start on the connection. Candidates are forwarded in gathering
// order by a single sender goroutine tied to ctx.
func (n *Negotiator) Bind(ctx context.Context) {
	n.candidates = make(chan *webrtc.ICECandidateInit, 32)
	go n.trickleLoop(ctx)

	n.pc.OnNegotiationNeeded(func() {
		n.NegotiateLocal(ctx)
	})
	n.pc.OnICECandidate(func(cand *webrtc.ICECandidateInit) {
		select {
		case n.candidates <- cand:
		default:
			n.logger.Warn().Msg("candidate queue full, dropping")
		}
	})
}

// NegotiateLocal requests a locally-initiated offer/answer round. If one
// is already queued it is coalesced; if one is in flight the new request
// runs after it settles.
func (n *Negotiator) NegotiateLocal(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.localQueued {
		return
	}
	n.localQueued = true
	n.queue = append(n.queue, func(ctx context.Context) {
		n.mu.Lock()
		n.localQueued = false
		n.mu.Unlock()
		if err := n.offerLocal(ctx); err != nil {
			n.logger.Error().Err(err).Msg("local negotiation failed")
		}
	})
	n.startLocked(ctx)
}

// HandleRemoteJsep processes an inbound plugin event JSEP. Only offers
// start a round; answers arrive as responses to our own SendJsep and are
// handled there.
func (n *Negotiator) HandleRemoteJsep(ctx context.Context, raw json.RawMessage) {
	var jsep signaling.Jsep
	if err := json.Unmarshal(raw, &jsep); err != nil {
		n.logger.Warn().Err(err).Msg("undecodable jsep")
		return
	}
	if jsep.Type != "offer" {
		n.logger.Debug().Str("type", jsep.Type).Msg("ignoring non-offer jsep event")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, func(ctx context.Context) {
		if err := n.answerRemote(ctx, jsep.SDP); err != nil {
			n.logger.Error().Err(err).Msg("remote negotiation failed")
		}
	})
	n.startLocked(ctx)
}

// startLocked launches the queue runner if it is not already draining.
// Caller holds mu.
func (n *Negotiator) startLocked(ctx context.Context) {
	if n.busy {
		return
	}
	n.busy = true
	go n.drain(ctx)
}

func (n *Negotiator) drain(ctx context.Context) {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.busy = false
			n.mu.Unlock()
			return
		}
		job := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()
		job(ctx)
	}
}

func (n *Negotiator) offerLocal(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, n.Timeout)
	defer cancel()

	offer, err := n.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = n.fixOut(offer.SDP)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	resp, err := n.signaller.SendJsep(ctx, offer)
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	if resp.Jsep == nil {
		return fmt.Errorf("no jsep in offer response")
	}
	var answer signaling.Jsep
	if err := json.Unmarshal(resp.Jsep, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  n.fixIn(answer.SDP),
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (n *Negotiator) answerRemote(parent context.Context, offerSDP string) error {
	ctx, cancel := context.WithTimeout(parent, n.Timeout)
	defer cancel()

	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  n.fixIn(offerSDP),
	}
	if err := n.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := n.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	answer.SDP = n.fixOut(answer.SDP)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if _, err := n.signaller.SendJsep(ctx, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// trickleLoop forwards gathered candidates one at a time. Failures are
// logged, never fatal: the SFU tolerates missing candidates and the
// connection either completes on the remaining ones or fails through
// ICE state.
func (n *Negotiator) trickleLoop(parent context.Context) {
	for {
		select {
		case <-parent.Done():
			return
		case cand := <-n.candidates:
			ctx, cancel := context.WithTimeout(parent, n.Timeout)
			err := n.signaller.SendTrickle(ctx, cand)
			cancel()
			if err != nil {
				n.logger.Warn().Err(err).Msg("trickle failed")
			}
		}
	}
}

func (n *Negotiator) fixOut(sdp string) string {
	if n.OutFixup != nil {
		return n.OutFixup(sdp)
	}
	return sdp
}

func (n *Negotiator) fixIn(sdp string) string {
	if n.InFixup != nil {
		return n.InFixup(sdp)
	}
	return sdp
}
