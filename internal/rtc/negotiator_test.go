package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/janus-adapter/internal/core"
	"github.com/dkeye/janus-adapter/internal/signaling"
)

// fakeMedia is a scriptable core.MediaConnection for negotiation tests.
type fakeMedia struct {
	mu             sync.Mutex
	offers         int
	answers        int
	local          []webrtc.SessionDescription
	remote         []webrtc.SessionDescription
	onCandidate    func(*webrtc.ICECandidateInit)
	onNegNeeded    func()
	onStateChange  func(webrtc.ICEConnectionState)
	setRemoteDelay time.Duration
}

func (f *fakeMedia) Start(context.Context) error { return nil }
func (f *fakeMedia) Close()                      {}
func (f *fakeMedia) IsClosed() bool              { return false }

func (f *fakeMedia) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\no=offer-%d\r\n", f.offers),
	}, nil
}

func (f *fakeMedia) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\no=answer-%d\r\n", f.answers),
	}, nil
}

func (f *fakeMedia) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakeMedia) SetRemoteDescription(d webrtc.SessionDescription) error {
	if f.setRemoteDelay > 0 {
		time.Sleep(f.setRemoteDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeMedia) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (f *fakeMedia) OnICECandidate(cb func(*webrtc.ICECandidateInit)) { f.onCandidate = cb }
func (f *fakeMedia) OnICEConnectionStateChange(cb func(webrtc.ICEConnectionState)) {
	f.onStateChange = cb
}
func (f *fakeMedia) OnNegotiationNeeded(cb func()) { f.onNegNeeded = cb }

func (f *fakeMedia) CreateDataChannel(string, *webrtc.DataChannelInit) (core.DataChannel, error) {
	return nil, fmt.Errorf("not implemented")
}
func (f *fakeMedia) AddTrack(webrtc.TrackLocal) error      { return nil }
func (f *fakeMedia) RemoveLocalTracks() error              { return nil }
func (f *fakeMedia) ReceiverTracks() []*webrtc.TrackRemote { return nil }

func (f *fakeMedia) localCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.local)
}

// fakeSignaller answers every SendJsep with a canned answer and tracks
// in-flight concurrency.
type fakeSignaller struct {
	mu        sync.Mutex
	jseps     []webrtc.SessionDescription
	trickles  []*webrtc.ICECandidateInit
	inFlight  int32
	maxFlight int32
	delay     time.Duration
	jsepErr   error
}

func (s *fakeSignaller) SendJsep(_ context.Context, jsep webrtc.SessionDescription) (*signaling.Message, error) {
	cur := atomic.AddInt32(&s.inFlight, 1)
	for {
		old := atomic.LoadInt32(&s.maxFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&s.maxFlight, old, cur) {
			break
		}
	}
	defer atomic.AddInt32(&s.inFlight, -1)

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	s.jseps = append(s.jseps, jsep)
	s.mu.Unlock()
	if s.jsepErr != nil {
		return nil, s.jsepErr
	}
	raw, _ := json.Marshal(signaling.Jsep{Type: "answer", SDP: "v=0\r\no=sfu-answer\r\n"})
	return &signaling.Message{Janus: "event", Jsep: raw}, nil
}

func (s *fakeSignaller) SendTrickle(_ context.Context, cand *webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trickles = append(s.trickles, cand)
	return nil
}

func (s *fakeSignaller) jsepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jseps)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLocalNegotiationRoundTrip(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{}
	neg := NewNegotiator(pc, sig, "test")

	neg.NegotiateLocal(context.Background())
	waitFor(t, "remote answer applied", func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return len(pc.remote) == 1
	})

	if got := sig.jsepCount(); got != 1 {
		t.Fatalf("sent %d jseps, want 1", got)
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.local[0].Type != webrtc.SDPTypeOffer {
		t.Errorf("local description type = %v, want offer", pc.local[0].Type)
	}
	if pc.remote[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("remote description type = %v, want answer", pc.remote[0].Type)
	}
}

func TestRemoteOfferAnswered(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{}
	neg := NewNegotiator(pc, sig, "test")

	raw, _ := json.Marshal(signaling.Jsep{Type: "offer", SDP: "v=0\r\no=sfu-offer\r\n"})
	neg.HandleRemoteJsep(context.Background(), raw)

	waitFor(t, "answer sent", func() bool { return sig.jsepCount() == 1 })
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.jseps[0].Type != webrtc.SDPTypeAnswer {
		t.Errorf("sent jsep type = %v, want answer", sig.jseps[0].Type)
	}
}

func TestRemoteAnswerEventIgnored(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{}
	neg := NewNegotiator(pc, sig, "test")

	raw, _ := json.Marshal(signaling.Jsep{Type: "answer", SDP: "v=0\r\n"})
	neg.HandleRemoteJsep(context.Background(), raw)

	time.Sleep(50 * time.Millisecond)
	if got := sig.jsepCount(); got != 0 {
		t.Fatalf("answer event triggered %d jseps, want 0", got)
	}
}

func TestNegotiationNeverConcurrent(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{delay: 20 * time.Millisecond}
	neg := NewNegotiator(pc, sig, "test")

	ctx := context.Background()
	offer, _ := json.Marshal(signaling.Jsep{Type: "offer", SDP: "v=0\r\no=r1\r\n"})
	neg.NegotiateLocal(ctx)
	neg.HandleRemoteJsep(ctx, offer)
	neg.HandleRemoteJsep(ctx, offer)

	waitFor(t, "all rounds settled", func() bool { return sig.jsepCount() == 3 })
	if max := atomic.LoadInt32(&sig.maxFlight); max != 1 {
		t.Fatalf("observed %d concurrent jsep round trips, want 1", max)
	}
}

func TestLocalRequestsCoalesce(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{delay: 30 * time.Millisecond}
	neg := NewNegotiator(pc, sig, "test")

	ctx := context.Background()
	neg.NegotiateLocal(ctx)
	waitFor(t, "first round in flight", func() bool {
		return atomic.LoadInt32(&sig.inFlight) == 1
	})
	// All three arrive while the first round is in flight and must fold
	// into a single followup round.
	neg.NegotiateLocal(ctx)
	neg.NegotiateLocal(ctx)
	neg.NegotiateLocal(ctx)

	waitFor(t, "rounds settled", func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return pc.offers >= 2 && sig.jsepCount() == pc.offers
	})
	time.Sleep(50 * time.Millisecond)

	pc.mu.Lock()
	offers := pc.offers
	pc.mu.Unlock()
	if offers != 2 {
		t.Fatalf("created %d offers, want 2 (initial + one coalesced)", offers)
	}
}

func TestFixupsApplied(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{}
	neg := NewNegotiator(pc, sig, "test")
	neg.OutFixup = func(sdp string) string { return sdp + "a=out-marker\r\n" }
	neg.InFixup = func(sdp string) string { return sdp + "a=in-marker\r\n" }

	neg.NegotiateLocal(context.Background())
	waitFor(t, "round settled", func() bool {
		pc.mu.Lock()
		defer pc.mu.Unlock()
		return len(pc.remote) == 1
	})

	sig.mu.Lock()
	sent := sig.jseps[0].SDP
	sig.mu.Unlock()
	if !strings.Contains(sent, "a=out-marker") {
		t.Errorf("outbound offer missing fixup: %q", sent)
	}
	pc.mu.Lock()
	applied := pc.remote[0].SDP
	pc.mu.Unlock()
	if !strings.Contains(applied, "a=in-marker") {
		t.Errorf("applied answer missing fixup: %q", applied)
	}
}

func TestSignallingFailureDoesNotStickQueue(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{jsepErr: fmt.Errorf("gateway gone")}
	neg := NewNegotiator(pc, sig, "test")

	ctx := context.Background()
	neg.NegotiateLocal(ctx)
	waitFor(t, "failed round settled", func() bool { return sig.jsepCount() == 1 })

	sig.jsepErr = nil
	neg.NegotiateLocal(ctx)
	waitFor(t, "followup round settled", func() bool { return sig.jsepCount() == 2 })
}

func TestBindForwardsCandidates(t *testing.T) {
	pc := &fakeMedia{}
	sig := &fakeSignaller{}
	neg := NewNegotiator(pc, sig, "test")
	neg.Bind(context.Background())

	cand := &webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}
	pc.onCandidate(cand)
	pc.onCandidate(nil)

	waitFor(t, "candidates forwarded", func() bool {
		sig.mu.Lock()
		defer sig.mu.Unlock()
		return len(sig.trickles) == 2
	})
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.trickles[0] == nil || sig.trickles[1] != nil {
		t.Fatalf("trickle order wrong: got [%v, %v], want [candidate, nil]", sig.trickles[0], sig.trickles[1])
	}
}
