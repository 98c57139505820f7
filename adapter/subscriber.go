package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/janus-adapter/internal/core"
	"github.com/dkeye/janus-adapter/internal/domain"
	"github.com/dkeye/janus-adapter/internal/rtc"
	"github.com/dkeye/janus-adapter/internal/signaling"
)

// subscriber is one established media subscription to a remote
// occupant: its own plugin handle, peer connection and RTP monitor.
type subscriber struct {
	id      domain.ClientID
	handle  *signaling.Handle
	pc      core.MediaConnection
	monitor *rtc.Monitor
	tracks  []*webrtc.TrackRemote

	cancel    context.CancelFunc
	logger    zerolog.Logger
	closeOnce sync.Once
}

// close tears the subscription down. Closing the peer connection
// implicitly detaches the plugin handle server-side, so the explicit
// Detach is best-effort and runs on its own goroutine: close is called
// from event callbacks on the signalling read goroutine, which must
// never park on a signalling round trip.
func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.handle != nil && s.handle.ID() != 0 {
			go func(h *signaling.Handle, logger zerolog.Logger) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.Detach(ctx); err != nil {
					logger.Debug().Err(err).Msg("detach failed")
				}
			}(s.handle, s.logger)
		}
		if s.pc != nil {
			s.pc.Close()
		}
	})
}

// runSubscribe drives one occupant's subscription to completion within
// the retry budget. Called on its own goroutine with the occupant
// already in the pending set.
func (a *Adapter) runSubscribe(id domain.ClientID, jittered bool) {
	logger := a.logger.With().Str("occupant", string(id)).Logger()

	if d := a.takeFirstSubscriberDelay(); d > 0 {
		logger.Debug().Dur("delay", d).Msg("first-subscriber startup delay")
		time.Sleep(d)
	}
	if jittered {
		time.Sleep(a.jitter(a.opts.SubscribeJitterCap))
	}

	for attempt := 1; attempt <= a.opts.SubscribeRetries; attempt++ {
		sub, retry, err := a.subscribeOnce(id, logger)
		if sub != nil {
			a.promote(id, sub)
			return
		}
		if !retry {
			if err != nil {
				logger.Warn().Err(err).Msg("subscription aborted")
			} else {
				logger.Debug().Msg("occupant left during subscription")
			}
			a.abandonPending(id)
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("subscription attempt failed")
	}
	logger.Error().Int("attempts", a.opts.SubscribeRetries).Msg("subscription retries exhausted")
	a.abandonPending(id)
}

// subscribeOnce runs a single attempt. Membership is re-checked after
// every blocking step: the occupant can leave at any point while this
// goroutine is parked, and a subscription must never complete for an
// occupant who is already gone. A nil subscriber with retry=false and
// err=nil means the occupant left and the attempt ends silently.
func (a *Adapter) subscribeOnce(id domain.ClientID, logger zerolog.Logger) (*subscriber, bool, error) {
	a.mu.Lock()
	session := a.session
	runCtx := a.runCtx
	a.mu.Unlock()
	if session == nil || runCtx == nil || !a.stillWanted(id) {
		return nil, false, nil
	}

	ctx, cancelAttempt := context.WithTimeout(runCtx, a.opts.SubscribeTimeout)
	defer cancelAttempt()

	handle := signaling.NewHandle(session)
	if err := handle.Attach(ctx, DefaultPlugin, string(a.opts.ClientID)); err != nil {
		return nil, true, err
	}

	subCtx, subCancel := context.WithCancel(runCtx)
	sub := &subscriber{
		id:      id,
		handle:  handle,
		monitor: rtc.NewMonitor("sub-" + string(id)),
		cancel:  subCancel,
		logger:  logger,
	}

	if !a.stillWanted(id) {
		sub.close()
		return nil, false, nil
	}

	pc, err := a.newMedia("sub-" + string(id))
	if err != nil {
		sub.close()
		return nil, true, err
	}
	sub.pc = pc

	neg := rtc.NewNegotiator(pc, handle, "sub-"+string(id))
	neg.Timeout = a.opts.RequestTimeout
	neg.InFixup = a.subscriberInFixup()

	webrtcup := make(chan struct{}, 1)
	handle.On(signaling.EventWebRTCUp, func(*signaling.Message) {
		select {
		case webrtcup <- struct{}{}:
		default:
		}
	})
	// The SFU initiates subscriber negotiation: the join triggers an
	// offer event, answered by the negotiator.
	handle.On(signaling.EventEvent, func(m *signaling.Message) {
		if len(m.Jsep) > 0 {
			neg.HandleRemoteJsep(subCtx, m.Jsep)
		}
	})
	neg.Bind(subCtx)

	if err := pc.Start(subCtx); err != nil {
		sub.close()
		return nil, true, err
	}

	if !a.stillWanted(id) {
		sub.close()
		return nil, false, nil
	}

	body := map[string]any{
		"kind":      "join",
		"room_id":   a.opts.Room,
		"user_id":   a.opts.ClientID,
		"subscribe": map[string]any{"media": id},
	}
	if a.opts.Token != "" {
		body["token"] = a.opts.Token
	}
	resp, err := handle.SendMessage(ctx, body)
	if err != nil {
		sub.close()
		return nil, true, err
	}
	if resp.PluginData != nil {
		var jr joinResponse
		if err := json.Unmarshal(resp.PluginData.Data, &jr); err == nil && !jr.Success {
			sub.close()
			return nil, true, fmt.Errorf("subscribe join refused: %s", jr.Error)
		}
	}

	if !a.stillWanted(id) {
		sub.close()
		return nil, false, nil
	}

	poll := time.NewTicker(a.opts.LeavePollInterval)
	defer poll.Stop()
	for {
		select {
		case <-webrtcup:
			sub.tracks = pc.ReceiverTracks()
			for _, t := range sub.tracks {
				sub.monitor.Watch(subCtx, t)
			}
			return sub, false, nil
		case <-poll.C:
			if !a.stillWanted(id) {
				sub.close()
				return nil, false, nil
			}
		case <-ctx.Done():
			sub.close()
			return nil, true, fmt.Errorf("waiting for webrtcup: %w", ctx.Err())
		}
	}
}

// stillWanted reports whether the occupant is both available and still
// expected by the reconciler.
func (a *Adapter) stillWanted(id domain.ClientID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, avail := a.available[id]; !avail {
		return false
	}
	_, pend := a.pending[id]
	return pend
}

// promote installs a finished subscription, unless a concurrent
// teardown removed the occupant from pending while the attempt was in
// flight; a cancelled attempt is closed, never promoted.
func (a *Adapter) promote(id domain.ClientID, sub *subscriber) {
	a.mu.Lock()
	_, still := a.pending[id]
	if !still || a.closing {
		a.mu.Unlock()
		sub.close()
		return
	}
	delete(a.pending, id)
	a.subs[id] = sub
	a.mu.Unlock()

	a.logger.Info().Str("occupant", string(id)).Int("tracks", len(sub.tracks)).Msg("occupant subscribed")
	a.emitID(a.cb.OnOccupantConnected, id)
	if cb := a.cb.OnOccupantStream; cb != nil {
		cb(id, sub.tracks)
	}
	a.emitOccupantsChanged()
}

func (a *Adapter) abandonPending(id domain.ClientID) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Adapter) takeFirstSubscriberDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opts.FirstSubscriberDelay <= 0 || a.firstSubDone {
		return 0
	}
	a.firstSubDone = true
	return a.opts.FirstSubscriberDelay
}

func (a *Adapter) subscriberInFixup() func(string) string {
	fixups := rtc.SubscriberFixups{
		StripVideo:        a.opts.StripSubscriberVideo,
		InjectH264Profile: a.opts.FixSubscriberSDP,
	}
	if !fixups.StripVideo && !fixups.InjectH264Profile {
		return rtc.FixICEUfragLineEndings
	}
	return func(sdp string) string {
		sdp = rtc.ConfigureSubscriberSDP(sdp, fixups)
		return rtc.FixICEUfragLineEndings(sdp)
	}
}
