package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackStats is a point-in-time snapshot of one monitored remote track.
type TrackStats struct {
	TrackID      string
	Kind         string
	Packets      uint64
	Bytes        uint64
	LastSequence uint16
	LastArrival  time.Time
}

// Monitor drains inbound remote tracks and keeps per-track packet and
// byte counters. Remote tracks must be read continuously or the
// underlying buffers fill; the monitor is that reader for connections
// whose media is consumed only as counters.
type Monitor struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	tracks map[string]*trackCounter
}

type trackCounter struct {
	kind string

	mu          sync.Mutex
	packets     uint64
	bytes       uint64
	lastSeq     uint16
	lastArrival time.Time
}

func NewMonitor(label string) *Monitor {
	return &Monitor{
		logger: log.With().Str("module", "rtc.monitor").Str("conn", label).Logger(),
		tracks: make(map[string]*trackCounter),
	}
}

// Watch starts draining src until ctx is cancelled or the track ends.
func (m *Monitor) Watch(ctx context.Context, src *webrtc.TrackRemote) {
	tc := &trackCounter{kind: src.Kind().String()}
	m.mu.Lock()
	m.tracks[src.ID()] = tc
	m.mu.Unlock()

	go m.loop(ctx, src, tc)
}

func (m *Monitor) loop(ctx context.Context, src *webrtc.TrackRemote, tc *trackCounter) {
	logger := m.logger.With().Str("track", src.ID()).Str("kind", tc.kind).Logger()
	logger.Info().Msg("monitoring track")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("monitor ctx done")
			m.remove(src.ID())
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("track ended")
			m.remove(src.ID())
			return
		}
		tc.count(pkt)
	}
}

func (tc *trackCounter) count(pkt *rtp.Packet) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.packets++
	tc.bytes += uint64(pkt.MarshalSize())
	tc.lastSeq = pkt.SequenceNumber
	tc.lastArrival = time.Now()
}

func (m *Monitor) remove(trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, trackID)
}

// Stats snapshots all currently monitored tracks.
func (m *Monitor) Stats() []TrackStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TrackStats, 0, len(m.tracks))
	for id, tc := range m.tracks {
		tc.mu.Lock()
		out = append(out, TrackStats{
			TrackID:      id,
			Kind:         tc.kind,
			Packets:      tc.packets,
			Bytes:        tc.bytes,
			LastSequence: tc.lastSeq,
			LastArrival:  tc.lastArrival,
		})
		tc.mu.Unlock()
	}
	return out
}
