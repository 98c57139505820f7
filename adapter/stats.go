package adapter

import (
	"github.com/dkeye/janus-adapter/internal/domain"
	"github.com/dkeye/janus-adapter/internal/rtc"
)

// SubscriberStats describes one active subscription.
type SubscriberStats struct {
	Occupant domain.ClientID  `json:"occupant"`
	Tracks   []rtc.TrackStats `json:"tracks"`
}

// Stats is a point-in-time snapshot of the adapter, shaped for a debug
// or status endpoint.
type Stats struct {
	Connected         bool              `json:"connected"`
	SessionID         uint64            `json:"session_id"`
	Available         int               `json:"available"`
	Pending           int               `json:"pending"`
	Blocked           int               `json:"blocked"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	Frozen            bool              `json:"frozen"`
	Subscribers       []SubscriberStats `json:"subscribers"`
}

func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	st := Stats{
		Connected:         a.pub != nil,
		Available:         len(a.available),
		Pending:           len(a.pending),
		Blocked:           len(a.blocked),
		ReconnectAttempts: a.reconnectAttempts,
		Subscribers:       make([]SubscriberStats, 0, len(a.subs)),
	}
	if a.session != nil {
		st.SessionID = a.session.ID()
	}
	subs := make([]*subscriber, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	st.Frozen = a.buf.Frozen()
	for _, s := range subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Occupant: s.id,
			Tracks:   s.monitor.Stats(),
		})
	}
	return st
}
