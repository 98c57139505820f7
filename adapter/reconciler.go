package adapter

import (
	"github.com/dkeye/janus-adapter/internal/domain"
)

// SyncOccupants reconciles subscriptions against the host's requested
// set. A nil argument keeps the previously supplied set; until the host
// supplies one, reconciliation only reports occupancy and never
// subscribes. The occupants-changed callback fires on every call, even
// when nothing changed.
func (a *Adapter) SyncOccupants(requested []domain.ClientID) {
	var toSubscribe []domain.ClientID
	var toUnsubscribe []domain.ClientID

	a.mu.Lock()
	if requested != nil {
		a.requested = make(map[domain.ClientID]struct{}, len(requested))
		for _, id := range requested {
			a.requested[id] = struct{}{}
		}
		a.hasRequested = true
	}
	if a.hasRequested && a.pub != nil && !a.closing {
		for _, id := range a.availOrder {
			if _, want := a.requested[id]; !want {
				continue
			}
			if _, has := a.subs[id]; has {
				continue
			}
			if _, inFlight := a.pending[id]; inFlight {
				continue
			}
			a.pending[id] = struct{}{}
			toSubscribe = append(toSubscribe, id)
		}
		for id := range a.subs {
			if _, want := a.requested[id]; !want {
				toUnsubscribe = append(toUnsubscribe, id)
			}
		}
	}
	jittered := len(a.available) > a.opts.SubscribeJitterThreshold
	a.mu.Unlock()

	for _, id := range toUnsubscribe {
		a.unsubscribe(id)
	}
	for _, id := range toSubscribe {
		go a.runSubscribe(id, jittered)
	}
	a.emitOccupantsChanged()
}

// reconcile re-runs the last reconciliation, used after membership
// signals and after (re)connecting.
func (a *Adapter) reconcile() {
	a.SyncOccupants(nil)
}

func (a *Adapter) occupantJoined(id domain.ClientID) {
	a.logger.Debug().Str("occupant", string(id)).Msg("occupant joined")
	a.mu.Lock()
	if _, dup := a.available[id]; !dup {
		a.available[id] = struct{}{}
		a.availOrder = append(a.availOrder, id)
	}
	a.mu.Unlock()
	a.reconcile()
}

// occupantLeft removes the occupant everywhere: the available set, the
// pending set (cancelling any in-flight subscription) and, when
// subscribed, tears the subscription down.
func (a *Adapter) occupantLeft(id domain.ClientID) {
	a.logger.Debug().Str("occupant", string(id)).Msg("occupant left")
	a.mu.Lock()
	if _, had := a.available[id]; had {
		delete(a.available, id)
		for i, o := range a.availOrder {
			if o == id {
				a.availOrder = append(a.availOrder[:i], a.availOrder[i+1:]...)
				break
			}
		}
	}
	delete(a.pending, id)
	a.mu.Unlock()
	a.unsubscribe(id)
	a.reconcile()
}

func (a *Adapter) unsubscribe(id domain.ClientID) {
	a.mu.Lock()
	sub := a.subs[id]
	delete(a.subs, id)
	delete(a.pending, id)
	a.mu.Unlock()
	if sub == nil {
		return
	}
	a.logger.Info().Str("occupant", string(id)).Msg("occupant unsubscribed")
	sub.close()
	a.emitID(a.cb.OnOccupantDisconnected, id)
}

// AvailableOccupants lists every occupant currently in the room in
// first-seen order, subscribed or not. Useful as input to SyncOccupants
// for hosts that want everyone.
func (a *Adapter) AvailableOccupants() []domain.ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ClientID(nil), a.availOrder...)
}

// Occupants returns the currently subscribed occupant map.
func (a *Adapter) Occupants() map[domain.ClientID]*domain.Occupant {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[domain.ClientID]*domain.Occupant, len(a.subs))
	for id := range a.subs {
		out[id] = &domain.Occupant{ID: id}
	}
	return out
}

func (a *Adapter) emitOccupantsChanged() {
	cb := a.cb.OnOccupantsChanged
	if cb == nil {
		return
	}
	cb(a.Occupants())
}
