// Package freeze buffers inbound entity updates while the host consumer
// is paused, coalescing writes to the same entity so that unfreezing
// replays one merged message per entity instead of the full backlog.
package freeze

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/janus-adapter/internal/domain"
)

// OwnerFilter reports whether messages owned by the given client may
// reach the host. Untracked or blocked owners are filtered out.
type OwnerFilter func(domain.ClientID) bool

type entry struct {
	from     domain.ClientID
	dataType string
	update   *domain.EntityUpdate
}

// Buffer is the freeze gate. While frozen, Store accepts entity
// messages and merges them per network id; Unfreeze returns the merged
// backlog in first-seen order and clears it.
type Buffer struct {
	allowed OwnerFilter
	logger  zerolog.Logger

	mu      sync.Mutex
	frozen  bool
	order   []string
	entries map[string]*entry
}

func NewBuffer(allowed OwnerFilter) *Buffer {
	if allowed == nil {
		allowed = func(domain.ClientID) bool { return true }
	}
	return &Buffer{
		allowed: allowed,
		logger:  log.With().Str("module", "freeze").Logger(),
		entries: make(map[string]*entry),
	}
}

func (b *Buffer) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

func (b *Buffer) Frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// Store buffers msg if the gate is frozen. It returns false when not
// frozen, meaning the caller must deliver the message itself. Only
// entity messages ("u", "um", "r") belong here; "um" batches are
// unpacked and each element merged independently.
func (b *Buffer) Store(from domain.ClientID, msg *domain.DataMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.frozen {
		return false
	}

	switch msg.DataType {
	case domain.DataTypeUpdateMulti:
		var batch domain.UpdateMulti
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			b.logger.Warn().Err(err).Msg("undecodable um batch, dropping")
			return true
		}
		for _, upd := range batch.D {
			b.storeOne(from, domain.DataTypeUpdate, upd)
		}
	case domain.DataTypeUpdate, domain.DataTypeRemove:
		var upd domain.EntityUpdate
		if err := json.Unmarshal(msg.Data, &upd); err != nil {
			b.logger.Warn().Err(err).Msg("undecodable entity message, dropping")
			return true
		}
		b.storeOne(from, msg.DataType, &upd)
	default:
		b.logger.Warn().Str("data_type", msg.DataType).Msg("non-entity message in freeze gate, dropping")
	}
	return true
}

// storeOne applies the merge rule for a single entity record. Caller
// holds mu.
func (b *Buffer) storeOne(from domain.ClientID, dataType string, upd *domain.EntityUpdate) {
	if upd.NetworkID == "" {
		return
	}
	if !b.allowed(b.ownerOf(from, upd)) {
		return
	}

	cur, ok := b.entries[upd.NetworkID]
	if !ok {
		b.entries[upd.NetworkID] = &entry{from: from, dataType: dataType, update: upd}
		b.order = append(b.order, upd.NetworkID)
		return
	}

	if dataType == domain.DataTypeRemove {
		if cur.dataType == domain.DataTypeUpdate && cur.update.IsFirstSync {
			// The entity was created and destroyed entirely within the
			// frozen window; the host never needs to hear about it.
			b.drop(upd.NetworkID)
			return
		}
		b.entries[upd.NetworkID] = &entry{from: from, dataType: dataType, update: upd}
		return
	}

	// Incoming update against a buffered delete: the delete stands.
	if cur.dataType == domain.DataTypeRemove {
		return
	}
	if upd.OlderThan(cur.update) {
		return
	}
	mergeInto(cur.update, upd)
	cur.from = from
}

// mergeInto folds a newer update for the same entity into dst. The
// component map is a union with the newer write winning per key;
// IsFirstSync is sticky so a creation stays a creation across merges.
func mergeInto(dst, src *domain.EntityUpdate) {
	dst.Owner = src.Owner
	dst.LastOwnerTime = src.LastOwnerTime
	if src.Template != "" {
		dst.Template = src.Template
	}
	dst.Persistent = src.Persistent
	if len(src.Components) > 0 {
		if dst.Components == nil {
			dst.Components = make(map[string]json.RawMessage, len(src.Components))
		}
		for k, v := range src.Components {
			dst.Components[k] = v
		}
	}
}

// Unfreeze opens the gate and returns the buffered backlog in
// first-seen order. Batched updates come back as plain "u" messages.
// The owner filter runs again here: an owner may have left or been
// blocked while the gate was closed.
func (b *Buffer) Unfreeze() []*domain.DataMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = false

	out := make([]*domain.DataMessage, 0, len(b.order))
	for _, id := range b.order {
		e, ok := b.entries[id]
		if !ok {
			continue
		}
		if !b.allowed(b.ownerOf(e.from, e.update)) {
			continue
		}
		raw, err := json.Marshal(e.update)
		if err != nil {
			b.logger.Error().Err(err).Str("network_id", id).Msg("flush marshal failed")
			continue
		}
		out = append(out, &domain.DataMessage{
			ClientID: e.from,
			DataType: e.dataType,
			Data:     raw,
		})
	}
	b.order = nil
	b.entries = make(map[string]*entry)
	return out
}

// Clear drops the backlog without delivering it. Used on disconnect.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = false
	b.order = nil
	b.entries = make(map[string]*entry)
}

func (b *Buffer) ownerOf(from domain.ClientID, upd *domain.EntityUpdate) domain.ClientID {
	if upd != nil && upd.Owner != "" {
		return upd.Owner
	}
	return from
}

// drop removes an entity from both the index and the flush order.
// Caller holds mu.
func (b *Buffer) drop(id string) {
	delete(b.entries, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
