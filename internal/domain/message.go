package domain

import "encoding/json"

// Data types carried in the data-channel envelope. "u" is a single entity
// update, "um" a batched multi-entity update, "r" an entity removal.
const (
	DataTypeUpdate      = "u"
	DataTypeUpdateMulti = "um"
	DataTypeRemove      = "r"
)

// DataMessage is the envelope every application payload travels in, both
// over the data channels and over the signalling fallback path.
type DataMessage struct {
	ClientID ClientID        `json:"clientId,omitempty"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// EntityUpdate is the payload of "u" and "r" messages and of each element
// of a "um" batch. Owner and LastOwnerTime order concurrent writes to the
// same entity.
type EntityUpdate struct {
	NetworkID     string                     `json:"networkId"`
	Owner         ClientID                   `json:"owner,omitempty"`
	LastOwnerTime int64                      `json:"lastOwnerTime,omitempty"`
	Template      string                     `json:"template,omitempty"`
	Persistent    bool                       `json:"persistent,omitempty"`
	IsFirstSync   bool                       `json:"isFirstSync,omitempty"`
	Components    map[string]json.RawMessage `json:"components,omitempty"`
}

// UpdateMulti is the payload of a "um" message.
type UpdateMulti struct {
	D []*EntityUpdate `json:"d"`
}

// OlderThan reports whether u lost the write race against other: a strictly
// smaller LastOwnerTime loses, and at equal times the greater owner id
// loses. The owner tie-break is a plain lexical comparison; it only has to
// be consistent, not meaningful.
func (u *EntityUpdate) OlderThan(other *EntityUpdate) bool {
	if u.LastOwnerTime != other.LastOwnerTime {
		return u.LastOwnerTime < other.LastOwnerTime
	}
	return u.Owner > other.Owner
}
