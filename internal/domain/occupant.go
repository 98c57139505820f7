// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxClientIDLen = 64

var (
	ErrClientIDEmpty   = errors.New("client id empty")
	ErrClientIDTooLong = errors.New("client id too long")
)

type (
	// ClientID identifies one occupant in a room. It is assigned by the
	// application, not by the SFU.
	ClientID string

	// RoomID names the SFU room the adapter joins.
	RoomID string
)

// NewClientID validates an application-supplied id, or mints a random one
// when the input is empty.
func NewClientID(raw string) (ClientID, error) {
	if raw == "" {
		return ClientID(uuid.NewString()), nil
	}
	if len(raw) > MaxClientIDLen {
		return "", ErrClientIDTooLong
	}
	return ClientID(raw), nil
}

// Occupant is a remote room member the adapter is subscribed to.
// No transport or lifecycle logic here.
type Occupant struct {
	ID ClientID
}
