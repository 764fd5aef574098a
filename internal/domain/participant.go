// Package domain contains entities without logic, just meta-data.
package domain

import "github.com/google/uuid"

type (
	ParticipantID string
	RoomName      string
	StreamID      string
)

// NewParticipantID mints an identifier for a joining participant. A client
// joining twice gets two distinct participants.
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

// UserParticipant is the externally visible identity of a participant,
// decoupled from internal session state.
type UserParticipant struct {
	ID       ParticipantID `json:"id"`
	UserName string        `json:"userName"`
}
