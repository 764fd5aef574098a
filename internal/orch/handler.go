package orch

import (
	"github.com/pion/webrtc/v4"

	"github.com/akarev/roomd/internal/domain"
)

// RoomHandler receives the orchestrator's event fan-out. The orchestrator
// decides WHAT changed and for whom, inside the room's critical section; the
// handler (the protocol dispatcher in this server) decides how the message
// is delivered. Recipient sets are computed as of the moment the state
// change is committed.
type RoomHandler interface {
	ParticipantJoined(recipients []domain.ParticipantID, room domain.RoomName, joined domain.UserParticipant)
	ParticipantLeft(recipients []domain.ParticipantID, room domain.RoomName, left domain.UserParticipant)
	StreamPublished(recipients []domain.ParticipantID, room domain.RoomName, publisher domain.UserParticipant, stream domain.StreamID, streamType string)
	StreamUnpublished(recipients []domain.ParticipantID, room domain.RoomName, publisher domain.UserParticipant, stream domain.StreamID)
	IceCandidate(recipient domain.ParticipantID, endpointName string, stream domain.StreamID, cand webrtc.ICECandidateInit)
	MediaError(recipient domain.ParticipantID, description string)
	RoomClosed(recipients []domain.ParticipantID, room domain.RoomName)
	Message(recipients []domain.ParticipantID, room domain.RoomName, userName, message string)
}

func recipientIDs(users []domain.UserParticipant) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}
