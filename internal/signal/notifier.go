package signal

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
)

// The dispatcher implements orch.RoomHandler: the orchestrator reports what
// changed and for whom; the code here resolves participant ids to live
// connections and pushes the notification frames. A recipient whose
// connection is already gone is skipped silently.

func (d *Dispatcher) notify(recipient domain.ParticipantID, method string, params any) {
	d.mu.RLock()
	sess := d.byParticipant[recipient]
	d.mu.RUnlock()
	if sess == nil {
		return
	}
	d.sendJSON(sess, notification{Method: method, Params: params})
}

func (d *Dispatcher) fanOut(recipients []domain.ParticipantID, method string, params any) {
	for _, id := range recipients {
		d.notify(id, method, params)
	}
}

func (d *Dispatcher) ParticipantJoined(recipients []domain.ParticipantID, room domain.RoomName, joined domain.UserParticipant) {
	d.fanOut(recipients, NotifParticipantJoined, map[string]any{
		"id":   joined.ID,
		"user": joined.UserName,
	})
}

func (d *Dispatcher) ParticipantLeft(recipients []domain.ParticipantID, room domain.RoomName, left domain.UserParticipant) {
	d.fanOut(recipients, NotifParticipantLeft, map[string]any{
		"name": left.UserName,
	})
}

func (d *Dispatcher) StreamPublished(recipients []domain.ParticipantID, room domain.RoomName, publisher domain.UserParticipant, stream domain.StreamID, streamType string) {
	d.fanOut(recipients, NotifParticipantPublished, map[string]any{
		"id":         publisher.ID,
		"user":       publisher.UserName,
		"streamId":   stream,
		"streamType": streamType,
	})
}

func (d *Dispatcher) StreamUnpublished(recipients []domain.ParticipantID, room domain.RoomName, publisher domain.UserParticipant, stream domain.StreamID) {
	d.fanOut(recipients, NotifParticipantUnpublished, map[string]any{
		"name":     publisher.UserName,
		"streamId": stream,
	})
}

func (d *Dispatcher) IceCandidate(recipient domain.ParticipantID, endpointName string, stream domain.StreamID, cand webrtc.ICECandidateInit) {
	params := map[string]any{
		"endpointName": endpointName,
		"streamId":     stream,
		"candidate":    cand.Candidate,
	}
	if cand.SDPMid != nil {
		params["sdpMid"] = *cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		params["sdpMLineIndex"] = *cand.SDPMLineIndex
	}
	d.notify(recipient, NotifIceCandidate, params)
}

func (d *Dispatcher) MediaError(recipient domain.ParticipantID, description string) {
	log.Warn().Str("module", "signal").Str("participant", string(recipient)).Str("error", description).Msg("media error")
	d.notify(recipient, NotifMediaError, map[string]any{
		"error": description,
	})
}

func (d *Dispatcher) RoomClosed(recipients []domain.ParticipantID, room domain.RoomName) {
	d.fanOut(recipients, NotifRoomClosed, map[string]any{
		"room": room,
	})
}

func (d *Dispatcher) Message(recipients []domain.ParticipantID, room domain.RoomName, userName, message string) {
	d.fanOut(recipients, NotifSendMessage, map[string]any{
		"room":    room,
		"user":    userName,
		"message": message,
	})
}
