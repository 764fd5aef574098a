package signal

// Wire method and parameter names of the signaling protocol.
const (
	MethodJoinRoom             = "joinRoom"
	MethodPublishVideo         = "publishVideo"
	MethodUnpublishVideo       = "unpublishVideo"
	MethodReceiveVideoFrom     = "receiveVideoFrom"
	MethodUnsubscribeFromVideo = "unsubscribeFromVideo"
	MethodOnIceCandidate       = "onIceCandidate"
	MethodLeaveRoom            = "leaveRoom"
	MethodSendMessage          = "sendMessage"
	MethodCustomRequest        = "customRequest"
)

func knownMethod(m string) bool {
	switch m {
	case MethodJoinRoom, MethodPublishVideo, MethodUnpublishVideo,
		MethodReceiveVideoFrom, MethodUnsubscribeFromVideo,
		MethodOnIceCandidate, MethodLeaveRoom, MethodSendMessage,
		MethodCustomRequest:
		return true
	}
	return false
}

// Server-to-client notification methods; these carry no request id.
const (
	NotifParticipantJoined      = "participantJoined"
	NotifParticipantLeft        = "participantLeft"
	NotifParticipantPublished   = "participantPublished"
	NotifParticipantUnpublished = "participantUnpublished"
	NotifIceCandidate           = "iceCandidate"
	NotifRoomClosed             = "roomClosed"
	NotifSendMessage            = "sendMessage"
	NotifMediaError             = "mediaError"
)
