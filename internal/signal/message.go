package signal

import "encoding/json"

// request is an inbound frame. A nil ID would make it a notification from
// the client's point of view; every recognized client method carries an id.
type request struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	ID     int64      `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

type notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type joinRoomParams struct {
	User         string `json:"user"`
	Room         string `json:"room"`
	DataChannels bool   `json:"dataChannels"`
	// Trickle defaults to true when absent.
	Trickle *bool `json:"trickle"`
}

// publishVideoParams drives all three negotiation legs: sdpOffer set means
// client-initiated, sdpAnswer set completes a server-generated offer, and
// neither set asks the server to generate the offer.
type publishVideoParams struct {
	SdpOffer   string `json:"sdpOffer"`
	SdpAnswer  string `json:"sdpAnswer"`
	DoLoopback bool   `json:"doLoopback"`
	StreamID   string `json:"streamId"`
	StreamType string `json:"streamType"`
}

type unpublishVideoParams struct {
	StreamID string `json:"streamId"`
}

type receiveVideoParams struct {
	Sender   string `json:"sender"`
	StreamID string `json:"streamId"`
	SdpOffer string `json:"sdpOffer"`
}

type unsubscribeVideoParams struct {
	Sender   string `json:"sender"`
	StreamID string `json:"streamId"`
}

type iceCandidateParams struct {
	EndpointName  string `json:"endpointName"`
	StreamID      string `json:"streamId"`
	Candidate     string `json:"candidate"`
	SdpMLineIndex uint16 `json:"sdpMLineIndex"`
	SdpMid        string `json:"sdpMid"`
}

type sendMessageParams struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}
