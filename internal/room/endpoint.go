package room

import (
	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/media"
)

// Publisher is a participant's outbound media relation for one stream.
// Endpoint is nil while the server-side resource is still being created;
// Streaming flips to true once negotiation has completed.
type Publisher struct {
	Owner      *Participant
	StreamID   domain.StreamID
	StreamType string

	Endpoint  media.Endpoint
	Streaming bool
	Loopback  bool
	// LoopbackSrc is the endpoint feeding the loopback when it is not the
	// publisher itself (loopback through an alternative source stream).
	LoopbackSrc media.Endpoint

	Muted     bool
	MutedKind domain.MediaKind
}

// EndpointName is the wire-visible identity of the publisher relation,
// also used to route trickle-ICE candidates.
func (p *Publisher) EndpointName() string {
	return p.Owner.Name() + "_" + string(p.StreamID)
}

// Subscriber is a participant's inbound media relation for one remote stream.
// It exists only while the referenced publisher exists.
type Subscriber struct {
	Owner    *Participant
	Sender   string
	StreamID domain.StreamID

	Endpoint  media.Endpoint
	Connected bool

	Muted     bool
	MutedKind domain.MediaKind
}

func (s *Subscriber) EndpointName() string {
	return s.Sender + "_" + string(s.StreamID)
}

type subKey struct {
	sender string
	stream domain.StreamID
}
