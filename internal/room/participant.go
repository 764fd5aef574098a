package room

import (
	"github.com/akarev/roomd/internal/domain"
)

// Participant is one joined client's session state within a room. All its
// fields, including the endpoint graph, are guarded by the owning room's
// mutex; the methods here are called with that lock held.
type Participant struct {
	id   domain.ParticipantID
	name string
	room *Room
	opts ParticipantOptions

	publishers  map[domain.StreamID]*Publisher
	subscribers map[subKey]*Subscriber
	closed      bool
}

// ParticipantOptions are fixed at join time and shape how the participant's
// server-side endpoints are created.
type ParticipantOptions struct {
	// DataChannels enables a data channel on the participant's endpoints.
	DataChannels bool
	// Trickle selects incremental ICE exchange; false means the node
	// gathers candidates up front.
	Trickle bool
}

func newParticipant(id domain.ParticipantID, name string, r *Room, opts ParticipantOptions) *Participant {
	return &Participant{
		id:          id,
		name:        name,
		room:        r,
		opts:        opts,
		publishers:  make(map[domain.StreamID]*Publisher),
		subscribers: make(map[subKey]*Subscriber),
	}
}

func (p *Participant) ID() domain.ParticipantID { return p.id }
func (p *Participant) Name() string             { return p.name }
func (p *Participant) Room() *Room              { return p.room }

// Options is immutable after join; safe to read without the room lock.
func (p *Participant) Options() ParticipantOptions { return p.opts }

func (p *Participant) Info() domain.UserParticipant {
	return domain.UserParticipant{ID: p.id, UserName: p.name}
}

func (p *Participant) publisher(stream domain.StreamID) *Publisher {
	return p.publishers[stream]
}

func (p *Participant) subscriber(sender string, stream domain.StreamID) *Subscriber {
	return p.subscribers[subKey{sender: sender, stream: stream}]
}

// isStreaming reports whether the participant has a negotiated publisher
// for the given stream.
func (p *Participant) isStreaming(stream domain.StreamID) bool {
	pub := p.publishers[stream]
	return pub != nil && pub.Streaming
}

func (p *Participant) isAnyStreaming() bool {
	for _, pub := range p.publishers {
		if pub.Streaming {
			return true
		}
	}
	return false
}

// isSubscribedToOther reports whether the participant receives at least one
// stream from a peer. Subscribing to the own stream does not count.
func (p *Participant) isSubscribedToOther() bool {
	for k := range p.subscribers {
		if k.sender != p.name {
			return true
		}
	}
	return false
}

// detachAll removes every endpoint record from the participant's graph and
// returns them for release outside the room lock.
func (p *Participant) detachAll() (pubs []*Publisher, subs []*Subscriber) {
	for stream, pub := range p.publishers {
		pubs = append(pubs, pub)
		delete(p.publishers, stream)
	}
	for k, sub := range p.subscribers {
		subs = append(subs, sub)
		delete(p.subscribers, k)
	}
	return pubs, subs
}
