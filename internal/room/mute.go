package room

import (
	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/media"
)

// Mute is implemented as a selective disconnect of the already-established
// media relations; unmute reconnects them. The room only flips flags and
// reports which endpoint pairs the orchestrator must (dis)connect on the
// engine. Requesting a state the endpoint is already in is a no-op.

// MutePair is one publisher→subscriber relation to disconnect or reconnect.
type MutePair struct {
	From media.Endpoint
	To   media.Endpoint
}

// PreparePublisherMute flips the publisher's mute flag and returns the
// relations feeding its current subscribers. changed=false means the
// publisher is already in the requested state.
func (r *Room) PreparePublisherMute(id domain.ParticipantID, stream domain.StreamID, kind domain.MediaKind, mute bool) ([]MutePair, domain.MediaKind, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, kind, false, err
	}
	pub := p.publisher(stream)
	if pub == nil || !pub.Streaming {
		return nil, kind, false, domain.NewRoomError(domain.CodeStreamNotFound, "participant %s is not publishing stream %s", id, stream)
	}
	if pub.Muted == mute {
		return nil, kind, false, nil
	}
	if !mute {
		// Reconnect the legs that were cut when the mute was applied.
		kind = pub.MutedKind
	}
	pub.Muted = mute
	pub.MutedKind = kind
	var pairs []MutePair
	for _, other := range r.byID {
		k := subKey{sender: p.name, stream: stream}
		if sub, ok := other.subscribers[k]; ok && sub.Endpoint != nil {
			pairs = append(pairs, MutePair{From: pub.Endpoint, To: sub.Endpoint})
		}
	}
	if pub.Loopback {
		from := pub.Endpoint
		if pub.LoopbackSrc != nil {
			from = pub.LoopbackSrc
		}
		pairs = append(pairs, MutePair{From: from, To: pub.Endpoint})
	}
	return pairs, kind, true, nil
}

// PrepareSubscriberMute flips one subscription's mute flag and returns the
// single publisher→subscriber relation to (dis)connect.
func (r *Room) PrepareSubscriberMute(id domain.ParticipantID, sender string, stream domain.StreamID, kind domain.MediaKind, mute bool) (*MutePair, domain.MediaKind, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, kind, false, err
	}
	sub := p.subscriber(sender, stream)
	if sub == nil || sub.Endpoint == nil {
		return nil, kind, false, domain.NewRoomError(domain.CodeEndpointNotFound, "participant %s has no subscription to %s_%s", id, sender, stream)
	}
	if sub.Muted == mute {
		return nil, kind, false, nil
	}
	if !mute {
		kind = sub.MutedKind
	}
	sub.Muted = mute
	sub.MutedKind = kind
	sp, ok := r.byName[sender]
	if !ok {
		return nil, kind, false, domain.NewRoomError(domain.CodeParticipantNotFound, "user %s not in room %s", sender, r.name)
	}
	pub := sp.publisher(stream)
	if pub == nil || pub.Endpoint == nil {
		return nil, kind, false, domain.NewRoomError(domain.CodeStreamNotFound, "user %s is not publishing stream %s", sender, stream)
	}
	return &MutePair{From: pub.Endpoint, To: sub.Endpoint}, kind, true, nil
}
