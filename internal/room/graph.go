package room

import (
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/media"
)

// Staged endpoint-graph mutations. The orchestrator calls a prepare method
// inside the room critical section, performs the media-engine round trip
// outside it, then commits or rolls back. The graph never keeps a record
// for an endpoint whose negotiation failed.

// NewOrExistingPublisher returns the publisher record for (id, stream),
// creating it if absent. needEndpoint reports whether the caller must create
// the server-side endpoint and attach it.
func (r *Room) NewOrExistingPublisher(id domain.ParticipantID, stream domain.StreamID, streamType string) (*Publisher, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, false, err
	}
	if pub, ok := p.publishers[stream]; ok {
		return pub, pub.Endpoint == nil, nil
	}
	pub := &Publisher{Owner: p, StreamID: stream, StreamType: streamType}
	p.publishers[stream] = pub
	return pub, true, nil
}

// AttachPublisherEndpoint binds a freshly created endpoint to the record.
// attached=false means another caller got there first and ep must be
// released by the caller. An error means the owner is gone; same cleanup.
func (r *Room) AttachPublisherEndpoint(pub *Publisher, ep media.Endpoint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pub.Owner.closed || r.byID[pub.Owner.id] == nil {
		return false, domain.NewRoomError(domain.CodeParticipantClosed, "participant %s closed", pub.Owner.id)
	}
	if pub.Owner.publishers[pub.StreamID] != pub {
		// Record was torn down while the endpoint was being created.
		return false, domain.NewRoomError(domain.CodeStreamNotFound, "publisher %s_%s was removed", pub.Owner.name, pub.StreamID)
	}
	if pub.Endpoint != nil {
		return false, nil
	}
	pub.Endpoint = ep
	return true, nil
}

// PublisherLoopbackSource resolves another of the participant's streaming
// publisher endpoints, to feed a loopback from a different stream.
func (r *Room) PublisherLoopbackSource(id domain.ParticipantID, stream domain.StreamID) (media.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, err
	}
	pub := p.publisher(stream)
	if pub == nil || !pub.Streaming || pub.Endpoint == nil {
		return nil, domain.NewRoomError(domain.CodeStreamNotFound, "participant %s is not publishing loopback source %s", id, stream)
	}
	return pub.Endpoint, nil
}

// CommitPublisher marks the publisher streaming after a successful
// negotiation and returns the notification recipient set as of commit.
// loopbackSrc is nil unless the loopback is fed by another stream.
func (r *Room) CommitPublisher(pub *Publisher, loopback bool, loopbackSrc media.Endpoint) ([]domain.ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pub.Owner.closed {
		return nil, domain.NewRoomError(domain.CodeParticipantClosed, "participant %s closed", pub.Owner.id)
	}
	pub.Streaming = true
	pub.Loopback = loopback
	pub.LoopbackSrc = loopbackSrc
	var recipients []domain.ParticipantID
	for id := range r.byID {
		if id != pub.Owner.id {
			recipients = append(recipients, id)
		}
	}
	return recipients, nil
}

// RollbackPublisher drops the record after a failed creation or
// negotiation, but only while it never reached the streaming state. It
// reports whether the record was removed; if so the caller releases the
// endpoint it attached.
func (r *Room) RollbackPublisher(pub *Publisher) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := pub.Owner.publishers[pub.StreamID]
	if cur == pub && !pub.Streaming {
		delete(pub.Owner.publishers, pub.StreamID)
		return true
	}
	return false
}

// RemovePublisher tears the publisher record out of the graph together with
// every subscription in the room that references it.
func (r *Room) RemovePublisher(id domain.ParticipantID, stream domain.StreamID) (*Publisher, []*Subscriber, []domain.ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, nil, nil, err
	}
	pub, ok := p.publishers[stream]
	if !ok || !pub.Streaming {
		return nil, nil, nil, domain.NewRoomError(domain.CodeStreamNotFound, "participant %s is not publishing stream %s", id, stream)
	}
	delete(p.publishers, stream)
	var deps []*Subscriber
	for _, other := range r.byID {
		k := subKey{sender: p.name, stream: stream}
		if sub, ok := other.subscribers[k]; ok {
			deps = append(deps, sub)
			delete(other.subscribers, k)
		}
	}
	var recipients []domain.ParticipantID
	for oid := range r.byID {
		if oid != id {
			recipients = append(recipients, oid)
		}
	}
	log.Info().Str("module", "room").Str("room", string(r.name)).Str("participant", string(id)).Str("stream", string(stream)).Int("dependents", len(deps)).Msg("publisher removed")
	return pub, deps, recipients, nil
}

// PrepareSubscribe validates the remote stream and creates the subscriber
// record. It returns the sender's publisher so the caller can connect the
// two endpoints on the engine.
func (r *Room) PrepareSubscribe(id domain.ParticipantID, sender string, stream domain.StreamID) (*Subscriber, *Publisher, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, nil, false, err
	}
	sp, ok := r.byName[sender]
	if !ok {
		return nil, nil, false, domain.NewRoomError(domain.CodeParticipantNotFound, "user %s not in room %s", sender, r.name)
	}
	pub := sp.publisher(stream)
	if pub == nil || !pub.Streaming {
		return nil, nil, false, domain.NewRoomError(domain.CodeStreamNotFound, "user %s is not publishing stream %s", sender, stream)
	}
	k := subKey{sender: sender, stream: stream}
	if sub, ok := p.subscribers[k]; ok {
		return sub, pub, sub.Endpoint == nil, nil
	}
	sub := &Subscriber{Owner: p, Sender: sender, StreamID: stream}
	p.subscribers[k] = sub
	return sub, pub, true, nil
}

func (r *Room) AttachSubscriberEndpoint(sub *Subscriber, ep media.Endpoint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.Owner.closed || r.byID[sub.Owner.id] == nil {
		return false, domain.NewRoomError(domain.CodeParticipantClosed, "participant %s closed", sub.Owner.id)
	}
	k := subKey{sender: sub.Sender, stream: sub.StreamID}
	if sub.Owner.subscribers[k] != sub {
		// Publisher teardown already swept this record away.
		return false, domain.NewRoomError(domain.CodeStreamNotFound, "subscription %s_%s was removed", sub.Sender, sub.StreamID)
	}
	if sub.Endpoint != nil {
		return false, nil
	}
	sub.Endpoint = ep
	return true, nil
}

// CommitSubscriber marks the subscription live. It fails if the publisher
// disappeared while negotiation was in flight, in which case the caller
// rolls back.
func (r *Room) CommitSubscriber(sub *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.Owner.closed {
		return domain.NewRoomError(domain.CodeParticipantClosed, "participant %s closed", sub.Owner.id)
	}
	sp, ok := r.byName[sub.Sender]
	if !ok || !sp.isStreaming(sub.StreamID) {
		return domain.NewRoomError(domain.CodeStreamNotFound, "user %s is not publishing stream %s", sub.Sender, sub.StreamID)
	}
	sub.Connected = true
	return nil
}

func (r *Room) RollbackSubscriber(sub *Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := subKey{sender: sub.Sender, stream: sub.StreamID}
	if cur := sub.Owner.subscribers[k]; cur == sub && !sub.Connected {
		delete(sub.Owner.subscribers, k)
		return true
	}
	return false
}

// RemoveSubscriber drops one subscription. A missing subscription is not an
// error; the caller treats nil as a no-op.
func (r *Room) RemoveSubscriber(id domain.ParticipantID, sender string, stream domain.StreamID) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, err
	}
	k := subKey{sender: sender, stream: stream}
	sub, ok := p.subscribers[k]
	if !ok {
		return nil, nil
	}
	delete(p.subscribers, k)
	return sub, nil
}

// EndpointForCandidate resolves a trickle-ICE candidate's target endpoint:
// the participant's own publisher when endpointName is their user name, a
// subscription to endpointName's stream otherwise.
func (r *Room) EndpointForCandidate(id domain.ParticipantID, endpointName string, stream domain.StreamID) (media.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, err
	}
	if endpointName == p.name {
		if pub := p.publisher(stream); pub != nil && pub.Endpoint != nil {
			return pub.Endpoint, nil
		}
	} else if sub := p.subscriber(endpointName, stream); sub != nil && sub.Endpoint != nil {
		return sub.Endpoint, nil
	}
	return nil, domain.NewRoomError(domain.CodeEndpointNotFound, "no endpoint %s_%s for participant %s", endpointName, stream, id)
}
