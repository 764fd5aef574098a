package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/media"
	"github.com/akarev/roomd/internal/room"
)

// PublishMedia negotiates the participant's outbound stream. With isOffer
// the sdp is the client's offer and the result is the server's answer; with
// an empty sdp the server generates the offer instead (the stream is not
// live until the client's answer arrives through a second call); otherwise
// the sdp is the client's answer to a previously generated offer.
//
// loopbackSource names another stream of the same participant to feed the
// loopback from; empty means the published stream loops back to itself.
//
// A failed negotiation leaves no publisher endpoint registered.
func (o *Orchestrator) PublishMedia(ctx context.Context, id domain.ParticipantID, stream domain.StreamID, streamType string, isOffer bool, sdp string, doLoopback bool, loopbackKind domain.MediaKind, loopbackSource domain.StreamID) (string, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return "", err
	}
	pub, err := o.ensurePublisher(ctx, r, id, stream, streamType)
	if err != nil {
		return "", err
	}

	var result string
	var nerr error
	generated := false
	switch {
	case isOffer:
		result, nerr = pub.Endpoint.ProcessOffer(ctx, sdp)
	case sdp == "":
		result, nerr = pub.Endpoint.GenerateOffer(ctx)
		generated = true
	default:
		nerr = pub.Endpoint.ProcessAnswer(ctx, sdp)
	}
	if nerr != nil {
		o.dropFailedPublisher(ctx, r, pub)
		return "", domain.NewRoomError(domain.CodeMediaNegotiation, "negotiate publish %s_%s: %v", id, stream, nerr)
	}
	if generated {
		// Not streaming yet; the client's answer completes the publish.
		return result, nil
	}

	var loopbackSrc media.Endpoint
	if doLoopback {
		src := pub.Endpoint
		if loopbackSource != "" && loopbackSource != stream {
			src, err = r.PublisherLoopbackSource(id, loopbackSource)
			if err != nil {
				o.dropFailedPublisher(ctx, r, pub)
				return "", err
			}
			loopbackSrc = src
		}
		if err := src.Connect(ctx, pub.Endpoint, loopbackKind); err != nil {
			o.dropFailedPublisher(ctx, r, pub)
			return "", domain.NewRoomError(domain.CodeMediaNegotiation, "loopback %s_%s: %v", id, stream, err)
		}
	}

	recipients, err := r.CommitPublisher(pub, doLoopback, loopbackSrc)
	if err != nil {
		// The concurrent leave that closed the owner releases the endpoint.
		return "", err
	}
	o.handler.StreamPublished(recipients, r.Name(), domain.UserParticipant{ID: id, UserName: pub.Owner.Name()}, stream, streamType)
	return result, nil
}

// GeneratePublishOffer starts a server-initiated publish negotiation.
func (o *Orchestrator) GeneratePublishOffer(ctx context.Context, id domain.ParticipantID, stream domain.StreamID) (string, error) {
	return o.PublishMedia(ctx, id, stream, "", false, "", false, domain.MediaAll, "")
}

// ensurePublisher resolves or creates the publisher record and its
// server-side endpoint. The engine call runs outside the room lock; losing
// an attach race releases the surplus endpoint.
func (o *Orchestrator) ensurePublisher(ctx context.Context, r *room.Room, id domain.ParticipantID, stream domain.StreamID, streamType string) (*room.Publisher, error) {
	pub, needEndpoint, err := r.NewOrExistingPublisher(id, stream, streamType)
	if err != nil {
		return nil, err
	}
	if !needEndpoint {
		return pub, nil
	}
	opts := pub.Owner.Options()
	ep, err := r.Pipeline().CreateEndpoint(ctx, media.EndpointOptions{DataChannels: opts.DataChannels, Trickle: opts.Trickle})
	if err != nil {
		r.RollbackPublisher(pub)
		return nil, domain.NewRoomError(domain.CodeMediaNegotiation, "create publisher endpoint %s_%s: %v", id, stream, err)
	}
	ownerName := pub.Owner.Name()
	ep.OnCandidate(func(cand webrtc.ICECandidateInit) {
		o.handler.IceCandidate(id, ownerName, stream, cand)
	})
	ep.OnMediaError(func(desc string) {
		o.handler.MediaError(id, desc)
	})
	attached, aerr := r.AttachPublisherEndpoint(pub, ep)
	if aerr != nil {
		o.releaseEndpoint(ctx, ep, "publisher")
		return nil, aerr
	}
	if !attached {
		// Another request created the endpoint first.
		o.releaseEndpoint(ctx, ep, "publisher")
	}
	return pub, nil
}

func (o *Orchestrator) dropFailedPublisher(ctx context.Context, r *room.Room, pub *room.Publisher) {
	if r.RollbackPublisher(pub) && pub.Endpoint != nil {
		o.releaseEndpoint(ctx, pub.Endpoint, "publisher")
	}
}

// UnpublishMedia tears down the publisher endpoint and, transitively, every
// subscription in the room that referenced it. The peer is left ready to
// publish again later.
func (o *Orchestrator) UnpublishMedia(ctx context.Context, id domain.ParticipantID, stream domain.StreamID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	pub, deps, recipients, err := r.RemovePublisher(id, stream)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if dep.Endpoint != nil {
			o.releaseEndpoint(ctx, dep.Endpoint, "subscriber")
		}
	}
	if pub.Endpoint != nil {
		o.releaseEndpoint(ctx, pub.Endpoint, "publisher")
	}
	o.handler.StreamUnpublished(recipients, r.Name(), domain.UserParticipant{ID: id, UserName: pub.Owner.Name()}, stream)
	return nil
}

// Subscribe connects the participant to a remote published stream and
// returns the SDP answer. Subscribing to the own stream is allowed.
func (o *Orchestrator) Subscribe(ctx context.Context, sender string, stream domain.StreamID, sdpOffer string, id domain.ParticipantID) (string, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return "", err
	}
	sub, pub, needEndpoint, err := r.PrepareSubscribe(id, sender, stream)
	if err != nil {
		return "", err
	}
	if needEndpoint {
		opts := sub.Owner.Options()
		ep, cerr := r.Pipeline().CreateEndpoint(ctx, media.EndpointOptions{DataChannels: opts.DataChannels, Trickle: opts.Trickle})
		if cerr != nil {
			r.RollbackSubscriber(sub)
			return "", domain.NewRoomError(domain.CodeMediaNegotiation, "create subscriber endpoint %s->%s_%s: %v", id, sender, stream, cerr)
		}
		ep.OnCandidate(func(cand webrtc.ICECandidateInit) {
			o.handler.IceCandidate(id, sender, stream, cand)
		})
		ep.OnMediaError(func(desc string) {
			o.handler.MediaError(id, desc)
		})
		attached, aerr := r.AttachSubscriberEndpoint(sub, ep)
		if aerr != nil {
			o.releaseEndpoint(ctx, ep, "subscriber")
			return "", aerr
		}
		if !attached {
			o.releaseEndpoint(ctx, ep, "subscriber")
		}
	}

	answer, nerr := sub.Endpoint.ProcessOffer(ctx, sdpOffer)
	if nerr != nil {
		o.dropFailedSubscriber(ctx, r, sub)
		return "", domain.NewRoomError(domain.CodeMediaNegotiation, "negotiate subscribe %s->%s_%s: %v", id, sender, stream, nerr)
	}
	if err := pub.Endpoint.Connect(ctx, sub.Endpoint, domain.MediaAll); err != nil {
		o.dropFailedSubscriber(ctx, r, sub)
		return "", domain.NewRoomError(domain.CodeMediaNegotiation, "connect %s_%s to %s: %v", sender, stream, id, err)
	}
	if err := r.CommitSubscriber(sub); err != nil {
		// Whoever removed the record mid-flight releases its endpoint.
		return "", err
	}
	return answer, nil
}

func (o *Orchestrator) dropFailedSubscriber(ctx context.Context, r *room.Room, sub *room.Subscriber) {
	if r.RollbackSubscriber(sub) && sub.Endpoint != nil {
		o.releaseEndpoint(ctx, sub.Endpoint, "subscriber")
	}
}

// Unsubscribe removes one subscription; not being subscribed is a no-op.
func (o *Orchestrator) Unsubscribe(ctx context.Context, sender string, stream domain.StreamID, id domain.ParticipantID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	sub, err := r.RemoveSubscriber(id, sender, stream)
	if err != nil {
		return err
	}
	if sub != nil && sub.Endpoint != nil {
		o.releaseEndpoint(ctx, sub.Endpoint, "subscriber")
	}
	return nil
}

// OnIceCandidate forwards a trickle-ICE candidate to the matching endpoint:
// the participant's own publisher when endpointName is their user name, or
// their subscription to endpointName's stream.
func (o *Orchestrator) OnIceCandidate(ctx context.Context, endpointName string, stream domain.StreamID, candidate string, sdpMLineIndex uint16, sdpMid string, id domain.ParticipantID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	ep, err := r.EndpointForCandidate(id, endpointName, stream)
	if err != nil {
		return err
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	}
	if err := ep.AddCandidate(ctx, cand); err != nil {
		return domain.NewRoomError(domain.CodeMediaNegotiation, "add candidate for %s_%s: %v", endpointName, stream, err)
	}
	return nil
}

// MutePublishedMedia selectively disconnects the participant's published
// stream from all its subscribers. Muting an already-muted publisher is a
// no-op.
func (o *Orchestrator) MutePublishedMedia(ctx context.Context, kind domain.MediaKind, id domain.ParticipantID, stream domain.StreamID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	pairs, k, changed, err := r.PreparePublisherMute(id, stream, kind, true)
	if err != nil || !changed {
		return err
	}
	return o.applyMute(ctx, pairs, k, true)
}

func (o *Orchestrator) UnmutePublishedMedia(ctx context.Context, id domain.ParticipantID, stream domain.StreamID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	pairs, k, changed, err := r.PreparePublisherMute(id, stream, domain.MediaAll, false)
	if err != nil || !changed {
		return err
	}
	return o.applyMute(ctx, pairs, k, false)
}

// MuteSubscribedMedia selectively disconnects one incoming stream.
func (o *Orchestrator) MuteSubscribedMedia(ctx context.Context, sender string, stream domain.StreamID, kind domain.MediaKind, id domain.ParticipantID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	pair, k, changed, err := r.PrepareSubscriberMute(id, sender, stream, kind, true)
	if err != nil || !changed {
		return err
	}
	return o.applyMute(ctx, []room.MutePair{*pair}, k, true)
}

func (o *Orchestrator) UnmuteSubscribedMedia(ctx context.Context, sender string, stream domain.StreamID, id domain.ParticipantID) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	pair, k, changed, err := r.PrepareSubscriberMute(id, sender, stream, domain.MediaAll, false)
	if err != nil || !changed {
		return err
	}
	return o.applyMute(ctx, []room.MutePair{*pair}, k, false)
}

func (o *Orchestrator) applyMute(ctx context.Context, pairs []room.MutePair, kind domain.MediaKind, mute bool) error {
	var firstErr error
	for _, p := range pairs {
		var err error
		if mute {
			err = p.From.Disconnect(ctx, p.To, kind)
		} else {
			err = p.From.Connect(ctx, p.To, kind)
		}
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Bool("mute", mute).Str("kind", kind.String()).Msg("mute relation update")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return domain.NewRoomError(domain.CodeMediaNegotiation, "apply mute: %v", firstErr)
	}
	return nil
}

func (o *Orchestrator) releaseEndpoint(ctx context.Context, ep media.Endpoint, role string) {
	if err := ep.Release(ctx); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("role", role).Str("endpoint", ep.ID()).Msg("endpoint release")
	}
}
