// Package media defines the narrow control surface of an external
// media-processing node. The orchestrator only ever talks to a node through
// these capabilities; codec negotiation, transport and the SDP/ICE payload
// bytes are entirely the node's business.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/akarev/roomd/internal/domain"
)

// Engine is one node's control connection.
type Engine interface {
	// CreatePipeline allocates a media pipeline on the node. One pipeline
	// backs one room.
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// Pipeline is a per-room media context on a node. Endpoints created from the
// same pipeline can be connected to each other.
type Pipeline interface {
	ID() string
	CreateEndpoint(ctx context.Context, opts EndpointOptions) (Endpoint, error)
	Release(ctx context.Context) error
}

// EndpointOptions configures a new server-side endpoint.
type EndpointOptions struct {
	// DataChannels enables a data channel on the endpoint.
	DataChannels bool
	// Trickle selects incremental ICE candidate exchange. When false the
	// node gathers candidates before answering.
	Trickle bool
}

// Endpoint is a server-side media relation (one publisher leg or one
// subscriber leg). SDP strings are opaque to the caller.
type Endpoint interface {
	ID() string

	ProcessOffer(ctx context.Context, offer string) (answer string, err error)
	ProcessAnswer(ctx context.Context, answer string) error
	GenerateOffer(ctx context.Context) (offer string, err error)

	AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error

	// Connect streams this endpoint's media into to, restricted to the
	// given kind. Used for subscriber wiring and publisher loopback.
	Connect(ctx context.Context, to Endpoint, kind domain.MediaKind) error
	// Disconnect severs a previous Connect for the given kind.
	Disconnect(ctx context.Context, to Endpoint, kind domain.MediaKind) error

	// OnCandidate registers the sink for trickle-ICE candidates gathered on
	// the node. Must be set before negotiation starts.
	OnCandidate(fn func(webrtc.ICECandidateInit))
	// OnMediaError registers the sink for asynchronous media faults.
	OnMediaError(fn func(desc string))

	Release(ctx context.Context) error
}
