package fleet

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
)

// Fleet is a fixed, ordered node set configured at startup.
type Fleet struct {
	mu     sync.Mutex
	nodes  []*Node
	policy LoadPolicy
}

func New(nodes []*Node, policy LoadPolicy) *Fleet {
	if policy == nil {
		policy = AcceptAny{}
	}
	return &Fleet{nodes: nodes, policy: policy}
}

// SelectNode scans the nodes in configuration order and returns the first
// one the load policy accepts, with its load counter already incremented.
// The caller owns exactly one matching Release on the returned node.
func (f *Fleet) SelectNode() (*Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if f.policy.Accepts(n) {
			n.acquire()
			log.Debug().Str("module", "fleet").Str("uri", n.uri).Int64("load", n.Load()).Msg("node selected")
			return n, nil
		}
	}
	return nil, domain.NewRoomError(domain.CodeNoCapacity, "no media node can accept another room")
}

func (f *Fleet) Nodes() []*Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Node, len(f.nodes))
	copy(out, f.nodes)
	return out
}

// Close closes every node's control connection.
func (f *Fleet) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nodes {
		if n.engine != nil {
			if err := n.engine.Close(); err != nil {
				log.Error().Err(err).Str("module", "fleet").Str("uri", n.uri).Msg("node close")
			}
		}
	}
}
