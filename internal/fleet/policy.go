package fleet

// LoadPolicy decides whether a node can accept another room allocation.
type LoadPolicy interface {
	Accepts(n *Node) bool
}

// AcceptAny is the baseline policy: nodes are unbounded.
type AcceptAny struct{}

func (AcceptAny) Accepts(*Node) bool { return true }

// MaxLoad rejects a node once its load counter reaches Limit.
type MaxLoad struct {
	Limit int64
}

func (p MaxLoad) Accepts(n *Node) bool { return n.Load() < p.Limit }

// PolicyFor picks the policy matching a configured per-node limit;
// zero means unbounded.
func PolicyFor(limit int64) LoadPolicy {
	if limit > 0 {
		return MaxLoad{Limit: limit}
	}
	return AcceptAny{}
}
