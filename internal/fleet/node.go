// Package fleet owns the set of backend media nodes and decides, under a
// pluggable load policy, where a new room's pipeline is allocated.
package fleet

import (
	"sync/atomic"

	"github.com/akarev/roomd/internal/media"
)

// Node is one backend media-processing unit. It lives for the process
// lifetime; its load counter tracks the rooms currently allocated on it.
type Node struct {
	uri    string
	engine media.Engine
	load   atomic.Int64
}

func NewNode(uri string, engine media.Engine) *Node {
	return &Node{uri: uri, engine: engine}
}

func (n *Node) URI() string          { return n.uri }
func (n *Node) Engine() media.Engine { return n.engine }
func (n *Node) Load() int64          { return n.load.Load() }

func (n *Node) acquire() { n.load.Add(1) }

// Release decrements the load counter. It never goes below zero: a release
// is only valid after a prior successful acquire for the same room, but a
// bug upstream must not corrupt the counter for everyone else.
func (n *Node) Release() {
	for {
		cur := n.load.Load()
		if cur <= 0 {
			return
		}
		if n.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
