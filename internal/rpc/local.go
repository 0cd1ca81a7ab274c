package rpc

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// LocalNetwork connects Systems living in the same process. Nodes can be
// switched off to simulate failures.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*System
	down  map[string]bool
}

// NewLocalNetwork creates an empty in-process network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]*System),
		down:  make(map[string]bool),
	}
}

// Join attaches sys to the network and adds every member to every ring.
func (n *LocalNetwork) Join(sys *System) {
	n.mu.Lock()
	existing := make([]*System, 0, len(n.nodes))
	for _, other := range n.nodes {
		existing = append(existing, other)
	}
	n.nodes[sys.ID()] = sys
	n.mu.Unlock()

	sys.SetTransport(&localTransport{net: n})
	for _, other := range existing {
		other.AddNode(sys.ID(), "")
		sys.AddNode(other.ID(), "")
	}
}

// SetUp switches a node on or off. A node that is off neither sends nor
// answers requests.
func (n *LocalNetwork) SetUp(id string, up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if up {
		delete(n.down, id)
	} else {
		n.down[id] = true
	}
}

type localTransport struct {
	net *LocalNetwork
}

func (t *localTransport) Call(ctx context.Context, from, to, endpoint string, req []byte) ([]byte, error) {
	t.net.mu.RLock()
	target, ok := t.net.nodes[to]
	unreachable := t.net.down[to] || t.net.down[from]
	t.net.mu.RUnlock()

	if !ok || unreachable {
		return nil, storageerrors.Unavailable(fmt.Sprintf("node %s unreachable from %s", to, from), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageerrors.Timeout("call cancelled", err)
	}
	resp, err := target.Dispatch(ctx, from, endpoint, bytes.Clone(req))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(resp), nil
}

func (t *localTransport) Close() error { return nil }
