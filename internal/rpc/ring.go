package rpc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// NumPartitions is the fixed number of partitions the key space is split into.
const NumPartitions = 256

// Partition identifies a slice of the key space. All rows of a partition
// share the same replica set.
type Partition uint16

// PartitionOf returns the partition of a 64-bit key hash (its top byte).
func PartitionOf(hash uint64) Partition {
	return Partition(hash >> 56)
}

// Position is where the partition sits on the ring.
func (p Partition) Position() uint64 {
	return uint64(p) << 56
}

// HashKey is the placement hash of a partition key.
func HashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// Ring places partitions on nodes by consistent hashing with virtual nodes.
type Ring struct {
	mu         sync.RWMutex
	vnodes     int
	points     []uint64
	owner      map[uint64]string
	nodeVNodes map[string][]uint64
	version    uint64
}

// NewRing creates an empty ring with vnodes virtual nodes per node.
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = 64
	}
	return &Ring{
		vnodes:     vnodes,
		owner:      make(map[uint64]string),
		nodeVNodes: make(map[string][]uint64),
	}
}

func vnodePosition(nodeID string, i int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", nodeID, i))
}

// AddNode adds a node. It returns false if the node was already present.
func (r *Ring) AddNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(nodeID)
}

func (r *Ring) addLocked(nodeID string) bool {
	if _, ok := r.nodeVNodes[nodeID]; ok {
		return false
	}
	positions := make([]uint64, 0, r.vnodes)
	for i := 0; i < r.vnodes; i++ {
		pos := vnodePosition(nodeID, i)
		if _, taken := r.owner[pos]; taken {
			continue
		}
		r.owner[pos] = nodeID
		r.points = append(r.points, pos)
		positions = append(positions, pos)
	}
	r.nodeVNodes[nodeID] = positions
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	r.version++
	return true
}

// RemoveNode removes a node. It returns false if the node was not present.
func (r *Ring) RemoveNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions, ok := r.nodeVNodes[nodeID]
	if !ok {
		return false
	}
	gone := make(map[uint64]struct{}, len(positions))
	for _, pos := range positions {
		gone[pos] = struct{}{}
		delete(r.owner, pos)
	}
	kept := r.points[:0]
	for _, pos := range r.points {
		if _, ok := gone[pos]; !ok {
			kept = append(kept, pos)
		}
	}
	r.points = kept
	delete(r.nodeVNodes, nodeID)
	r.version++
	return true
}

// NodesFor walks the ring clockwise from pos and returns up to n distinct nodes.
func (r *Ring) NodesFor(pos uint64, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= pos })
	if idx >= len(r.points) {
		idx = 0
	}

	nodes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < len(r.points) && len(nodes) < n; i++ {
		node := r.owner[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}
		nodes = append(nodes, node)
	}
	return nodes
}

// ReplicasFor returns the ordered replica set of a partition.
func (r *Ring) ReplicasFor(p Partition, n int) []string {
	return r.NodesFor(p.Position(), n)
}

// Nodes returns every node in the ring, sorted.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.nodeVNodes))
	for id := range r.nodeVNodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether nodeID is in the ring.
func (r *Ring) Contains(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodeVNodes[nodeID]
	return ok
}

// Version increases on every membership change.
func (r *Ring) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
