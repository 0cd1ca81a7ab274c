// Package rpc holds what a node knows about the cluster: its identity, the
// ring, peer liveness and addresses, and the request/response plumbing used
// between replicas.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

// Handler serves one endpoint. from is the calling node.
type Handler func(ctx context.Context, from string, req []byte) ([]byte, error)

// Transport delivers a request to another node and returns its response.
type Transport interface {
	Call(ctx context.Context, from, to, endpoint string, req []byte) ([]byte, error)
	Close() error
}

// System is the local node's view of the cluster.
type System struct {
	id     string
	ring   *Ring
	logger *zap.Logger

	mu        sync.RWMutex
	transport Transport
	handlers  map[string]Handler
	down      map[string]bool
	addrs     map[string]string
	listeners []func()
}

// NewSystem creates the cluster view of node id. The node itself is added
// to the ring.
func NewSystem(id string, ring *Ring, logger *zap.Logger) *System {
	s := &System{
		id:       id,
		ring:     ring,
		logger:   logger,
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		addrs:    make(map[string]string),
	}
	ring.AddNode(id)
	return s
}

func (s *System) ID() string  { return s.id }
func (s *System) Ring() *Ring { return s.ring }

// SetTransport installs the transport used for calls to other nodes.
func (s *System) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Register installs the handler of an endpoint. Registering twice panics.
func (s *System) Register(endpoint string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[endpoint]; ok {
		panic(fmt.Sprintf("rpc endpoint %q registered twice", endpoint))
	}
	s.handlers[endpoint] = h
}

// Dispatch runs the local handler of endpoint.
func (s *System) Dispatch(ctx context.Context, from, endpoint string, req []byte) ([]byte, error) {
	s.mu.RLock()
	h, ok := s.handlers[endpoint]
	s.mu.RUnlock()
	if !ok {
		return nil, storageerrors.InvalidArgument(fmt.Sprintf("unknown endpoint %q", endpoint), nil)
	}
	return h(ctx, from, req)
}

// Call sends req to node to. Calls to the local node skip the transport.
func (s *System) Call(ctx context.Context, to, endpoint string, req []byte) ([]byte, error) {
	if to == s.id {
		return s.Dispatch(ctx, s.id, endpoint, req)
	}
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return nil, storageerrors.Unavailable(fmt.Sprintf("no transport to reach %s", to), nil)
	}
	return t.Call(ctx, s.id, to, endpoint, req)
}

// AddNode makes a node part of the ring and records its RPC address.
func (s *System) AddNode(id, addr string) {
	s.mu.Lock()
	if addr != "" {
		s.addrs[id] = addr
	}
	s.mu.Unlock()

	if s.ring.AddNode(id) {
		s.logger.Info("Node added to ring",
			zap.String("node_id", id),
			zap.String("addr", addr),
			zap.Uint64("ring_version", s.ring.Version()))
		s.notifyRingChange()
	}
}

// RemoveNode takes a node out of the ring. Its partitions move to other nodes.
func (s *System) RemoveNode(id string) {
	if s.ring.RemoveNode(id) {
		s.logger.Info("Node removed from ring",
			zap.String("node_id", id),
			zap.Uint64("ring_version", s.ring.Version()))
		s.notifyRingChange()
	}
}

// Addr returns the RPC address of a node.
func (s *System) Addr(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addrs[id]
	return addr, ok
}

// SetUp records liveness of a node as seen by membership.
func (s *System) SetUp(id string, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if up {
		delete(s.down, id)
	} else {
		s.down[id] = true
	}
}

// IsUp reports whether a node is believed reachable. The local node always is.
func (s *System) IsUp(id string) bool {
	if id == s.id {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.down[id]
}

// OnRingChange registers fn to be called after every ring change. fn must not block.
func (s *System) OnRingChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *System) notifyRingChange() {
	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}
