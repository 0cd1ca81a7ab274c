package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// MembershipConfig holds gossip configuration.
type MembershipConfig struct {
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	// RPCAddr is the address other nodes use to reach this node's RPC server.
	RPCAddr string
}

// nodeMeta is gossiped with every member.
type nodeMeta struct {
	RPCAddr string `json:"rpc_addr"`
}

// Membership discovers peers through gossip. Joining peers are added to the
// ring; peers that fail or leave are only marked down, so their partitions do
// not move while they are briefly unreachable.
type Membership struct {
	sys    *System
	ml     *memberlist.Memberlist
	meta   []byte
	logger *zap.Logger
}

// NewMembership starts gossip and joins the seed nodes.
func NewMembership(cfg *MembershipConfig, sys *System, logger *zap.Logger) (*Membership, error) {
	meta, err := json.Marshal(nodeMeta{RPCAddr: cfg.RPCAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	m := &Membership{sys: sys, meta: meta, logger: logger}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = sys.ID()
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
		mlConfig.AdvertisePort = cfg.AdvertisePort
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = m
	mlConfig.Events = &membershipEvents{m: m}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
		}
	}
	return m, nil
}

// Members returns the node ids currently alive according to gossip.
func (m *Membership) Members() []string {
	members := m.ml.Members()
	out := make([]string, 0, len(members))
	for _, n := range members {
		out = append(out, n.Name)
	}
	return out
}

// Shutdown leaves the cluster gracefully and stops gossip.
func (m *Membership) Shutdown(timeout time.Duration) error {
	if err := m.ml.Leave(timeout); err != nil {
		m.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return m.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (m *Membership) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return nil
	}
	return m.meta
}

// NotifyMsg implements memberlist.Delegate
func (m *Membership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (m *Membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (m *Membership) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (m *Membership) MergeRemoteState(buf []byte, join bool) {}

func (m *Membership) apply(node *memberlist.Node) {
	var meta nodeMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err != nil {
			m.logger.Warn("Failed to decode node meta",
				zap.String("node_id", node.Name),
				zap.Error(err))
		}
	}
	m.sys.AddNode(node.Name, meta.RPCAddr)
	m.sys.SetUp(node.Name, true)
}

type membershipEvents struct {
	m *Membership
}

// NotifyJoin is called when a node joins
func (e *membershipEvents) NotifyJoin(node *memberlist.Node) {
	e.m.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	e.m.apply(node)
}

// NotifyLeave is called when a node leaves or is declared dead
func (e *membershipEvents) NotifyLeave(node *memberlist.Node) {
	e.m.logger.Warn("Node left", zap.String("node_id", node.Name))
	e.m.sys.SetUp(node.Name, false)
}

// NotifyUpdate is called when a node's meta changes
func (e *membershipEvents) NotifyUpdate(node *memberlist.Node) {
	e.m.logger.Debug("Node updated", zap.String("node_id", node.Name))
	e.m.apply(node)
}
