package table

import (
	"github.com/devrev/shelfdb/internal/rpc"
)

// Replication decides where the rows of a partition live and how many
// replicas must answer.
type Replication interface {
	ReadNodes(p rpc.Partition) []string
	ReadQuorum() int
	WriteNodes(p rpc.Partition) []string
	WriteQuorum() int
	// StorageNodes is the full replica set anti-entropy keeps in sync.
	StorageNodes(p rpc.Partition) []string
	// Partitions lists the partitions anti-entropy walks.
	Partitions() []rpc.Partition
}

// Sharded stores each partition on ReplicationFactor nodes picked by the ring.
type Sharded struct {
	System            *rpc.System
	ReplicationFactor int
	ReadQuorumN       int
	WriteQuorumN      int
}

func (s *Sharded) ReadNodes(p rpc.Partition) []string {
	return s.System.Ring().ReplicasFor(p, s.ReplicationFactor)
}

func (s *Sharded) ReadQuorum() int { return s.ReadQuorumN }

func (s *Sharded) WriteNodes(p rpc.Partition) []string {
	return s.System.Ring().ReplicasFor(p, s.ReplicationFactor)
}

func (s *Sharded) WriteQuorum() int { return s.WriteQuorumN }

func (s *Sharded) StorageNodes(p rpc.Partition) []string {
	return s.System.Ring().ReplicasFor(p, s.ReplicationFactor)
}

func (s *Sharded) Partitions() []rpc.Partition {
	return allPartitions()
}

// Full stores every row on every node. Reads are served locally; writes must
// reach all nodes but MaxFaults.
type Full struct {
	System    *rpc.System
	MaxFaults int
}

func (f *Full) ReadNodes(rpc.Partition) []string { return []string{f.System.ID()} }

func (f *Full) ReadQuorum() int { return 1 }

func (f *Full) WriteNodes(rpc.Partition) []string { return f.System.Ring().Nodes() }

func (f *Full) WriteQuorum() int {
	n := len(f.System.Ring().Nodes()) - f.MaxFaults
	if n < 1 {
		return 1
	}
	return n
}

func (f *Full) StorageNodes(rpc.Partition) []string { return f.System.Ring().Nodes() }

func (f *Full) Partitions() []rpc.Partition {
	return allPartitions()
}

func allPartitions() []rpc.Partition {
	out := make([]rpc.Partition, rpc.NumPartitions)
	for i := range out {
		out[i] = rpc.Partition(i)
	}
	return out
}

func contains(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
