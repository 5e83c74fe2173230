// Package raft implements the consensus core of the replicated key-value
// store: leader election, log replication, and a key-value applier on
// top of a custom binary peer wire protocol.
//
// # Architecture
//
// A cluster consists of a fixed set of nodes, where:
//   - One node is elected leader for each term
//   - Followers accept AppendEntries from the current leader
//   - The leader replicates log entries and advances commitIndex once a
//     majority has them
//   - A single-threaded apply loop applies committed entries to a KVStore
//     in strict index order
//
// # Usage
//
//	cfg := raft.DefaultNodeConfig()
//	cfg.ID = 1
//	cfg.Addr = "127.0.0.1:7000"
//	cfg.Peers = peers
//	cfg.DataDir = "/var/lib/kvstore/node1"
//
//	transport := raft.NewTCPTransport(cfg.Addr, peerAddrs)
//	kv := raft.NewKVStore()
//	node, err := raft.NewNode(cfg, kv, transport)
//	node.Start()
//
//	if node.IsLeader() {
//	    result, err := node.Propose("SET a 1")
//	}
//
// # Failure handling
//
// The cluster tolerates (N-1)/2 failures for N nodes. A leader whose
// heartbeat ticks go unacknowledged by every peer steps down via the
// live-count partition detector rather than waiting out an election
// timeout against itself; an ack from any single peer keeps it leading.
//
// Membership changes, snapshotting/log compaction, and read-only fast
// paths are out of scope for this package.
package raft
