package raft

import (
	"fmt"
	"testing"
	"time"
)

// TestCluster wires a set of in-memory-transport nodes together for
// deterministic multi-node tests.
type TestCluster struct {
	nodes   []*Node
	kvs     []*KVStore
	network *InMemoryNetwork
}

func NewTestCluster(size int) *TestCluster {
	network := NewInMemoryNetwork()
	nodes := make([]*Node, size)
	kvs := make([]*KVStore, size)

	peers := make([]*Peer, size)
	for i := 0; i < size; i++ {
		peers[i] = &Peer{ID: uint64(i + 1), Addr: fmt.Sprintf("node%d:7000", i+1)}
	}

	for i := 0; i < size; i++ {
		cfg := &NodeConfig{
			ID:                 uint64(i + 1),
			Addr:               peers[i].Addr,
			Peers:              peers,
			ElectionTimeoutMin: 50 * time.Millisecond,
			ElectionTimeoutMax: 100 * time.Millisecond,
			HeartbeatInterval:  20 * time.Millisecond,
			FollowerTimeout:    300 * time.Millisecond,
		}

		transport := network.NewTransport(uint64(i+1), cfg.Addr)
		kv := NewKVStore()

		node, err := NewNode(cfg, kv, transport)
		if err != nil {
			panic(err)
		}
		nodes[i] = node
		kvs[i] = kv
	}

	return &TestCluster{nodes: nodes, kvs: kvs, network: network}
}

func (c *TestCluster) Start() {
	for _, node := range c.nodes {
		node.Start()
	}
}

func (c *TestCluster) Stop() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

func (c *TestCluster) Leader() *Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *TestCluster) WaitForLeader(timeout time.Duration) *Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func TestNewNode(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, err := NewNode(cfg, kv, transport)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}

	if node.ID() != 1 {
		t.Errorf("ID mismatch")
	}
	if node.Role() != Follower {
		t.Errorf("Initial role should be Follower")
	}
	if node.Term() != 0 {
		t.Errorf("Initial term should be 0")
	}
	if node.IsLeader() {
		t.Errorf("Should not be leader initially")
	}
}

func TestNewNodeInvalidConfig(t *testing.T) {
	cfg := &NodeConfig{ID: 0}

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, "")

	_, err := NewNode(cfg, nil, transport)
	if err != ErrInvalidConfig {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestSingleNodeLeaderElection(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.Peers = []*Peer{{ID: 1, Addr: "localhost:7000"}}
	cfg.ElectionTimeoutMin = 50 * time.Millisecond
	cfg.ElectionTimeoutMax = 100 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)
	node.Start()
	defer node.Stop()

	time.Sleep(200 * time.Millisecond)

	if !node.IsLeader() {
		t.Errorf("Single node should become leader")
	}
}

func TestThreeNodeLeaderElection(t *testing.T) {
	cluster := NewTestCluster(3)
	cluster.Start()
	defer cluster.Stop()

	leader := cluster.WaitForLeader(2 * time.Second)
	if leader == nil {
		t.Fatal("No leader elected")
	}

	leaderCount := 0
	for _, node := range cluster.nodes {
		if node.IsLeader() {
			leaderCount++
		}
	}

	if leaderCount != 1 {
		t.Errorf("Expected exactly 1 leader, got %d", leaderCount)
	}
}

func TestProposeSetIsAppliedAcrossCluster(t *testing.T) {
	cluster := NewTestCluster(3)
	cluster.Start()
	defer cluster.Stop()

	leader := cluster.WaitForLeader(2 * time.Second)
	if leader == nil {
		t.Fatal("No leader elected")
	}

	result, err := leader.Propose("SET a 1")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if result.Kind != ResultOK {
		t.Errorf("expected ResultOK, got %v", result.Kind)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		allSet := true
		for _, kv := range cluster.kvs {
			if v, ok := kv.Get("a"); !ok || v != "1" {
				allSet = false
				break
			}
		}
		if allSet {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("SET a 1 was not applied on every node in time")
}

func TestProposeNotLeader(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)
	node.Start()
	defer node.Stop()

	_, err := node.Propose("SET a 1")
	if err != ErrNotLeader {
		t.Errorf("Expected ErrNotLeader, got %v", err)
	}
}

func TestProposeUnknownCommandReturnsApplyError(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.Peers = []*Peer{{ID: 1, Addr: "localhost:7000"}}
	cfg.ElectionTimeoutMin = 50 * time.Millisecond
	cfg.ElectionTimeoutMax = 100 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)
	node.Start()
	defer node.Stop()

	time.Sleep(200 * time.Millisecond)
	if !node.IsLeader() {
		t.Fatal("single node should become leader")
	}

	_, err := node.Propose("FROB x")
	if err != ErrUnknownCommand {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestHandleRequestVote(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)

	args := &RequestVoteArgs{Term: 5, CandidateID: 2, LastLogIndex: 0, LastLogTerm: 0}

	respData := node.handleRequestVote(args.Serialize())
	reply, _ := DeserializeRequestVoteReply(respData)

	if !reply.VoteGranted {
		t.Errorf("Vote should be granted")
	}
	if node.state.VotedFor() != 2 {
		t.Errorf("VotedFor should be 2")
	}
}

func TestHandleRequestVoteLowerTerm(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)
	node.state.BecomeCandidate(1) // bumps term to 1
	node.state.BecomeLeader(1)
	node.state.BecomeFollower(10)

	args := &RequestVoteArgs{Term: 5, CandidateID: 2}

	respData := node.handleRequestVote(args.Serialize())
	reply, _ := DeserializeRequestVoteReply(respData)

	if reply.VoteGranted {
		t.Errorf("Vote should not be granted for lower term")
	}
}

func TestHandleAppendEntriesHeartbeat(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)

	args := &AppendEntriesArgs{Term: 1, LeaderID: 2, PrevLogIndex: 0, PrevLogTerm: 0, Entries: nil, LeaderCommit: 0, Seq: 9}

	respData := node.handleAppendEntries(args.Serialize())
	reply, _ := DeserializeAppendEntriesReply(respData)

	if !reply.Success {
		t.Errorf("Heartbeat should succeed")
	}
	if reply.Ack != 9 {
		t.Errorf("reply should echo Seq as Ack, got %d", reply.Ack)
	}
	if node.state.LeaderID() != 2 {
		t.Errorf("LeaderID should be 2")
	}
}

func TestHandleAppendEntriesWithEntries(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)

	args := &AppendEntriesArgs{
		Term:         1,
		LeaderID:     2,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries: []*LogEntry{
			{Index: 1, Term: 1, Command: "SET a 1"},
			{Index: 2, Term: 1, Command: "SET b 2"},
		},
		LeaderCommit: 2,
	}

	respData := node.handleAppendEntries(args.Serialize())
	reply, _ := DeserializeAppendEntriesReply(respData)

	if !reply.Success {
		t.Errorf("AppendEntries should succeed")
	}
	if node.state.Log().LastIndex() != 2 {
		t.Errorf("Log should have 2 entries, got %d", node.state.Log().LastIndex())
	}
	if node.state.CommitIndex() != 2 {
		t.Errorf("CommitIndex should be 2")
	}
}

func TestHandleAppendEntriesConflictTruncates(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.ElectionTimeoutMin = 1 * time.Hour
	cfg.ElectionTimeoutMax = 2 * time.Hour

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)
	kv := NewKVStore()

	node, _ := NewNode(cfg, kv, transport)
	node.state.Log().Append(1, "SET a 1")
	node.state.Log().Append(1, "SET b 2")

	// Leader has a different (higher-term) entry at index 2; follower must
	// truncate its own index-2 entry and replace it.
	args := &AppendEntriesArgs{
		Term:         2,
		LeaderID:     2,
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []*LogEntry{
			{Index: 2, Term: 2, Command: "SET c 3"},
		},
		LeaderCommit: 2,
	}

	respData := node.handleAppendEntries(args.Serialize())
	reply, _ := DeserializeAppendEntriesReply(respData)

	if !reply.Success {
		t.Fatalf("AppendEntries should succeed after truncation")
	}
	entry := node.state.Log().EntryAt(2)
	if entry == nil || entry.Command != "SET c 3" {
		t.Fatalf("expected truncated entry replaced with SET c 3, got %+v", entry)
	}
}

func TestGetPeers(t *testing.T) {
	cfg := DefaultNodeConfig()
	cfg.ID = 1
	cfg.Addr = "localhost:7000"
	cfg.Peers = []*Peer{
		{ID: 1, Addr: "localhost:7000"},
		{ID: 2, Addr: "localhost:7001"},
		{ID: 3, Addr: "localhost:7002"},
	}

	network := NewInMemoryNetwork()
	transport := network.NewTransport(1, cfg.Addr)

	node, _ := NewNode(cfg, nil, transport)
	peers := node.GetPeers()

	if len(peers) != 2 {
		t.Errorf("Expected 2 peers, got %d", len(peers))
	}
}
