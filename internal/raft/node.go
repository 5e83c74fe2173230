package raft

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the logging surface the Raft core needs; it is small enough
// that any structured logger can satisfy it with a thin adapter.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// defaultLogger is a no-op logger used when none is set.
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, args ...interface{}) {}
func (l *defaultLogger) Info(msg string, args ...interface{})  {}
func (l *defaultLogger) Warn(msg string, args ...interface{})  {}
func (l *defaultLogger) Error(msg string, args ...interface{}) {}

// Node is a single Raft cluster member wrapping the consensus core around
// a KVStore applier.
type Node struct {
	id     uint64
	config *NodeConfig

	state *NodeState

	peers map[uint64]*Peer

	transport Transport
	kv        *KVStore
	logger    Logger

	applyCh   chan *LogEntry
	proposeCh chan *proposeRequest
	stopCh    chan struct{}

	pendingMu        sync.Mutex
	pendingProposals map[uint64]*proposeRequest

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer

	currentSeq uint32 // last heartbeat seq sent this term, read/written atomically

	running int32

	mu sync.RWMutex
}

type proposeRequest struct {
	command string
	result  chan proposeResult
}

type proposeResult struct {
	res CommandResult
	err error
}

// NewNode creates a Raft node wired to kv as its applier and transport as
// its peer wire.
func NewNode(cfg *NodeConfig, kv *KVStore, transport Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	state := NewNodeState()
	if cfg.DataDir != "" {
		s, err := NewNodeStateWithDir(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		state = s
	}

	n := &Node{
		id:               cfg.ID,
		config:           cfg,
		state:            state,
		peers:            make(map[uint64]*Peer),
		transport:        transport,
		kv:               kv,
		logger:           &defaultLogger{},
		applyCh:          make(chan *LogEntry, 256),
		proposeCh:        make(chan *proposeRequest, 256),
		stopCh:           make(chan struct{}),
		pendingProposals: make(map[uint64]*proposeRequest),
	}

	for _, p := range cfg.Peers {
		if p.ID != cfg.ID {
			n.peers[p.ID] = p
		}
	}

	return n, nil
}

// SetLogger sets the node's logger.
func (n *Node) SetLogger(logger Logger) {
	n.logger = logger
}

// ID returns the node's id.
func (n *Node) ID() uint64 {
	return n.id
}

// Role returns the current role (Follower, Candidate, Leader).
func (n *Node) Role() uint8 {
	return n.state.Role()
}

// IsLeader reports whether this node currently believes it is leader.
func (n *Node) IsLeader() bool {
	return n.state.IsLeader()
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	return n.state.CurrentTerm()
}

// LeaderID returns the last known leader id in the current term, 0 if unknown.
func (n *Node) LeaderID() uint64 {
	return n.state.LeaderID()
}

// LeaderAddr returns the peer address of the last known leader, if it is
// one of this node's configured peers.
func (n *Node) LeaderAddr() (string, bool) {
	id := n.LeaderID()
	if id == 0 {
		return "", false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if p, ok := n.peers[id]; ok {
		return p.Addr, true
	}
	return "", false
}

// CommitIndex returns the commit index.
func (n *Node) CommitIndex() uint64 {
	return n.state.CommitIndex()
}

// LastApplied returns the last applied index.
func (n *Node) LastApplied() uint64 {
	return n.state.LastApplied()
}

// KV returns the underlying applier, for read-only status/debug access.
func (n *Node) KV() *KVStore {
	return n.kv
}

// Start starts the node's transport listener and its main/apply loops.
func (n *Node) Start() error {
	if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
		return nil
	}

	if n.transport != nil {
		if err := n.transport.Listen(n.handleRPC); err != nil {
			atomic.StoreInt32(&n.running, 0)
			return err
		}
	}

	go n.run()
	go n.applyLoop()

	return nil
}

// Stop shuts down the node's loops and transport.
func (n *Node) Stop() {
	if !atomic.CompareAndSwapInt32(&n.running, 1, 0) {
		return
	}
	close(n.stopCh)
	if n.transport != nil {
		n.transport.Close()
	}
}

// Propose submits command for replication. Only the leader accepts
// proposals; the caller blocks until the entry is applied and receives
// the applier's result, or until the node steps down or stops.
func (n *Node) Propose(command string) (CommandResult, error) {
	if !n.IsLeader() {
		return CommandResult{}, ErrNotLeader
	}

	req := &proposeRequest{
		command: command,
		result:  make(chan proposeResult, 1),
	}

	select {
	case n.proposeCh <- req:
	case <-n.stopCh:
		return CommandResult{}, ErrNodeStopped
	}

	select {
	case r := <-req.result:
		return r.res, r.err
	case <-n.stopCh:
		return CommandResult{}, ErrNodeStopped
	}
}

func (n *Node) run() {
	n.resetElectionTimer()

	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		switch n.Role() {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		}
	}
}

// runFollower waits out the randomized election timer (ElectionTimeoutMin
// to ElectionTimeoutMax), which accepted AppendEntries and granted votes
// reset. NodeConfig.FollowerTimeout is not consulted here.
func (n *Node) runFollower() {
	for n.Role() == Follower {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.startElection()
			return
		}
	}
}

func (n *Node) startElection() {
	if _, err := n.state.BecomeCandidate(n.id); err != nil {
		n.logger.Error("persist vote on election start failed", "error", err)
	}
}

func (n *Node) runCandidate() {
	term := n.Term()
	lastLogIndex := n.state.Log().LastIndex()
	lastLogTerm := n.state.Log().LastTerm()

	if len(n.peers) == 0 {
		n.becomeLeader()
		return
	}

	votes := int32(1)
	voteCh := make(chan bool, len(n.peers))

	for peerID := range n.peers {
		go func(peerID uint64) {
			args := &RequestVoteArgs{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			resp, err := n.transport.Send(peerID, MsgRequestVoteReq, args.Serialize())
			if err != nil {
				voteCh <- false
				return
			}
			reply, err := DeserializeRequestVoteReply(resp)
			if err != nil {
				voteCh <- false
				return
			}

			if reply.Term > n.Term() {
				n.state.BecomeFollower(reply.Term)
				voteCh <- false
				return
			}

			voteCh <- reply.VoteGranted
		}(peerID)
	}

	n.resetElectionTimer()
	votesNeeded := (len(n.peers)+1)/2 + 1

	for i := 0; i < len(n.peers); i++ {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.startElection()
			return
		case granted := <-voteCh:
			if n.Role() != Candidate || n.Term() != term {
				return
			}
			if granted {
				current := int(atomic.AddInt32(&votes, 1))
				if current >= votesNeeded {
					n.becomeLeader()
					return
				}
			}
		}
	}

	// Every peer answered and neither a majority nor a higher term turned
	// up: this was a split vote. Wait for the randomized election timer
	// already ticking rather than retrying immediately, so simultaneous
	// candidates desynchronize instead of retrying in lockstep.
	for n.Role() == Candidate && n.Term() == term {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C:
			n.startElection()
			return
		}
	}
}

func (n *Node) runLeader() {
	n.heartbeatTick()
	n.resetHeartbeatTimer()

	for n.Role() == Leader {
		select {
		case <-n.stopCh:
			n.cancelPendingProposals(ErrNodeStopped)
			return
		case <-n.heartbeatTimer.C:
			n.heartbeatTick()
			n.resetHeartbeatTimer()
		case req := <-n.proposeCh:
			if n.Role() != Leader {
				req.result <- proposeResult{err: ErrNotLeader}
				continue
			}
			n.appendCommandAndTrack(req)
		}
	}
	n.cancelPendingProposals(ErrNotLeader)
}

// heartbeatTick runs the live-count partition detector: it ticks the
// detector down before broadcasting, and steps the leader down once the
// counter goes negative, meaning too many consecutive ticks went unacked.
func (n *Node) heartbeatTick() {
	seq := n.state.NextSeq()
	atomic.StoreUint32(&n.currentSeq, seq)

	// A single-node cluster has no peers to ack and replenish the
	// live-count, so it must never decrement it to begin with.
	if len(n.peers) > 0 && n.state.DecrementLiveCount() < 0 {
		n.logger.Warn("stepping down: live-count exhausted", "nodeId", n.id, "term", n.Term())
		n.state.BecomeFollower(n.Term())
		return
	}

	n.broadcastAppendEntries(seq)
}

func (n *Node) becomeLeader() {
	n.logger.Info("became leader", "nodeId", n.id, "term", n.Term())
	n.state.BecomeLeader(n.id)

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.state.InitLeaderState(peers)

	// Noop entry (empty command) establishes leadership over the new term
	// before any client command is accepted; the apply loop skips it.
	n.state.Log().Append(n.Term(), "")
	n.updateCommitIndex()
}

func (n *Node) resetElectionTimer() {
	timeout := n.randomElectionTimeout()
	if n.electionTimer == nil {
		n.electionTimer = time.NewTimer(timeout)
		return
	}
	if !n.electionTimer.Stop() {
		select {
		case <-n.electionTimer.C:
		default:
		}
	}
	n.electionTimer.Reset(timeout)
}

func (n *Node) resetHeartbeatTimer() {
	if n.heartbeatTimer == nil {
		n.heartbeatTimer = time.NewTimer(n.config.HeartbeatInterval)
		return
	}
	if !n.heartbeatTimer.Stop() {
		select {
		case <-n.heartbeatTimer.C:
		default:
		}
	}
	n.heartbeatTimer.Reset(n.config.HeartbeatInterval)
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := n.config.ElectionTimeoutMin
	hi := n.config.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// handleRPC dispatches one decoded inbound peer message.
func (n *Node) handleRPC(msgType MsgType, data []byte) []byte {
	switch msgType {
	case MsgRequestVoteReq:
		return n.handleRequestVote(data)
	case MsgAppendEntriesReq:
		return n.handleAppendEntries(data)
	default:
		return nil
	}
}

func (n *Node) handleRequestVote(data []byte) []byte {
	args, err := DeserializeRequestVoteArgs(data)
	if err != nil {
		return (&RequestVoteReply{Term: n.Term()}).Serialize()
	}

	reply := &RequestVoteReply{Term: n.Term()}

	if args.Term < n.Term() {
		return reply.Serialize()
	}

	if args.Term > n.Term() {
		n.state.BecomeFollower(args.Term)
		reply.Term = args.Term
	}

	// The term comparison above may race with another goroutine's own
	// BecomeFollower; re-read after any transition before deciding the vote.
	if args.Term != n.Term() {
		reply.Term = n.Term()
		return reply.Serialize()
	}

	granted, err := n.state.GrantVoteIfEligible(args.Term, args.CandidateID, args.LastLogTerm, args.LastLogIndex)
	if err != nil {
		n.logger.Error("persist vote failed", "error", err)
		return reply.Serialize()
	}
	if granted {
		reply.VoteGranted = true
		n.resetElectionTimer()
	}

	return reply.Serialize()
}

func (n *Node) handleAppendEntries(data []byte) []byte {
	args, err := DeserializeAppendEntriesArgs(data)
	if err != nil {
		return (&AppendEntriesReply{Term: n.Term(), FollowerID: n.id}).Serialize()
	}

	reply := &AppendEntriesReply{Term: n.Term(), FollowerID: n.id, Ack: args.Seq}

	if args.Term < n.Term() {
		return reply.Serialize()
	}

	if args.Term > n.Term() {
		n.state.BecomeFollower(args.Term)
		reply.Term = args.Term
	} else if n.Role() == Candidate {
		n.state.BecomeFollower(args.Term)
	}

	if args.Term != n.Term() {
		reply.Term = n.Term()
		return reply.Serialize()
	}

	n.resetElectionTimer()
	n.state.SetLeaderID(args.LeaderID)

	log := n.state.Log()
	if args.PrevLogIndex > 0 {
		if args.PrevLogIndex > log.LastIndex() {
			reply.ConflictIndex = log.LastIndex() + 1
			reply.LogIndex = log.LastIndex()
			reply.FollowerCommit = n.state.CommitIndex()
			return reply.Serialize()
		}
		if log.TermAt(args.PrevLogIndex) != args.PrevLogTerm {
			reply.ConflictTerm = log.TermAt(args.PrevLogIndex)
			for i := args.PrevLogIndex; i > 0; i-- {
				if log.TermAt(i) != reply.ConflictTerm {
					reply.ConflictIndex = i + 1
					break
				}
				if i == 1 {
					reply.ConflictIndex = 1
				}
			}
			if err := log.TruncateFrom(args.PrevLogIndex); err != nil {
				n.logger.Error("truncate on prevLogTerm mismatch failed", "error", err, "index", args.PrevLogIndex)
			}
			reply.LogIndex = log.LastIndex()
			reply.FollowerCommit = n.state.CommitIndex()
			return reply.Serialize()
		}
	}

	for i, entry := range args.Entries {
		idx := args.PrevLogIndex + uint64(i) + 1
		if idx <= log.LastIndex() {
			if log.TermAt(idx) != entry.Term {
				if err := log.TruncateFrom(idx); err != nil {
					n.logger.Error("truncate on conflict failed", "error", err, "index", idx)
					reply.LogIndex = log.LastIndex()
					reply.FollowerCommit = n.state.CommitIndex()
					return reply.Serialize()
				}
				log.AppendEntry(entry)
			}
		} else {
			log.AppendEntry(entry)
		}
	}

	if args.LeaderCommit > n.state.CommitIndex() {
		newCommit := args.LeaderCommit
		if log.LastIndex() < newCommit {
			newCommit = log.LastIndex()
		}
		n.state.SetCommitIndex(newCommit)
	}

	reply.Success = true
	reply.LogIndex = log.LastIndex()
	reply.FollowerCommit = n.state.CommitIndex()
	return reply.Serialize()
}

// broadcastAppendEntries replicates to every peer, tagging each request
// with seq so replies can be matched against the live-count detector.
func (n *Node) broadcastAppendEntries(seq uint32) {
	for peerID := range n.peers {
		go n.replicateTo(peerID, seq)
	}
}

func (n *Node) replicateTo(peerID uint64, seq uint32) {
	if n.Role() != Leader {
		return
	}

	nextIndex := n.state.GetNextIndex(peerID)
	if nextIndex == 0 {
		nextIndex = 1
	}
	prevLogIndex := nextIndex - 1
	prevLogTerm := n.state.Log().TermAt(prevLogIndex)
	entries := n.state.Log().GetFrom(nextIndex)

	args := &AppendEntriesArgs{
		Term:         n.Term(),
		LeaderID:     n.id,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: n.state.CommitIndex(),
		Seq:          seq,
	}

	resp, err := n.transport.Send(peerID, MsgAppendEntriesReq, args.Serialize())
	if err != nil {
		return
	}
	reply, err := DeserializeAppendEntriesReply(resp)
	if err != nil {
		return
	}

	if reply.Term > n.Term() {
		n.state.BecomeFollower(reply.Term)
		return
	}

	if reply.Ack == atomic.LoadUint32(&n.currentSeq) {
		n.state.IncrementLiveCount()
	}

	if reply.Success {
		n.state.SetNextIndex(peerID, nextIndex+uint64(len(entries)))
		n.state.SetMatchIndex(peerID, nextIndex+uint64(len(entries))-1)
		n.updateCommitIndex()
	} else {
		if reply.ConflictTerm > 0 {
			n.state.SetNextIndex(peerID, reply.ConflictIndex)
		} else {
			newNext := n.state.GetNextIndex(peerID)
			if newNext > 1 {
				n.state.SetNextIndex(peerID, newNext-1)
			}
		}
	}
}

// updateCommitIndex advances commitIndex to the highest index replicated
// on a majority, restricted to entries from the current term (Raft
// §5.4.2: a leader cannot conclude an entry from an earlier term is
// committed by counting replicas alone).
func (n *Node) updateCommitIndex() {
	log := n.state.Log()
	currentTerm := n.Term()

	if len(n.peers) == 0 {
		for idx := log.LastIndex(); idx > n.state.CommitIndex(); idx-- {
			if log.TermAt(idx) == currentTerm {
				n.state.SetCommitIndex(idx)
				break
			}
		}
		return
	}

	for idx := log.LastIndex(); idx > n.state.CommitIndex(); idx-- {
		if log.TermAt(idx) != currentTerm {
			continue
		}

		count := 1
		for _, matchIdx := range n.state.MatchIndexes() {
			if matchIdx >= idx {
				count++
			}
		}

		if count > (len(n.peers)+1)/2 {
			n.state.SetCommitIndex(idx)
			break
		}
	}
}

// appendCommandAndTrack appends req's command to the log, tracks it for
// the applier to resolve once its index is applied, and starts
// replication.
func (n *Node) appendCommandAndTrack(req *proposeRequest) {
	entry, err := n.state.Log().Append(n.Term(), req.command)
	if err != nil {
		req.result <- proposeResult{err: err}
		return
	}

	n.pendingMu.Lock()
	n.pendingProposals[entry.Index] = req
	n.pendingMu.Unlock()

	n.updateCommitIndex()
	n.broadcastAppendEntries(atomic.LoadUint32(&n.currentSeq))
}

// cancelPendingProposals fails every still-pending proposal with err, used
// when the node stops or steps down before the entry could be applied.
func (n *Node) cancelPendingProposals(err error) {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	for index, req := range n.pendingProposals {
		req.result <- proposeResult{err: err}
		delete(n.pendingProposals, index)
	}
}

// applyLoop applies newly committed entries to the KV store in strict
// index order, resolving any proposal waiting on that index with the
// applier's actual result.
func (n *Node) applyLoop() {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		commitIndex := n.state.CommitIndex()
		lastApplied := n.state.LastApplied()

		for lastApplied < commitIndex {
			lastApplied++
			entry := n.state.Log().EntryAt(lastApplied)
			if entry == nil {
				break
			}

			var result CommandResult
			var applyErr error
			if entry.Command != "" {
				result, applyErr = n.kv.ApplyCommand(entry.Command)
			}

			n.state.SetLastApplied(lastApplied)

			n.pendingMu.Lock()
			if req, ok := n.pendingProposals[lastApplied]; ok {
				delete(n.pendingProposals, lastApplied)
				req.result <- proposeResult{res: result, err: applyErr}
			}
			n.pendingMu.Unlock()
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// GetPeers returns the node's configured peers, excluding itself.
func (n *Node) GetPeers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	return peers
}
