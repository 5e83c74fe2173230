package raft

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// Node roles.
const (
	Follower uint8 = iota
	Candidate
	Leader
)

// RoleString returns the human-readable name of a role.
func RoleString(role uint8) string {
	switch role {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// leaderResilienceCount is the live-count a Leader starts each term with;
// see the partition detector.
const leaderResilienceCount = 1

// Peer is a remote cluster member reachable over the peer wire protocol.
type Peer struct {
	ID   uint64
	Addr string
}

// NodeConfig configures a single Raft node.
type NodeConfig struct {
	ID               uint64
	Addr             string // peer (raft) listen address
	Peers            []*Peer
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	FollowerTimeout    time.Duration // checked by Validate; the role loop does not read it
	DataDir            string
}

// DefaultNodeConfig returns the timeouts named by the cluster's timing
// contract: 3s follower timeout, 1-3s election timeout, 500ms heartbeat.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		FollowerTimeout:    3000 * time.Millisecond,
		ElectionTimeoutMin: 1000 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		HeartbeatInterval:  500 * time.Millisecond,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *NodeConfig) Validate() error {
	if c.ID == 0 {
		return ErrInvalidConfig
	}
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return ErrInvalidConfig
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return ErrInvalidConfig
	}
	if c.FollowerTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// NodeState holds every piece of mutable state a Raft node owns, besides
// the log itself. Persistent fields (currentTerm, votedFor) are written to
// disk before any caller can observe them, so that a restarted node never
// casts two votes in the same term.
type NodeState struct {
	mu sync.RWMutex

	// Persistent (rewritten to disk before every caller-visible change).
	currentTerm uint64
	votedFor    uint64 // 0 means not voted

	// Volatile, all servers.
	role        uint8
	commitIndex uint64
	lastApplied uint64
	leaderID    uint64

	// Volatile, leaders (reset on each election).
	matchIndex map[uint64]uint64
	nextIndex  map[uint64]uint64

	// Partition detector and heartbeat sequencing.
	liveCount int
	seq       uint32

	log     *Log
	dataDir string
}

// NewNodeState creates purely in-memory node state (no persistence). NewNode
// uses it whenever NodeConfig.DataDir is empty.
func NewNodeState() *NodeState {
	return &NodeState{
		log:        NewLog(),
		role:       Follower,
		matchIndex: make(map[uint64]uint64),
		nextIndex:  make(map[uint64]uint64),
	}
}

// NewNodeStateWithDir creates node state backed by dataDir: the log
// replays from its file, and currentTerm/votedFor load from term.dat.
func NewNodeStateWithDir(dataDir string) (*NodeState, error) {
	log, err := NewLogWithDir(dataDir)
	if err != nil {
		return nil, err
	}
	s := &NodeState{
		log:        log,
		role:       Follower,
		matchIndex: make(map[uint64]uint64),
		nextIndex:  make(map[uint64]uint64),
		dataDir:    dataDir,
	}
	if err := s.loadPersistedState(); err != nil {
		return nil, err
	}
	s.commitIndex = 0
	s.lastApplied = 0
	return s, nil
}

func (s *NodeState) termFilePath() string {
	return filepath.Join(s.dataDir, "term.dat")
}

// loadPersistedState loads currentTerm/votedFor from term.dat. commitIndex
// and lastApplied are intentionally not persisted: a restarted node
// re-learns commitIndex from the leader and the applier re-applies from 1,
// which is safe because SET/DEL/GET are idempotent.
func (s *NodeState) loadPersistedState() error {
	if s.dataDir == "" {
		return nil
	}
	data, err := os.ReadFile(s.termFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("raft: read term file: %w", err)
	}
	if len(data) < 16 {
		return fmt.Errorf("raft: %w: term file truncated", ErrLogCorrupted)
	}
	s.currentTerm = binary.LittleEndian.Uint64(data[0:8])
	s.votedFor = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// persistTermAndVote rewrites term.dat. Caller must hold s.mu.
func (s *NodeState) persistTermAndVote() error {
	if s.dataDir == "" {
		return nil
	}
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data[0:8], s.currentTerm)
	binary.LittleEndian.PutUint64(data[8:16], s.votedFor)
	tmpPath := s.termFilePath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("raft: write term file: %w", err)
	}
	if err := os.Rename(tmpPath, s.termFilePath()); err != nil {
		return fmt.Errorf("raft: rename term file: %w", err)
	}
	return nil
}

// CurrentTerm returns the current term.
func (s *NodeState) CurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

// VotedFor returns the candidate voted for in the current term, 0 if none.
func (s *NodeState) VotedFor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

// SetVotedFor records a vote for candidateID in the current term and
// persists it before returning, so a crash cannot lose the vote.
func (s *NodeState) SetVotedFor(candidateID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = candidateID
	return s.persistTermAndVote()
}

// GrantVoteIfEligible atomically checks whether candidateID may receive this
// node's vote for term (not yet voted for a different candidate in that
// term, and the candidate's log is at least as up to date) and, if so,
// records and persists the vote before returning true. The check and the
// set happen under a single critical section so two concurrent
// RequestVote calls for the same term cannot both observe no vote cast
// and both be granted.
func (s *NodeState) GrantVoteIfEligible(term, candidateID, lastLogTerm, lastLogIndex uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if term != s.currentTerm {
		return false, nil
	}
	if s.votedFor != 0 && s.votedFor != candidateID {
		return false, nil
	}

	ourLastTerm := s.log.LastTerm()
	ourLastIndex := s.log.LastIndex()
	upToDate := lastLogTerm > ourLastTerm ||
		(lastLogTerm == ourLastTerm && lastLogIndex >= ourLastIndex)
	if !upToDate {
		return false, nil
	}

	s.votedFor = candidateID
	if err := s.persistTermAndVote(); err != nil {
		return false, err
	}
	return true, nil
}

// Role returns the current role.
func (s *NodeState) Role() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// IsLeader reports whether the node currently believes it is Leader.
func (s *NodeState) IsLeader() bool {
	return s.Role() == Leader
}

// CommitIndex returns the commit index.
func (s *NodeState) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

// SetCommitIndex advances the commit index. Monotone: a lower value is
// ignored. Also moves the log's own commit pointer, so TruncateFrom's
// guard against truncating committed entries stays live.
func (s *NodeState) SetCommitIndex(index uint64) {
	s.mu.Lock()
	if index > s.commitIndex {
		s.commitIndex = index
	}
	s.mu.Unlock()
	s.log.Commit(index)
}

// LastApplied returns the last applied index.
func (s *NodeState) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// SetLastApplied advances the last applied index.
func (s *NodeState) SetLastApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastApplied = index
}

// LeaderID returns the last known leader in the current term, 0 if unknown.
func (s *NodeState) LeaderID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

// SetLeaderID records the last known leader.
func (s *NodeState) SetLeaderID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

// Log returns the node's Raft log.
func (s *NodeState) Log() *Log {
	return s.log
}

// LiveCount returns the current partition-detector counter.
func (s *NodeState) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCount
}

// DecrementLiveCount decrements the live-count on each heartbeat tick.
func (s *NodeState) DecrementLiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveCount--
	return s.liveCount
}

// IncrementLiveCount increments the live-count on each ack-matched reply,
// bounded so a burst of acks cannot make the detector arbitrarily slow to
// trip after a real partition.
func (s *NodeState) IncrementLiveCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveCount < leaderResilienceCount {
		s.liveCount++
	}
}

// NextSeq rotates and returns the heartbeat sequence counter.
func (s *NodeState) NextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// GetNextIndex returns the next log index to send to peerID.
func (s *NodeState) GetNextIndex(peerID uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIndex[peerID]
}

// SetNextIndex sets the next log index to send to peerID.
func (s *NodeState) SetNextIndex(peerID, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextIndex[peerID] = index
}

// GetMatchIndex returns the highest index known replicated on peerID.
func (s *NodeState) GetMatchIndex(peerID uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchIndex[peerID]
}

// SetMatchIndex records the highest index known replicated on peerID,
// taking the max with any existing value so reordered AppendEntries
// responses cannot move it backwards.
func (s *NodeState) SetMatchIndex(peerID, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index > s.matchIndex[peerID] {
		s.matchIndex[peerID] = index
	}
}

// MatchIndexes returns a snapshot of every peer's match index.
func (s *NodeState) MatchIndexes() map[uint64]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.matchIndex)
}

// InitLeaderState resets per-peer indexes on becoming Leader. matchIndex is
// initialized to the leader's own lastLogIndex, the optimistic convention;
// nextIndex is lastLogIndex+1. A first-response failure decrements nextIndex
// to resynchronize.
func (s *NodeState) InitLeaderState(peers []*Peer) {
	lastIndex := s.log.LastIndex()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		s.nextIndex[p.ID] = lastIndex + 1
		s.matchIndex[p.ID] = lastIndex
	}
}

// BecomeFollower transitions to Follower at term, persisting the new term
// and clearing votedFor before returning so the transition is durable
// before any reply referencing it can be sent.
func (s *NodeState) BecomeFollower(term uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Follower
	s.currentTerm = term
	s.votedFor = 0
	s.leaderID = 0
	return s.persistTermAndVote()
}

// BecomeCandidate transitions to Candidate, bumping the term and voting for
// self, persisting both before returning.
func (s *NodeState) BecomeCandidate(selfID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Candidate
	s.currentTerm++
	s.votedFor = selfID
	s.leaderID = 0
	return s.currentTerm, s.persistTermAndVote()
}

// BecomeLeader transitions to Leader and resets the partition detector.
func (s *NodeState) BecomeLeader(selfID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = Leader
	s.leaderID = selfID
	s.liveCount = leaderResilienceCount
	s.seq = 0
}
