package raft

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Term, index, and ID fields below are carried as 64-bit, not the 32-bit
// width the wire format otherwise uses, to match the log's own uint64
// indices and terms and avoid a truncating conversion at every RPC
// boundary. Every other field (counts, sequence numbers, lengths) stays
// 32-bit.

// MsgType identifies one of the four peer wire-codec message kinds.
type MsgType uint32

// Peer RPC message types, framed as [header: {type:u32, payload_len:u32}][payload].
const (
	MsgRequestVoteReq MsgType = iota
	MsgRequestVoteResp
	MsgAppendEntriesReq
	MsgAppendEntriesResp
)

const frameHeaderSize = 8 // type:u32 + payload_len:u32

// maxFrameSize guards against allocating unreasonably large buffers for a
// corrupt or hostile length field.
const maxFrameSize = 64 * 1024 * 1024

// EncodeFrame wraps payload in the fixed {type, payload_len} header.
func EncodeFrame(msgType MsgType, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msgType))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// ReadFrame reads one framed message from r, returning its type and payload.
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, nil, ErrMalformedFrame
		}
		return 0, nil, err
	}
	msgType := MsgType(binary.LittleEndian.Uint32(header[0:4]))
	payloadLen := binary.LittleEndian.Uint32(header[4:8])
	if payloadLen > maxFrameSize {
		return 0, nil, ErrMalformedFrame
	}
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, ErrMalformedFrame
		}
	}
	return msgType, payload, nil
}

// RequestVoteArgs is sent by candidates to gather votes.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// Serialize encodes RequestVoteArgs to its fixed-width payload.
func (r *RequestVoteArgs) Serialize() []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	binary.LittleEndian.PutUint64(buf[8:16], r.CandidateID)
	binary.LittleEndian.PutUint64(buf[16:24], r.LastLogIndex)
	binary.LittleEndian.PutUint64(buf[24:32], r.LastLogTerm)
	return buf
}

// DeserializeRequestVoteArgs decodes RequestVoteArgs from bytes.
func DeserializeRequestVoteArgs(data []byte) (*RequestVoteArgs, error) {
	if len(data) < 32 {
		return nil, ErrMalformedFrame
	}
	return &RequestVoteArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		CandidateID:  binary.LittleEndian.Uint64(data[8:16]),
		LastLogIndex: binary.LittleEndian.Uint64(data[16:24]),
		LastLogTerm:  binary.LittleEndian.Uint64(data[24:32]),
	}, nil
}

// RequestVoteReply is the response to RequestVote.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// Serialize encodes RequestVoteReply to bytes.
func (r *RequestVoteReply) Serialize() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	if r.VoteGranted {
		buf[8] = 1
	}
	return buf
}

// DeserializeRequestVoteReply decodes RequestVoteReply from bytes.
func DeserializeRequestVoteReply(data []byte) (*RequestVoteReply, error) {
	if len(data) < 9 {
		return nil, ErrMalformedFrame
	}
	return &RequestVoteReply{
		Term:        binary.LittleEndian.Uint64(data[0:8]),
		VoteGranted: data[8] == 1,
	}, nil
}

// AppendEntriesArgs is sent by the leader to replicate log entries, or
// with an empty Entries slice as a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     uint64
	PrevLogIndex uint64
	PrevLogTerm  uint64
	LeaderCommit uint64
	Seq          uint32
	Entries      []*LogEntry
}

// Serialize encodes AppendEntriesArgs to bytes. Entries are encoded as
// (term, data) pairs per the wire codec; indexes are implied by position
// starting at PrevLogIndex+1.
func (a *AppendEntriesArgs) Serialize() []byte {
	var buf bytes.Buffer

	header := make([]byte, 44)
	binary.LittleEndian.PutUint64(header[0:8], a.Term)
	binary.LittleEndian.PutUint64(header[8:16], a.LeaderID)
	binary.LittleEndian.PutUint64(header[16:24], a.PrevLogIndex)
	binary.LittleEndian.PutUint64(header[24:32], a.PrevLogTerm)
	binary.LittleEndian.PutUint64(header[32:40], a.LeaderCommit)
	binary.LittleEndian.PutUint32(header[40:44], a.Seq)
	buf.Write(header)

	binary.Write(&buf, binary.LittleEndian, uint32(len(a.Entries)))
	for _, e := range a.Entries {
		binary.Write(&buf, binary.LittleEndian, e.Term)
		data := []byte(e.Command)
		binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}

	return buf.Bytes()
}

// DeserializeAppendEntriesArgs decodes AppendEntriesArgs from bytes.
func DeserializeAppendEntriesArgs(data []byte) (*AppendEntriesArgs, error) {
	if len(data) < 48 {
		return nil, ErrMalformedFrame
	}

	args := &AppendEntriesArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		LeaderID:     binary.LittleEndian.Uint64(data[8:16]),
		PrevLogIndex: binary.LittleEndian.Uint64(data[16:24]),
		PrevLogTerm:  binary.LittleEndian.Uint64(data[24:32]),
		LeaderCommit: binary.LittleEndian.Uint64(data[32:40]),
		Seq:          binary.LittleEndian.Uint32(data[40:44]),
	}

	numEntries := binary.LittleEndian.Uint32(data[44:48])
	args.Entries = make([]*LogEntry, 0, numEntries)

	reader := bytes.NewReader(data[48:])
	for i := uint32(0); i < numEntries; i++ {
		var term uint64
		if err := binary.Read(reader, binary.LittleEndian, &term); err != nil {
			return nil, ErrMalformedFrame
		}
		var cmdLen uint32
		if err := binary.Read(reader, binary.LittleEndian, &cmdLen); err != nil {
			return nil, ErrMalformedFrame
		}
		cmdData := make([]byte, cmdLen)
		if _, err := io.ReadFull(reader, cmdData); err != nil {
			return nil, ErrMalformedFrame
		}
		args.Entries = append(args.Entries, &LogEntry{
			Index:   args.PrevLogIndex + uint64(i) + 1,
			Term:    term,
			Command: string(cmdData),
		})
	}

	return args, nil
}

// AppendEntriesReply is the response to AppendEntries.
type AppendEntriesReply struct {
	Term           uint64
	FollowerID     uint64
	LogIndex       uint64
	Success        bool
	FollowerCommit uint64
	Ack            uint32
	ConflictTerm   uint64 // optimization: accelerates backtracking on mismatch
	ConflictIndex  uint64
}

// Serialize encodes AppendEntriesReply to bytes.
func (r *AppendEntriesReply) Serialize() []byte {
	buf := make([]byte, 58)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	binary.LittleEndian.PutUint64(buf[8:16], r.FollowerID)
	binary.LittleEndian.PutUint64(buf[16:24], r.LogIndex)
	if r.Success {
		buf[24] = 1
	}
	binary.LittleEndian.PutUint64(buf[25:33], r.FollowerCommit)
	binary.LittleEndian.PutUint32(buf[33:37], r.Ack)
	binary.LittleEndian.PutUint64(buf[37:45], r.ConflictTerm)
	binary.LittleEndian.PutUint64(buf[45:53], r.ConflictIndex)
	return buf
}

// DeserializeAppendEntriesReply decodes AppendEntriesReply from bytes.
func DeserializeAppendEntriesReply(data []byte) (*AppendEntriesReply, error) {
	if len(data) < 53 {
		return nil, ErrMalformedFrame
	}
	return &AppendEntriesReply{
		Term:           binary.LittleEndian.Uint64(data[0:8]),
		FollowerID:     binary.LittleEndian.Uint64(data[8:16]),
		LogIndex:       binary.LittleEndian.Uint64(data[16:24]),
		Success:        data[24] == 1,
		FollowerCommit: binary.LittleEndian.Uint64(data[25:33]),
		Ack:            binary.LittleEndian.Uint32(data[33:37]),
		ConflictTerm:   binary.LittleEndian.Uint64(data[37:45]),
		ConflictIndex:  binary.LittleEndian.Uint64(data[45:53]),
	}, nil
}
