package raft

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/exp/maps"
)

// CommandKind identifies which client verb a CommandResult answers.
type CommandKind uint8

const (
	ResultOK CommandKind = iota
	ResultValue
	ResultCount
	ResultKeys
)

// CommandResult carries whatever a committed command's application
// produced, so the client listener can render the matching RESP response
// once the entry's index has been applied.
type CommandResult struct {
	Kind  CommandKind
	Value string   // for ResultValue
	Found bool     // for ResultValue: whether the key existed
	Count int      // for ResultCount
	Keys  []string // for ResultKeys
}

// KVStore is the deterministic key-value applier described by the Raft
// core's replicated state machine. It is mutated only by the apply loop,
// in strict log-index order; GET reads may proceed concurrently with that
// single writer.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewKVStore creates an empty key-value store.
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

// Get returns the value for key and whether it was present. Exposed for
// the status/debug surface; the applied command path uses ApplyCommand.
func (kv *KVStore) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	return v, ok
}

// Snapshot returns a copy of every key/value pair, used by the status/debug
// surface rather than by replication.
func (kv *KVStore) Snapshot() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return maps.Clone(kv.data)
}

// Keys returns every key currently stored, sorted for deterministic
// output on the KEYS introspection command.
func (kv *KVStore) Keys() []string {
	kv.mu.RLock()
	keys := maps.Keys(kv.data)
	kv.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// ApplyCommand parses and deterministically executes one committed
// command: SET, DEL, GET, or KEYS. This is the KV Applier's sole entry point;
// the apply loop calls it in strict log-index order and nothing else
// mutates the map.
func (kv *KVStore) ApplyCommand(command string) (CommandResult, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return CommandResult{}, ErrUnknownCommand
	}

	switch strings.ToUpper(fields[0]) {
	case "SET":
		if len(fields) < 3 {
			return CommandResult{}, ErrUnknownCommand
		}
		key := fields[1]
		value := strings.Join(fields[2:], " ")
		kv.mu.Lock()
		kv.data[key] = value
		kv.mu.Unlock()
		return CommandResult{Kind: ResultOK}, nil

	case "DEL":
		if len(fields) < 2 {
			return CommandResult{}, ErrUnknownCommand
		}
		keys := fields[1:]
		kv.mu.Lock()
		present := lo.CountBy(keys, func(k string) bool {
			_, ok := kv.data[k]
			return ok
		})
		lo.ForEach(keys, func(k string, _ int) {
			delete(kv.data, k)
		})
		kv.mu.Unlock()
		return CommandResult{Kind: ResultCount, Count: present}, nil

	case "GET":
		if len(fields) < 2 {
			return CommandResult{}, ErrUnknownCommand
		}
		kv.mu.RLock()
		v, ok := kv.data[fields[1]]
		kv.mu.RUnlock()
		return CommandResult{Kind: ResultValue, Value: v, Found: ok}, nil

	case "KEYS":
		return CommandResult{Kind: ResultKeys, Keys: kv.Keys()}, nil

	default:
		return CommandResult{}, ErrUnknownCommand
	}
}
