package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/obaraft/kvstore/internal/raft"
)

// ErrInvalidConfig is returned when a follower_info line cannot be parsed.
var ErrInvalidConfig = errors.New("config: invalid follower_info line")

var followerInfoRe = regexp.MustCompile(`^follower_info\s+(\S+):(\d+)$`)

// ClusterConfig is the parsed result of a follower_info configuration file:
// the local raft.NodeConfig plus the address the Client Listener binds to.
type ClusterConfig struct {
	Node       *raft.NodeConfig
	ClientAddr string
}

// Load reads a follower_info configuration file and builds a ClusterConfig.
//
// The first non-comment, non-blank follower_info line names the local
// node's client listen address (id = port mod 10, raft port = port-1000).
// Every subsequent follower_info line names a peer with the same
// convention.
func Load(path string) (*ClusterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	node := raft.DefaultNodeConfig()
	var clientAddr string
	selfSeen := false

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "follower_info") {
			continue
		}

		m := followerInfoRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrInvalidConfig, lineNo, line)
		}
		ip := m[1]
		port, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %q", ErrInvalidConfig, lineNo, line)
		}

		if !selfSeen {
			selfSeen = true
			node.ID = uint64(port % 10)
			node.Addr = fmt.Sprintf("%s:%d", ip, port-1000)
			clientAddr = fmt.Sprintf("%s:%d", ip, port)
			continue
		}

		peerID := uint64(port % 10)
		node.Peers = append(node.Peers, &raft.Peer{
			ID:   peerID,
			Addr: fmt.Sprintf("%s:%d", ip, port-1000),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if !selfSeen {
		return nil, fmt.Errorf("%w: no follower_info line found in %s", ErrInvalidConfig, path)
	}

	return &ClusterConfig{Node: node, ClientAddr: clientAddr}, nil
}
