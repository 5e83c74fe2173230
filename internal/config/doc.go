// Package config parses the cluster's follower_info configuration format
// into a raft.NodeConfig.
package config
