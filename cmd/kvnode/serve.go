package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/obaraft/kvstore/internal/clientserver"
	"github.com/obaraft/kvstore/internal/config"
	"github.com/obaraft/kvstore/internal/logging"
	"github.com/obaraft/kvstore/internal/raft"
)

// serveCmd parses --config_path, wires every component, and runs the node
// until SIGINT or SIGTERM is received.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("kvnode", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configPath := fs.String("config_path", "", "Path to the follower_info configuration file")
	dataDir := fs.String("data_dir", "", "Directory for the persisted log and term files")
	logLevel := fs.String("log_level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log_format", "text", "Log output format: text, json")
	help := fs.Bool("h", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *help {
		printUsage(os.Stdout)
		return 0
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config_path is required")
		printUsage(os.Stderr)
		return 1
	}

	cluster, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cluster.Node.DataDir = *dataDir

	logger := logging.New(logging.Config{Level: *logLevel, Format: *logFormat, Output: "stdout"})
	nodeLogger := logger.WithFields("node_id", cluster.Node.ID)

	peerAddrs := make(map[uint64]string, len(cluster.Node.Peers))
	for _, p := range cluster.Node.Peers {
		peerAddrs[p.ID] = p.Addr
	}
	transport := raft.NewTCPTransport(cluster.Node.Addr, peerAddrs)

	kv := raft.NewKVStore()
	node, err := raft.NewNode(cluster.Node, kv, transport)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to construct node: %v\n", err)
		return 1
	}
	node.SetLogger(nodeLogger)

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		return 1
	}
	defer node.Stop()

	listener, err := clientserver.New(cluster.ClientAddr, node, logger.WithFields("component", "client_listener"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start client listener: %v\n", err)
		return 1
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- listener.Serve() }()

	nodeLogger.Info("node started", "client_addr", cluster.ClientAddr, "raft_addr", cluster.Node.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		nodeLogger.Info("received signal, shutting down", "signal", sig.String())
		node.Stop()
		listener.Close()
		return 0
	case err := <-serveErrCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Client listener error: %v\n", err)
			node.Stop()
			return 1
		}
		return 0
	}
}

func printUsage(w *os.File) {
	fmt.Fprintln(w, "Usage: kvnode --config_path <file> [--data_dir <dir>] [--log_level <level>] [--log_format <format>]")
}
