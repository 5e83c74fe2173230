package clientserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/obaraft/kvstore/internal/logging"
	"github.com/obaraft/kvstore/internal/raft"
)

// Listener accepts client connections and serves the RESP-style GET/SET/DEL
// protocol, submitting every command to the node's consensus core.
type Listener struct {
	node     *raft.Node
	logger   logging.Logger
	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New creates a client Listener bound to addr. It does not start accepting
// connections until Serve is called.
func New(addr string, node *raft.Node, logger logging.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("clientserver: listen %s: %w", addr, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Listener{
		node:     node,
		logger:   logger,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() string { return l.listener.Addr().String() }

// Serve accepts connections until Close is called, handling each on its own
// goroutine. It blocks and should be run from its own goroutine by the
// caller.
func (l *Listener) Serve() error {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// Close stops accepting new connections and closes every open connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	err := l.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
	}()

	requestID := logging.GenerateRequestID()
	connLogger := l.logger.WithRequestID(requestID).WithFields("client", conn.RemoteAddr().String())
	connLogger.Info("client connection opened")

	reader := bufio.NewReader(conn)
	for {
		args, err := ReadCommand(reader)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				conn.Write(EncodeError("ERR Protocol error"))
			}
			if err != io.EOF {
				connLogger.Debug("client connection closed", "error", err.Error())
			}
			return
		}
		if len(args) == 0 {
			continue
		}

		resp := l.dispatch(args)
		if _, err := conn.Write(resp); err != nil {
			connLogger.Debug("write failed, closing connection", "error", err.Error())
			return
		}
	}
}

// dispatch validates and routes one parsed command, returning the encoded
// RESP reply.
func (l *Listener) dispatch(args []string) []byte {
	verb := strings.ToUpper(args[0])

	switch verb {
	case "GET":
		if len(args) != 2 {
			return EncodeError("ERR wrong number of arguments for 'get' command")
		}
	case "SET":
		if len(args) < 3 {
			return EncodeError("ERR wrong number of arguments for 'set' command")
		}
	case "DEL":
		if len(args) < 2 {
			return EncodeError("ERR wrong number of arguments for 'del' command")
		}
	case "KEYS":
		if len(args) != 1 {
			return EncodeError("ERR wrong number of arguments for 'keys' command")
		}
	default:
		return EncodeError("ERR unknown command '" + args[0] + "'")
	}

	command := strings.Join(args, " ")
	result, err := l.node.Propose(command)
	if err != nil {
		return l.encodeProposeError(err)
	}

	switch result.Kind {
	case raft.ResultOK:
		return EncodeOK()
	case raft.ResultCount:
		return EncodeInteger(result.Count)
	case raft.ResultValue:
		return EncodeBulkString(result.Value, result.Found)
	case raft.ResultKeys:
		return EncodeArray(result.Keys)
	default:
		return EncodeError("ERR internal error")
	}
}

// encodeProposeError turns a Propose failure into the redirect/backoff
// reply a client is expected to retry on.
func (l *Listener) encodeProposeError(err error) []byte {
	if !errors.Is(err, raft.ErrNotLeader) {
		return EncodeError("ERR " + err.Error())
	}
	if leaderID := l.node.LeaderID(); leaderID != 0 {
		return EncodeMoved(leaderID)
	}
	return EncodeTryAgain()
}
