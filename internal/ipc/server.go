package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// MaxSocketPathLen is the longest Unix socket path accepted. Some
// platforms cap sun_path at 104 bytes including the NUL terminator.
const MaxSocketPathLen = 103

// ErrSocketPathTooLong is returned when the assembled socket path would
// exceed the host limit. The check runs before any session state exists.
var ErrSocketPathTooLong = errors.New("ipc socket path exceeds platform limit")

// sendQueueSize is the per-connection output queue capacity.
const sendQueueSize = 64

// maxInputBacklog bounds the per-connection stdin backlog held in memory
// while the PTY write side is slow. Past this point heartbeats are dropped
// and finally the connection stops being read, pushing backpressure into
// the kernel socket buffer.
const maxInputBacklog = 1 << 20

// CheckPath validates a socket path against the platform limit.
func CheckPath(path string) error {
	if len(path) > MaxSocketPathLen {
		return ErrSocketPathTooLong
	}
	return nil
}

// Handler receives decoded client traffic.
type Handler interface {
	// HandleStdin forwards client input to the PTY. It may block; blocking
	// stalls only the connection's input queue, not its control frames.
	HandleStdin(data []byte) error

	// HandleResize applies a resize control command.
	HandleResize(cols, rows uint16, source string) error

	// HandleKill delivers the nominated signal to the session.
	HandleKill(signal string) error

	// HandleResetSize restores the session's original dimensions.
	HandleResetSize() error
}

// inputQueue is a byte-bounded FIFO of stdin chunks decoupling frame
// decoding from the PTY write. Enqueue blocks once maxInputBacklog bytes
// are pending, which is the final backpressure stage.
type inputQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunks  [][]byte
	pending int
	closed  bool
}

func newInputQueue() *inputQueue {
	q := &inputQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueue appends a chunk, blocking while the backlog is full. Returns
// false once the queue is closed.
func (q *inputQueue) enqueue(data []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.pending > 0 && q.pending+len(data) > maxInputBacklog {
		q.cond.Wait()
	}
	if q.closed {
		return false
	}
	q.chunks = append(q.chunks, data)
	q.pending += len(data)
	q.cond.Broadcast()
	return true
}

// dequeue pops the oldest chunk, blocking until one is available. After
// close the remaining backlog drains, then ok is false.
func (q *inputQueue) dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && len(q.chunks) == 0 {
		q.cond.Wait()
	}
	if len(q.chunks) == 0 {
		return nil, false
	}
	data := q.chunks[0]
	q.chunks = q.chunks[1:]
	q.pending -= len(data)
	q.cond.Broadcast()
	return data, true
}

// full reports whether the backlog has reached its byte bound.
func (q *inputQueue) full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending >= maxInputBacklog
}

// close wakes all waiters. Idempotent.
func (q *inputQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// clientConn is the per-connection state: an output queue toward the
// client and an input queue toward the PTY.
type clientConn struct {
	send chan []byte
	in   *inputQueue
}

// Server accepts local connections on a session's ipc.sock and multiplexes
// framed client traffic into the session while streaming raw PTY output
// back to every connected client.
type Server struct {
	path   string
	ln     net.Listener
	h      Handler
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]*clientConn
	closed bool

	wg sync.WaitGroup
}

// Listen binds the socket, applies the file mode, and starts accepting.
func Listen(path string, mode os.FileMode, h Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := CheckPath(path); err != nil {
		return nil, err
	}

	// Stale socket from a previous run.
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, err
	}

	s := &Server{
		path:   path,
		ln:     ln,
		h:      h,
		logger: logger,
		conns:  make(map[net.Conn]*clientConn),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		c := &clientConn{
			send: make(chan []byte, sendQueueSize),
			in:   newInputQueue(),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = c
		s.mu.Unlock()

		s.wg.Add(3)
		go s.writePump(conn, c.send)
		go s.inputPump(conn, c.in)
		go s.readPump(conn, c)
	}
}

func (s *Server) writePump(conn net.Conn, send chan []byte) {
	defer s.wg.Done()
	for data := range send {
		if _, err := conn.Write(data); err != nil {
			conn.Close()
			return
		}
	}
	conn.Close()
}

// inputPump drains the connection's stdin backlog into the PTY. A slow or
// wedged PTY blocks only this goroutine; control frames keep flowing
// through readPump.
func (s *Server) inputPump(conn net.Conn, in *inputQueue) {
	defer s.wg.Done()
	for {
		data, ok := in.dequeue()
		if !ok {
			return
		}
		if err := s.h.HandleStdin(data); err != nil {
			s.logger.Warn("ipc stdin rejected", "error", err)
			in.close()
			conn.Close()
			return
		}
	}
}

func (s *Server) readPump(conn net.Conn, c *clientConn) {
	defer s.wg.Done()
	defer s.dropConn(conn)

	for {
		frameType, payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("ipc read ended", "error", err)
			}
			return
		}

		switch frameType {
		case TypeStdin:
			// Blocks once the backlog is full: the last backpressure
			// stage, pushing the stall into the kernel socket buffer.
			if !c.in.enqueue(payload) {
				return
			}
		case TypeControl:
			var cmd ControlCommand
			if err := json.Unmarshal(payload, &cmd); err != nil {
				s.logger.Warn("ipc control command malformed", "error", err)
				continue
			}
			s.dispatchControl(cmd)
		case TypeHeartbeat:
			// Keep-alive only. Dropped while the input backlog is full.
			if c.in.full() {
				s.logger.Debug("ipc heartbeat dropped, input backlog full")
			}
		default:
			// Forward-compatible: unknown types are skipped; ReadFrame
			// already consumed the payload.
			s.logger.Debug("ipc frame type skipped", "type", frameType)
		}
	}
}

func (s *Server) dispatchControl(cmd ControlCommand) {
	switch cmd.Cmd {
	case CmdResize:
		source := cmd.Source
		if source == "" {
			source = "api"
		}
		if err := s.h.HandleResize(cmd.Cols, cmd.Rows, source); err != nil {
			s.logger.Warn("ipc resize rejected", "error", err)
		}
	case CmdKill:
		if err := s.h.HandleKill(cmd.Signal); err != nil {
			s.logger.Warn("ipc kill rejected", "error", err)
		}
	case CmdResetSize:
		if err := s.h.HandleResetSize(); err != nil {
			s.logger.Warn("ipc reset-size rejected", "error", err)
		}
	default:
		s.logger.Debug("ipc control command skipped", "cmd", cmd.Cmd)
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	c, ok := s.conns[conn]
	if ok {
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	if ok {
		c.in.close()
		close(c.send)
	}
}

// Broadcast streams raw PTY output to every connected client. A slow
// client has its oldest queued chunk evicted rather than stalling the
// session's fan-out.
func (s *Server) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	// Callers reuse their buffer; copy once for all queues.
	out := make([]byte, len(data))
	copy(out, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conns {
		select {
		case c.send <- out:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- out:
			default:
			}
		}
	}
}

// ConnCount returns the number of connected clients.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, severs clients, and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	queues := make([]*inputQueue, 0, len(s.conns))
	for conn, c := range s.conns {
		conns = append(conns, conn)
		queues = append(queues, c.in)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, conn := range conns {
		conn.Close()
	}
	// Unblock readPumps parked on a full backlog.
	for _, q := range queues {
		q.close()
	}
	s.wg.Wait()
	os.Remove(s.path)
	return err
}
