package request

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// pollTimeoutMsec is the request thread's poll timeout (spec.md §4.5,
// §5 "the request thread may block in poll(10s)").
const pollTimeoutMsec = 10_000

// Lifecycle is implemented by the engine to handle connect-request
// load/unload and ack-socket binding (spec.md §4.5, §4.6 "Create").
type Lifecycle interface {
	// Load creates a client and returns the data needed to answer a
	// ConnectResult.
	Load(name string, external bool) (clientID int64, result ConnectResult, types []PortTypeDescriptor, err error)
	// Unload removes a client by name.
	Unload(name string) error
	// BindEventSocket attaches fd as the event socket for clientID
	// (spec.md §4.5 "bind the new fd as the event socket").
	BindEventSocket(clientID int64, fd int) error
	// NoteTransportError is called when a client's request or event fd
	// errors, so the engine can apply spec.md §4.6 error accounting.
	NoteTransportError(clientID int64)
}

type role int

const (
	roleMaster role = iota
	roleAck
	roleClient
)

type pollEntry struct {
	fd       int
	role     role
	clientID int64
}

// Server owns the master/ack accept sockets and every connected
// client's request socket, polling them from a single cooperative
// loop (spec.md §2 item 5, §4.5, §9 "single-owner poll set").
type Server struct {
	mu        sync.Mutex
	dir       string
	index     int
	masterFD  int
	ackFD     int
	entries   []pollEntry
	mux       *Mux
	lifecycle Lifecycle
	logger    *slog.Logger
	stopCh    chan struct{}
}

// NewServer binds the master and ack sockets under dir, choosing the
// first free index in [0,999) (spec.md §6 "jack_<i>"/"jack_ack_<i>").
func NewServer(dir string, mux *Mux, lifecycle Lifecycle, logger *slog.Logger) (*Server, error) {
	s := &Server{dir: dir, mux: mux, lifecycle: lifecycle, logger: logger, stopCh: make(chan struct{})}
	for i := 0; i < 999; i++ {
		masterPath := filepath.Join(dir, fmt.Sprintf("jack_%d", i))
		ackPath := filepath.Join(dir, fmt.Sprintf("jack_ack_%d", i))
		mfd, err := bindListen(masterPath)
		if errors.Is(err, unix.EADDRINUSE) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("request: bind master socket: %w", err)
		}
		afd, err := bindListen(ackPath)
		if err != nil {
			unix.Close(mfd)
			return nil, fmt.Errorf("request: bind ack socket: %w", err)
		}
		s.index = i
		s.masterFD = mfd
		s.ackFD = afd
		return s, nil
	}
	return nil, fmt.Errorf("request: no free socket index in [0,999)")
}

func bindListen(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	_ = unix.Unlink(path)
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Index returns the chosen socket index, the <i> in the
// "jack_<i>"/"jack_ack_<i>" socket names (spec.md §6).
func (s *Server) Index() int { return s.index }

// Run is the cooperative single-threaded poll loop (spec.md §4.5). It
// returns when Stop is called or an unrecoverable poll error occurs.
func (s *Server) Run() error {
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		pfds := s.buildPollSet()
		n, err := unix.Poll(pfds, pollTimeoutMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("request: poll: %w", err)
		}
		if n == 0 {
			continue // 10s idle timeout, nothing to do
		}
		for _, pfd := range pfds {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			s.handleReady(int(pfd.Fd))
		}
	}
}

// Stop ends the poll loop after the current iteration.
func (s *Server) Stop() {
	close(s.stopCh)
}

func (s *Server) buildPollSet() []unix.PollFd {
	s.mu.Lock()
	defer s.mu.Unlock()
	pfds := make([]unix.PollFd, 0, len(s.entries)+2)
	pfds = append(pfds, unix.PollFd{Fd: int32(s.masterFD), Events: unix.POLLIN})
	pfds = append(pfds, unix.PollFd{Fd: int32(s.ackFD), Events: unix.POLLIN})
	for _, e := range s.entries {
		pfds = append(pfds, unix.PollFd{Fd: int32(e.fd), Events: unix.POLLIN})
	}
	return pfds
}

func (s *Server) handleReady(fd int) {
	switch {
	case fd == s.masterFD:
		s.handleMaster()
	case fd == s.ackFD:
		s.handleAck()
	default:
		s.handleClientRequest(fd)
	}
}

func (s *Server) handleMaster() {
	connFD, _, err := unix.Accept(s.masterFD)
	if err != nil {
		s.logger.Warn("accept on master socket failed", "error", err)
		return
	}
	creq, err := readConnectRequest(connFD)
	if err != nil {
		s.logger.Warn("read connect-request failed", "error", err)
		unix.Close(connFD)
		return
	}
	name := creq.GetName()
	if !creq.Load {
		if err := s.lifecycle.Unload(name); err != nil {
			s.logger.Warn("unload failed", "client", name, "error", err)
		}
		unix.Close(connFD)
		return
	}

	clientID, result, types, err := s.lifecycle.Load(name, creq.IsExternal)
	result.NPortTypes = int32(len(types))
	if err != nil {
		result.Status = -1
		_ = writeConnectResult(connFD, &result, nil)
		unix.Close(connFD)
		return
	}
	result.Status = 0
	if err := writeConnectResult(connFD, &result, types); err != nil {
		s.logger.Warn("write connect-result failed", "client", name, "error", err)
		unix.Close(connFD)
		return
	}

	s.mu.Lock()
	s.entries = append(s.entries, pollEntry{fd: connFD, role: roleClient, clientID: clientID})
	s.mu.Unlock()
}

func (s *Server) handleAck() {
	connFD, _, err := unix.Accept(s.ackFD)
	if err != nil {
		s.logger.Warn("accept on ack socket failed", "error", err)
		return
	}
	areq, err := readAckRequest(connFD)
	if err != nil {
		s.logger.Warn("read ack-request failed", "error", err)
		unix.Close(connFD)
		return
	}
	if err := s.lifecycle.BindEventSocket(areq.ClientID, connFD); err != nil {
		s.logger.Warn("bind event socket failed", "client_id", areq.ClientID, "error", err)
		_ = writeAckResult(connFD, &AckResult{Status: -1})
		unix.Close(connFD)
		return
	}
	_ = writeAckResult(connFD, &AckResult{Status: 0})
}

func (s *Server) handleClientRequest(fd int) {
	buf := make([]byte, RecordSize)
	n, err := unix.Read(fd, buf)
	if err != nil || n == 0 {
		s.removeClientFD(fd)
		return
	}
	req, err := Decode(buf[:n])
	if err != nil {
		s.removeClientFD(fd)
		return
	}
	reply, conns := s.mux.Dispatch(req)
	if req.Kind == KindGetPortConnections {
		if err := writeStrings(fd, conns); err != nil {
			s.removeClientFD(fd)
		}
		return
	}
	out, err := Encode(reply)
	if err != nil {
		return
	}
	if _, err := unix.Write(fd, out); err != nil {
		s.removeClientFD(fd)
	}
}

func (s *Server) removeClientFD(fd int) {
	s.mu.Lock()
	var clientID int64 = -1
	for i, e := range s.entries {
		if e.fd == fd {
			clientID = e.clientID
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	unix.Close(fd)
	if clientID >= 0 {
		s.lifecycle.NoteTransportError(clientID)
	}
}

// Close shuts down the master/ack sockets and every client
// connection.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	unix.Close(s.masterFD)
	unix.Close(s.ackFD)
	for _, e := range s.entries {
		unix.Close(e.fd)
	}
	s.entries = nil
}
