// Package ipcserver implements the server side of the RPC runtime: a
// ServerCore reactor that accepts clients on one or more named
// SOCK_SEQPACKET sockets, dispatches inbound Call envelopes to registered
// services, and notifies an optional Monitor tap of every core event.
package ipcserver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/rialtoflock"
	"github.com/rialtoipc/rialtoipc/rialtolog"
)

// firstClientID is the first client_id handed out; ids below it are
// reserved for listening sockets (spec §4.E).
const firstClientID = 10000

// maxSocketID bounds listening-socket ids strictly below firstClientID.
const maxSocketID = firstClientID - 1

type listeningSocket struct {
	id           uint64
	fd           int
	path         string
	lock         *rialtoflock.Lock
	onConnect    func(clientID uint64)
	onDisconnect func(clientID uint64)
}

type client struct {
	id           uint64
	fd           int
	onDisconnect func(clientID uint64)
	disconnected bool

	// pid/uid/gid are captured once via SO_PEERCRED at accept time and are
	// read-only thereafter (spec §3's Client model).
	pid int32
	uid uint32
	gid uint32
}

// ServerCore is one server reactor, owning its own epoll fd and wake
// eventfd. Exactly one goroutine is expected to drive Process/Wait; the
// registration and send paths below are safe to call from any goroutine
// (spec §4.E concurrency contract).
type ServerCore struct {
	epollFd int
	wakeFd  int

	nextSocketID uint64
	nextClientID uint64

	socketsMu   sync.Mutex
	socketsByFD map[int]*listeningSocket

	clientsMu   sync.Mutex
	clientsByFD map[int]*client
	clientsByID map[uint64]*client

	condemnedMu sync.Mutex
	condemned   map[uint64]struct{}

	services *registry
	monitor  Monitor
	log      rialtolog.Logger
}

// Option configures a ServerCore at construction time.
type Option func(*ServerCore)

// WithMonitor installs a Monitor tap. New does not read RIALTO_IPC_MONITOR;
// callers gate this option on it themselves (cmd/rialto-echo-server does so
// in monitorEnabled), and ServerCore just wires whatever it is given.
func WithMonitor(m Monitor) Option {
	return func(s *ServerCore) { s.monitor = m }
}

// New creates a ServerCore with its epoll and wake fds ready, but no
// listening sockets yet.
func New(opts ...Option) (*ServerCore, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epollFd)
		return nil, fmt.Errorf("ipcserver: eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epollFd)
		return nil, fmt.Errorf("ipcserver: epoll_ctl add wake fd: %w", err)
	}

	s := &ServerCore{
		epollFd:      epollFd,
		wakeFd:       wakeFd,
		nextClientID: firstClientID - 1,
		socketsByFD:  make(map[int]*listeningSocket),
		clientsByFD:  make(map[int]*client),
		clientsByID:  make(map[uint64]*client),
		condemned:    make(map[uint64]struct{}),
		services:     newRegistry(),
		monitor:      noopMonitor{},
		log:          rialtolog.For(rialtolog.CompServer),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Register adds or replaces a service under svc.Name.
func (s *ServerCore) Register(svc *Service) { s.services.Register(svc) }

// AddSocket binds and listens a new SOCK_SEQPACKET socket at path, guarded
// by path's companion lock file (spec §4.E). onConnect/onDisconnect are
// invoked (from the reactor goroutine) with the id of each client accepted
// on this socket.
func (s *ServerCore) AddSocket(path string, onConnect, onDisconnect func(clientID uint64)) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("ipcserver: socket: %w", err)
	}

	lock, err := rialtoflock.Acquire(path)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("ipcserver: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		lock.Release()
		return fmt.Errorf("ipcserver: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		lock.Release()
		return fmt.Errorf("ipcserver: listen %s: %w", path, err)
	}

	id := atomic.AddUint64(&s.nextSocketID, 1)
	if id > maxSocketID {
		unix.Close(fd)
		lock.Release()
		return fmt.Errorf("ipcserver: too many listening sockets")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		lock.Release()
		return fmt.Errorf("ipcserver: epoll_ctl add listener: %w", err)
	}

	sock := &listeningSocket{id: id, fd: fd, path: path, lock: lock, onConnect: onConnect, onDisconnect: onDisconnect}
	s.socketsMu.Lock()
	s.socketsByFD[fd] = sock
	s.socketsMu.Unlock()

	return nil
}

// AddClient admits an already-accepted SOCK_SEQPACKET fd directly, without
// a listening socket of its own (spec §4.E add_client), e.g. a connection
// handed off from another acceptor. The core takes ownership of rawFd.
func (s *ServerCore) AddClient(rawFd int, onDisconnect func(clientID uint64)) (uint64, error) {
	domain, err := unix.GetsockoptInt(rawFd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil || domain != unix.AF_UNIX {
		unix.Close(rawFd)
		return 0, fmt.Errorf("ipcserver: fd %d is not an AF_UNIX socket", rawFd)
	}
	sockType, err := unix.GetsockoptInt(rawFd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || sockType != unix.SOCK_SEQPACKET {
		unix.Close(rawFd)
		return 0, fmt.Errorf("ipcserver: fd %d is not SOCK_SEQPACKET", rawFd)
	}

	dupped, err := unix.FcntlInt(uintptr(rawFd), unix.F_DUPFD_CLOEXEC, 0)
	unix.Close(rawFd)
	if err != nil {
		return 0, fmt.Errorf("ipcserver: dup client fd: %w", err)
	}
	if err := unix.SetNonblock(dupped, true); err != nil {
		unix.Close(dupped)
		return 0, fmt.Errorf("ipcserver: set nonblocking: %w", err)
	}

	return s.admitClient(dupped, onDisconnect), nil
}

func (s *ServerCore) admitClient(fd int, onDisconnect func(clientID uint64)) uint64 {
	id := atomic.AddUint64(&s.nextClientID, 1)
	cl := &client{id: id, fd: fd, onDisconnect: onDisconnect}

	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		s.log.SysErrorf(err, "client %d: SO_PEERCRED failed, creds left zeroed", id)
	} else {
		cl.pid = ucred.Pid
		cl.uid = ucred.Uid
		cl.gid = ucred.Gid
	}

	s.clientsMu.Lock()
	s.clientsByFD[fd] = cl
	s.clientsByID[id] = cl
	s.clientsMu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_ADD, fd, &ev)

	s.monitor.OnClientConnected(id, cl.pid, cl.uid, cl.gid)
	return id
}

// IsClientConnected reports whether clientID is still admitted and not yet
// torn down.
func (s *ServerCore) IsClientConnected(clientID uint64) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	cl, ok := s.clientsByID[clientID]
	return ok && !cl.disconnected
}

// DisconnectClient marks clientID for teardown on the next reactor tick and
// wakes the reactor if it is blocked in Wait.
func (s *ServerCore) DisconnectClient(clientID uint64) {
	s.condemnedMu.Lock()
	s.condemned[clientID] = struct{}{}
	s.condemnedMu.Unlock()

	var one [8]byte
	one[7] = 1
	unix.Write(s.wakeFd, one[:])
}

// Wait blocks up to timeoutMs for reactor activity; the driving goroutine
// must follow with Process to actually handle it.
func (s *ServerCore) Wait(timeoutMs int) {
	pfd := []unix.PollFd{{Fd: int32(s.epollFd), Events: unix.POLLIN}}
	unix.Poll(pfd, timeoutMs)
}

// Close tears down every listening socket and client, then releases the
// epoll/wake fds. The core must not be used afterward.
func (s *ServerCore) Close() {
	s.socketsMu.Lock()
	for fd, sock := range s.socketsByFD {
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Close(fd)
		sock.lock.Cleanup(sock.path)
	}
	s.socketsByFD = make(map[int]*listeningSocket)
	s.socketsMu.Unlock()

	s.clientsMu.Lock()
	for fd, cl := range s.clientsByFD {
		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, fd, nil)
		unix.Shutdown(fd, unix.SHUT_RDWR)
		unix.Close(fd)
		if cl.onDisconnect != nil {
			cl.onDisconnect(cl.id)
		}
	}
	s.clientsByFD = make(map[int]*client)
	s.clientsByID = make(map[uint64]*client)
	s.clientsMu.Unlock()

	unix.Close(s.wakeFd)
	unix.Close(s.epollFd)
}
