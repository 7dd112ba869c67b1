package ipcserver

import (
	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/internal/wire"
)

// Process runs one non-blocking reactor tick: it accepts pending
// connections, drains inbound client datagrams and dispatches Call/
// MonitorRegister envelopes, then tears down any client that was condemned
// during event processing (spec §4.E process()). Exactly one goroutine is
// expected to call Process/Wait; AddSocket/AddClient/DisconnectClient/
// send paths may run concurrently with it from any goroutine.
func (s *ServerCore) Process() {
	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(s.epollFd, events[:], 0)
	if err != nil || n == 0 {
		s.drainCondemned()
		return
	}

	for _, ev := range events[:n] {
		fd := int(ev.Fd)

		if fd == s.wakeFd {
			var buf [8]byte
			unix.Read(s.wakeFd, buf[:])
			continue
		}

		s.socketsMu.Lock()
		sock, isListener := s.socketsByFD[fd]
		s.socketsMu.Unlock()
		if isListener {
			s.acceptLoop(sock)
			continue
		}

		s.clientsMu.Lock()
		cl, isClient := s.clientsByFD[fd]
		s.clientsMu.Unlock()
		if !isClient {
			continue
		}

		if ev.Events&unix.EPOLLERR != 0 {
			s.condemn(cl.id)
			continue
		}
		s.drainClient(cl)
	}

	s.drainCondemned()
}

func (s *ServerCore) acceptLoop(sock *listeningSocket) {
	for {
		connFd, _, err := unix.Accept4(sock.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.SysErrorf(err, "accept4 on %s failed", sock.path)
			return
		}
		id := s.admitClient(connFd, sock.onDisconnect)
		if sock.onConnect != nil {
			sock.onConnect(id)
		}
	}
}

func (s *ServerCore) drainClient(cl *client) {
	for {
		res, err := wire.RecvEnvelope(cl.fd, wire.MaxFdsServer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.SysErrorf(err, "recv from client %d failed", cl.id)
			s.condemn(cl.id)
			return
		}
		if res.EOF {
			s.condemn(cl.id)
			return
		}
		if res.Truncated {
			s.log.Warnf("client %d: dropped truncated datagram", cl.id)
			continue
		}

		switch res.Envelope.Kind {
		case wire.KindCall:
			s.dispatchCall(cl, res.Envelope, res.Fds)
		case wire.KindMonitorRegister:
			s.dispatchMonitorRegister(cl, res.Fds)
		default:
			s.log.Warnf("client %d: unexpected envelope kind %s", cl.id, res.Envelope.Kind)
		}
	}
}

func (s *ServerCore) condemn(clientID uint64) {
	s.condemnedMu.Lock()
	s.condemned[clientID] = struct{}{}
	s.condemnedMu.Unlock()
}

func (s *ServerCore) drainCondemned() {
	s.condemnedMu.Lock()
	ids := make([]uint64, 0, len(s.condemned))
	for id := range s.condemned {
		ids = append(ids, id)
	}
	s.condemned = make(map[uint64]struct{})
	s.condemnedMu.Unlock()

	for _, id := range ids {
		s.clientsMu.Lock()
		cl, ok := s.clientsByID[id]
		if ok {
			delete(s.clientsByID, id)
			delete(s.clientsByFD, cl.fd)
		}
		s.clientsMu.Unlock()
		if !ok || cl.disconnected {
			continue
		}
		cl.disconnected = true

		unix.EpollCtl(s.epollFd, unix.EPOLL_CTL_DEL, cl.fd, nil)
		unix.Shutdown(cl.fd, unix.SHUT_RDWR)
		unix.Close(cl.fd)

		if cl.onDisconnect != nil {
			cl.onDisconnect(cl.id)
		}
		s.monitor.OnClientDisconnected(cl.id)
	}
}
