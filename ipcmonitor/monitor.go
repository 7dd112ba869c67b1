// Package ipcmonitor implements the privileged wiretap (spec §4.G): a
// registered SOCK_SEQPACKET peer socket receives a timestamped MonitorMessage
// for every core event a ServerCore processes. It implements
// ipcserver.Monitor without either package importing the other.
package ipcmonitor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/ipcmessage"
	"github.com/rialtoipc/rialtoipc/internal/wire"
	"github.com/rialtoipc/rialtoipc/rialtolog"
)

// Tap is a set of registered tap sockets plus the logic to validate new
// ones and broadcast core events to all of them.
type Tap struct {
	mu    sync.Mutex
	socks map[int]struct{}
	log   rialtolog.Logger
}

// New creates an empty Tap, ready to be installed with ipcserver.WithMonitor.
func New() *Tap {
	return &Tap{socks: make(map[int]struct{}), log: rialtolog.For(rialtolog.CompMonitor)}
}

// RegisterTap validates fd as a non-listening AF_UNIX SOCK_SEQPACKET peer,
// shuts down its read direction, adds it to the tap set, and publishes the
// current roster on it. It always consumes fd: on validation failure fd is
// closed and an error returned.
func (t *Tap) RegisterTap(fd int, clients []uint64, pids []int32, uids, gids []uint32) error {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ipcmonitor: fstat: %w", err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFSOCK {
		unix.Close(fd)
		return fmt.Errorf("ipcmonitor: fd %d is not a socket", fd)
	}

	acceptConn, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("ipcmonitor: getsockopt SO_ACCEPTCONN: %w", err)
	}
	if acceptConn != 0 {
		unix.Close(fd)
		return fmt.Errorf("ipcmonitor: fd %d is a listening socket, not a peer", fd)
	}

	if err := unix.Shutdown(fd, unix.SHUT_RD); err != nil {
		unix.Close(fd)
		return fmt.Errorf("ipcmonitor: shutdown(SHUT_RD): %w", err)
	}

	t.mu.Lock()
	t.socks[fd] = struct{}{}
	t.mu.Unlock()

	infos := make([]ClientInfo, len(clients))
	for i, id := range clients {
		infos[i] = ClientInfo{ClientID: id, Pid: pids[i], Uid: uids[i], Gid: gids[i]}
	}
	roster := &Message{
		Named:          ipcmessage.Named{Name: typeName},
		Kind:           KindRoster,
		CurrentClients: infos,
	}
	t.stamp(roster)
	t.writeTo(fd, roster)

	return nil
}

func (t *Tap) stamp(msg *Message) {
	msg.RealtimeUsec = time.Now().UnixMicro()

	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	msg.MonotonicUsec = ts.Sec*1_000_000 + ts.Nsec/1_000
}

// broadcast stamps msg and writes it to every registered tap, dropping (and
// removing) any that errors.
func (t *Tap) broadcast(msg *Message) {
	t.stamp(msg)

	t.mu.Lock()
	fds := make([]int, 0, len(t.socks))
	for fd := range t.socks {
		fds = append(fds, fd)
	}
	t.mu.Unlock()

	for _, fd := range fds {
		t.writeTo(fd, msg)
	}
}

func (t *Tap) writeTo(fd int, msg *Message) {
	env := &wire.Envelope{Kind: wire.KindEvent, EventName: typeName}
	body, err := ipcmessage.Marshal(msg)
	if err != nil {
		t.log.Errorf("monitor: marshal failed: %v", err)
		return
	}
	env.Body = body

	encoded, err := wire.Encode(env)
	if err != nil {
		t.log.Errorf("monitor: encode failed: %v", err)
		return
	}

	if err := sendOnce(fd, encoded); err != nil {
		t.log.Warnf("monitor: tap fd %d: %v, removing", fd, err)
		t.remove(fd)
	}
}

func (t *Tap) remove(fd int) {
	t.mu.Lock()
	delete(t.socks, fd)
	t.mu.Unlock()
	unix.Close(fd)
}

func sendOnce(fd int, body []byte) error {
	_, err := unix.SendmsgN(fd, body, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	return err
}

func (t *Tap) OnClientConnected(clientID uint64, pid int32, uid, gid uint32) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindConnect, ClientID: clientID, Pid: pid, Uid: uid, Gid: gid})
}

func (t *Tap) OnClientDisconnected(clientID uint64) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindDisconnect, ClientID: clientID})
}

func (t *Tap) OnCallDispatched(clientID uint64, serviceName, methodName string) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindCallDispatch, ClientID: clientID, ServiceName: serviceName, MethodName: methodName})
}

func (t *Tap) OnReplySent(clientID uint64) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindReplySent, ClientID: clientID})
}

func (t *Tap) OnErrorSent(clientID uint64, reason string) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindErrorSent, ClientID: clientID, Reason: reason})
}

func (t *Tap) OnEventSent(clientID uint64, eventName string) {
	t.broadcast(&Message{Named: ipcmessage.Named{Name: typeName}, Kind: KindEventSent, ClientID: clientID, EventName: eventName})
}
