package ipcserver

import "golang.org/x/sys/unix"

// Monitor receives a tap fd and a notification for every core event the
// server processes. ServerCore depends only on this interface so the
// monitor tap (component G) stays an independently testable package:
// ServerCore never imports it.
type Monitor interface {
	// RegisterTap validates and adopts fd as a new tap socket, publishing
	// the current client roster to it. Ownership of fd transfers to the
	// monitor regardless of outcome. pids/uids/gids are parallel to
	// clients, carrying each roster member's SO_PEERCRED identity.
	RegisterTap(fd int, clients []uint64, pids []int32, uids, gids []uint32) error

	OnClientConnected(clientID uint64, pid int32, uid, gid uint32)
	OnClientDisconnected(clientID uint64)
	OnCallDispatched(clientID uint64, serviceName, methodName string)
	OnReplySent(clientID uint64)
	OnErrorSent(clientID uint64, reason string)
	OnEventSent(clientID uint64, eventName string)
}

// noopMonitor is installed by default unless WithMonitor supplies another
// Monitor; it still closes the tap fd rather than leaking it.
type noopMonitor struct{}

func (noopMonitor) RegisterTap(fd int, clients []uint64, pids []int32, uids, gids []uint32) error {
	unix.Close(fd)
	return nil
}
func (noopMonitor) OnClientConnected(uint64, int32, uint32, uint32) {}
func (noopMonitor) OnClientDisconnected(uint64)                     {}
func (noopMonitor) OnCallDispatched(uint64, string, string)         {}
func (noopMonitor) OnReplySent(uint64)                              {}
func (noopMonitor) OnErrorSent(uint64, string)                      {}
func (noopMonitor) OnEventSent(uint64, string)                      {}
