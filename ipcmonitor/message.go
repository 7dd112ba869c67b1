package ipcmonitor

import "github.com/rialtoipc/rialtoipc/ipcmessage"

// typeName is the fixed event name every MonitorMessage is framed under on
// the wire, regardless of which core event produced it.
const typeName = "rialtoipc.MonitorMessage"

// Kind discriminates why a MonitorMessage was produced.
type Kind string

const (
	KindRoster       Kind = "roster"
	KindConnect      Kind = "connect"
	KindDisconnect   Kind = "disconnect"
	KindCallDispatch Kind = "call_dispatched"
	KindReplySent    Kind = "reply_sent"
	KindErrorSent    Kind = "error_sent"
	KindEventSent    Kind = "event_sent"
)

// Message is one wiretap notification: a timestamped record of a core event
// or, for the first message a tap receives, the current client roster.
type Message struct {
	ipcmessage.Named

	RealtimeUsec  int64 `json:"realtime_usec"`
	MonotonicUsec int64 `json:"monotonic_usec"`

	Kind Kind `json:"kind"`

	ClientID    uint64 `json:"client_id,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	MethodName  string `json:"method_name,omitempty"`
	Reason      string `json:"reason,omitempty"`
	EventName   string `json:"event_name,omitempty"`

	// Pid/Uid/Gid carry ClientID's SO_PEERCRED identity on a KindConnect
	// message.
	Pid int32  `json:"pid,omitempty"`
	Uid uint32 `json:"uid,omitempty"`
	Gid uint32 `json:"gid,omitempty"`

	CurrentClients []ClientInfo `json:"current_clients,omitempty"`
}

// ClientInfo is one roster entry published in a KindRoster message's
// CurrentClients: a connected client's id and SO_PEERCRED identity.
type ClientInfo struct {
	ClientID uint64 `json:"client_id"`
	Pid      int32  `json:"pid"`
	Uid      uint32 `json:"uid"`
	Gid      uint32 `json:"gid"`
}
