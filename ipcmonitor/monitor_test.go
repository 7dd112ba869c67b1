package ipcmonitor

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/internal/wire"
	"github.com/rialtoipc/rialtoipc/ipcmessage"
)

func socketpair(t *testing.T) (tapEnd int, peerEnd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func recvMonitorMessage(t *testing.T, fd int) *Message {
	t.Helper()
	res, err := wire.RecvEnvelope(fd, 0)
	if err != nil {
		t.Fatalf("RecvEnvelope: %v", err)
	}
	if res.Truncated || res.EOF {
		t.Fatalf("unexpected truncated=%v eof=%v", res.Truncated, res.EOF)
	}
	if res.Envelope.Kind != wire.KindEvent || res.Envelope.EventName != typeName {
		t.Fatalf("got kind=%v eventName=%q", res.Envelope.Kind, res.Envelope.EventName)
	}

	msg := &Message{}
	if err := ipcmessage.Unmarshal(res.Envelope.Body, msg); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	return msg
}

func TestRegisterTapPublishesRoster(t *testing.T) {
	tap := New()
	tapEnd, peerEnd := socketpair(t)

	if err := tap.RegisterTap(tapEnd, []uint64{10000, 10001}, []int32{100, 200}, []uint32{1000, 2000}, []uint32{1000, 2000}); err != nil {
		t.Fatalf("RegisterTap: %v", err)
	}

	msg := recvMonitorMessage(t, peerEnd)
	if msg.Kind != KindRoster {
		t.Fatalf("kind = %v, want KindRoster", msg.Kind)
	}
	if len(msg.CurrentClients) != 2 || msg.CurrentClients[0].ClientID != 10000 || msg.CurrentClients[1].ClientID != 10001 {
		t.Fatalf("CurrentClients = %v", msg.CurrentClients)
	}
	if msg.CurrentClients[0].Pid != 100 || msg.CurrentClients[0].Uid != 1000 || msg.CurrentClients[0].Gid != 1000 {
		t.Fatalf("CurrentClients[0] creds = %+v", msg.CurrentClients[0])
	}
}

func TestRegisterTapRejectsListeningSocket(t *testing.T) {
	tap := New()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	path := filepath.Join(t.TempDir(), "listener.sock")
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := tap.RegisterTap(fd, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for a listening socket")
	}
}

func TestRegisterTapRejectsNonSocket(t *testing.T) {
	tap := New()

	f, err := os.CreateTemp(t.TempDir(), "notasocket")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if err := tap.RegisterTap(int(f.Fd()), nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error for a non-socket fd")
	}
}

func TestOnClientConnectedBroadcasts(t *testing.T) {
	tap := New()
	tapEnd, peerEnd := socketpair(t)

	if err := tap.RegisterTap(tapEnd, nil, nil, nil, nil); err != nil {
		t.Fatalf("RegisterTap: %v", err)
	}
	recvMonitorMessage(t, peerEnd) // roster

	tap.OnClientConnected(10042, 100, 1000, 1000)
	msg := recvMonitorMessage(t, peerEnd)
	if msg.Kind != KindConnect || msg.ClientID != 10042 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Pid != 100 || msg.Uid != 1000 || msg.Gid != 1000 {
		t.Fatalf("creds = pid=%d uid=%d gid=%d", msg.Pid, msg.Uid, msg.Gid)
	}
}

func TestOnCallDispatchedBroadcasts(t *testing.T) {
	tap := New()
	tapEnd, peerEnd := socketpair(t)

	if err := tap.RegisterTap(tapEnd, nil, nil, nil, nil); err != nil {
		t.Fatalf("RegisterTap: %v", err)
	}
	recvMonitorMessage(t, peerEnd) // roster

	tap.OnCallDispatched(10042, "svc", "Ping")
	msg := recvMonitorMessage(t, peerEnd)
	if msg.Kind != KindCallDispatch || msg.ServiceName != "svc" || msg.MethodName != "Ping" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestBroadcastDropsDeadTap(t *testing.T) {
	tap := New()
	tapEnd, peerEnd := socketpair(t)

	if err := tap.RegisterTap(tapEnd, nil, nil, nil, nil); err != nil {
		t.Fatalf("RegisterTap: %v", err)
	}
	recvMonitorMessage(t, peerEnd) // roster

	unix.Close(peerEnd)

	tap.OnClientDisconnected(10042)

	tap.mu.Lock()
	_, stillThere := tap.socks[tapEnd]
	tap.mu.Unlock()
	if stillThere {
		t.Fatalf("dead tap fd was not removed after a failed write")
	}
}
