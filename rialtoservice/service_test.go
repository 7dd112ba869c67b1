package rialtoservice

import (
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/ipcclient"
	"github.com/rialtoipc/rialtoipc/ipcserver"
)

func pumpUntil(t *testing.T, s *ipcserver.ServerCore, c *ipcclient.ClientChannel, done func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		s.Process()
		c.Process()
		if done() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func newServerAndClient(t *testing.T) (*ipcserver.ServerCore, *ipcclient.ClientChannel) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "rialto.sock")

	s, err := ipcserver.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)

	connected := make(chan uint64, 1)
	if err := s.AddSocket(sockPath, func(id uint64) { connected <- id }, nil); err != nil {
		t.Fatalf("AddSocket: %v", err)
	}

	c, err := ipcclient.Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)

	for i := 0; i < 200; i++ {
		s.Process()
		select {
		case <-connected:
			return s, c
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	t.Fatalf("client never connected")
	return nil, nil
}

func TestPingServiceDoublesSeq(t *testing.T) {
	s, c := newServerAndClient(t)
	s.Register(NewPingService())

	req := &PingRequest{Seq: 21}
	resp := &PingResponse{}
	var gotCtrl *ipcclient.Controller
	c.Call("ping", "Ping", req, resp, func(ctrl *ipcclient.Controller) { gotCtrl = ctrl })

	pumpUntil(t, s, c, func() bool { return gotCtrl != nil })

	if gotCtrl.Failed() {
		t.Fatalf("call failed: %s", gotCtrl.Reason())
	}
	if resp.Seq != 42 {
		t.Fatalf("resp.Seq = %d, want 42", resp.Seq)
	}
}

func TestSharedBufferAllocTransfersWritableFD(t *testing.T) {
	s, c := newServerAndClient(t)
	s.Register(NewSharedBufferService())

	req := &AllocRequest{SizeBytes: 4096}
	resp := &AllocResponse{}
	var gotCtrl *ipcclient.Controller
	c.Call("sharedbuffer", "Alloc", req, resp, func(ctrl *ipcclient.Controller) { gotCtrl = ctrl })

	pumpUntil(t, s, c, func() bool { return gotCtrl != nil })

	if gotCtrl.Failed() {
		t.Fatalf("call failed: %s", gotCtrl.Reason())
	}
	if resp.Size != 4096 {
		t.Fatalf("resp.Size = %d, want 4096", resp.Size)
	}
	if resp.FD <= 0 {
		t.Fatalf("resp.FD = %d, want a valid positive fd", resp.FD)
	}
	defer unix.Close(int(resp.FD))

	payload := []byte("rialtoipc")
	if _, err := unix.Pwrite(int(resp.FD), payload, 0); err != nil {
		t.Fatalf("Pwrite into transferred fd: %v", err)
	}
	readBack := make([]byte, len(payload))
	if _, err := unix.Pread(int(resp.FD), readBack, 0); err != nil {
		t.Fatalf("Pread from transferred fd: %v", err)
	}
	if string(readBack) != string(payload) {
		t.Fatalf("readBack = %q, want %q", readBack, payload)
	}
}

func TestSharedBufferAllocRejectsOversizedRequest(t *testing.T) {
	s, c := newServerAndClient(t)
	s.Register(NewSharedBufferService())

	req := &AllocRequest{SizeBytes: maxAllocBytes + 1}
	resp := &AllocResponse{}
	var gotCtrl *ipcclient.Controller
	c.Call("sharedbuffer", "Alloc", req, resp, func(ctrl *ipcclient.Controller) { gotCtrl = ctrl })

	pumpUntil(t, s, c, func() bool { return gotCtrl != nil })

	if !gotCtrl.Failed() {
		t.Fatalf("expected failure for an oversized allocation request")
	}
}
