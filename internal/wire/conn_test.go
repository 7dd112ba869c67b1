package wire

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSendRecvEnvelopeRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	env := &Envelope{
		Kind:        KindCall,
		SerialID:    5,
		ServiceName: "svc",
		MethodName:  "Ping",
		Body:        []byte(`{"x":1}`),
	}
	if err := SendEnvelope(a, env, nil); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}

	res, err := RecvEnvelope(b, MaxFdsServer)
	if err != nil {
		t.Fatalf("RecvEnvelope: %v", err)
	}
	if res.EOF || res.Truncated {
		t.Fatalf("unexpected EOF=%v Truncated=%v", res.EOF, res.Truncated)
	}
	if res.Envelope.SerialID != 5 || res.Envelope.ServiceName != "svc" || res.Envelope.MethodName != "Ping" {
		t.Fatalf("got %+v", res.Envelope)
	}
	if len(res.Fds) != 0 {
		t.Fatalf("expected no fds, got %d", len(res.Fds))
	}
}

func TestSendRecvEnvelopeCarriesFds(t *testing.T) {
	a, b := socketpair(t)

	var p [2]int
	err := unix.Pipe2(p[:], unix.O_CLOEXEC)
	pr, pw := p[0], p[1]
	if err == unix.ENOSYS {
		t.Skip("Pipe2 unsupported")
	}
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pw)

	env := &Envelope{Kind: KindReply, ReplyID: 9, Body: []byte(`{"fd":1,"size":4}`)}
	if err := SendEnvelope(a, env, []int32{int32(pr)}); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	unix.Close(pr)

	res, err := RecvEnvelope(b, MaxFdsClient)
	if err != nil {
		t.Fatalf("RecvEnvelope: %v", err)
	}
	if len(res.Fds) != 1 {
		t.Fatalf("expected 1 received fd, got %d", len(res.Fds))
	}
	defer res.Fds[0].Close()

	if !res.Fds[0].IsValid() {
		t.Fatalf("received fd handle is not valid")
	}

	buf := make([]byte, 4)
	if _, err := unix.Write(pw, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, err := unix.Read(res.Fds[0].Raw(), buf)
	if err != nil {
		t.Fatalf("read from received fd: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want ping", buf[:n])
	}
}

func TestRecvEnvelopeDetectsEOF(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(a)

	res, err := RecvEnvelope(b, MaxFdsServer)
	if err != nil {
		t.Fatalf("RecvEnvelope: %v", err)
	}
	if !res.EOF {
		t.Fatalf("expected EOF after peer close")
	}
}

func TestRecvEnvelopeOverCapClosesOverflowFds(t *testing.T) {
	a, b := socketpair(t)

	var fds []int32
	var raws []int
	for i := 0; i < 3; i++ {
		var p [2]int
		err := unix.Pipe2(p[:], unix.O_CLOEXEC)
		pr, pw := p[0], p[1]
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		defer unix.Close(pw)
		fds = append(fds, int32(pr))
		raws = append(raws, pr)
	}

	env := &Envelope{Kind: KindEvent, EventName: "ev", Body: []byte(`{}`)}
	if err := SendEnvelope(a, env, fds); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	for _, r := range raws {
		unix.Close(r)
	}

	res, err := RecvEnvelope(b, 1)
	if err != nil {
		t.Fatalf("RecvEnvelope: %v", err)
	}
	if len(res.Fds) != 1 {
		t.Fatalf("expected 1 fd within cap, got %d", len(res.Fds))
	}
	res.Fds[0].Close()
}

func TestSendEnvelopeRejectsOversizedBody(t *testing.T) {
	a, _ := socketpair(t)

	env := &Envelope{Kind: KindReply, ReplyID: 1, Body: make([]byte, MaxMessageSize+1)}
	if err := SendEnvelope(a, env, nil); err == nil {
		t.Fatalf("expected error for oversized body")
	}
}
