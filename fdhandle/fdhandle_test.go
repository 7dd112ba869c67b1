package fdhandle

import (
	"testing"

	"golang.org/x/sys/unix"
)

func openPipeFd(t *testing.T) int {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func TestNewDupsAndLeavesSourceOpen(t *testing.T) {
	raw := openPipeFd(t)
	defer unix.Close(raw)

	fd := New(raw)
	defer fd.Close()

	if !fd.IsValid() {
		t.Fatalf("expected valid FD")
	}
	if fd.Raw() == raw {
		t.Fatalf("New must dup, not adopt: got same fd number %d", raw)
	}

	// The source fd must still be usable.
	if err := unix.SetNonblock(raw, true); err != nil {
		t.Fatalf("source fd no longer valid: %v", err)
	}
}

func TestNewNegativeIsNone(t *testing.T) {
	fd := New(-1)
	if fd.IsValid() {
		t.Fatalf("expected none FD")
	}
	if fd.Raw() != -1 {
		t.Fatalf("Raw() = %d, want -1", fd.Raw())
	}
}

func TestCloneDupsIndependently(t *testing.T) {
	raw := openPipeFd(t)
	defer unix.Close(raw)

	a := New(raw)
	defer a.Close()

	b := a.Clone()
	defer b.Close()

	if a.Raw() == b.Raw() {
		t.Fatalf("Clone must produce a distinct descriptor")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close a: %v", err)
	}
	// b must remain valid after a is closed.
	if err := unix.SetNonblock(b.Raw(), true); err != nil {
		t.Fatalf("clone no longer valid after original closed: %v", err)
	}
}

func TestReleaseForgetsWithoutClosing(t *testing.T) {
	raw := openPipeFd(t)
	defer unix.Close(raw)

	fd := New(raw)
	released := fd.Release()

	if fd.IsValid() {
		t.Fatalf("expected none after Release")
	}
	// released must still be open; caller now owns it.
	if err := unix.SetNonblock(released, true); err != nil {
		t.Fatalf("released fd should still be open: %v", err)
	}
	unix.Close(released)
}

func TestResetClosesPrior(t *testing.T) {
	raw1 := openPipeFd(t)
	defer unix.Close(raw1)
	raw2 := openPipeFd(t)
	defer unix.Close(raw2)

	fd := New(raw1)
	prior := fd.Raw()
	var before unix.Stat_t
	if err := unix.Fstat(prior, &before); err != nil {
		t.Fatalf("Fstat prior: %v", err)
	}

	fd.Reset(raw2)

	// Reset closes prior before dup'ing raw2, so the dup may be handed the
	// same number back; prior must no longer name raw1's pipe either way.
	var after unix.Stat_t
	if err := unix.Fstat(prior, &after); err == nil && after.Ino == before.Ino {
		t.Fatalf("expected prior descriptor %d to be closed", prior)
	}
	if !fd.IsValid() {
		t.Fatalf("expected fd to be valid after reset")
	}

	fd.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	raw := openPipeFd(t)
	fd := New(raw)

	if err := fd.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := fd.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
	if fd.IsValid() {
		t.Fatalf("expected none after Close")
	}
}
