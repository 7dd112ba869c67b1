package rialtoservice

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/ipcmessage"
)

// AllocRequest asks the sharedbuffer service for a zero-filled anonymous
// buffer of SizeBytes.
type AllocRequest struct {
	ipcmessage.Named
	SizeBytes int64 `json:"size_bytes"`
}

// AllocResponse carries the new buffer back as a transferred fd. FD is
// overwritten with -1 by the transport codec before the body is marshaled (spec.md
// §4.C step 2) and spliced back in by the caller's side after receipt.
type AllocResponse struct {
	ipcmessage.Named
	FD   int32 `json:"fd" rialtoipc:"fd"`
	Size int64 `json:"size_bytes"`
}

const maxAllocBytes = 64 * 1024 * 1024

// newAnonBuffer creates a memfd, sizes it to n bytes with ftruncate, and
// returns it, owned by the caller. No file seals are applied.
func newAnonBuffer(n int64) (int, error) {
	if n <= 0 || n > maxAllocBytes {
		return -1, fmt.Errorf("rialtoservice: alloc size %d out of range (0, %d]", n, maxAllocBytes)
	}

	fd, err := unix.MemfdCreate("rialtoipc-sharedbuffer", unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("rialtoservice: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, n); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("rialtoservice: ftruncate: %w", err)
	}

	return fd, nil
}
