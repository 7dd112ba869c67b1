// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fdhandle provides FD, an owning wrapper around a kernel file
// descriptor with deterministic dup-on-copy, close-on-drop semantics.
package fdhandle

import (
	"golang.org/x/sys/unix"
)

// FD is an owned kernel file descriptor, or none. The zero value is a valid
// "no descriptor" FD.
//
// A non-none FD is always close-on-exec. New and Clone both dup the source
// fd under O_CLOEXEC, so the caller's own copy is left untouched and may be
// closed independently.
type FD struct {
	fd int
}

// invalid marks the "no descriptor" state, mirroring the -1 sentinel the
// originating C++ FileDescriptor type used.
const invalid = -1

// New dups raw under close-on-exec and returns an FD owning the copy. raw
// itself is never touched: the caller retains ownership of it. Passing a
// negative raw yields a none FD.
func New(raw int) FD {
	if raw < 0 {
		return FD{fd: invalid}
	}

	dupped, err := unix.FcntlInt(uintptr(raw), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return FD{fd: invalid}
	}

	return FD{fd: dupped}
}

// Clone dups f's descriptor under close-on-exec. Cloning a none FD yields a
// none FD.
func (f FD) Clone() FD {
	return New(f.fd)
}

// IsValid reports whether f owns an open descriptor.
func (f FD) IsValid() bool {
	return f.fd >= 0
}

// Raw returns the underlying descriptor number, or -1 if none. The returned
// number remains owned by f; the caller must not close it directly.
func (f FD) Raw() int {
	return f.fd
}

// Reset closes the descriptor f currently owns (if any) and adopts a dup of
// newRaw (or none, if newRaw is negative).
func (f *FD) Reset(newRaw int) {
	f.Close()
	*f = New(newRaw)
}

// Release returns the raw descriptor number and forgets it: f transitions to
// none without closing anything. The caller becomes the sole owner of the
// returned descriptor.
func (f *FD) Release() int {
	raw := f.fd
	f.fd = invalid
	return raw
}

// Close closes the owned descriptor, if any, and transitions f to none.
// Close is safe to call on an already-none or already-closed FD.
func (f *FD) Close() error {
	if f.fd < 0 {
		return nil
	}

	raw := f.fd
	f.fd = invalid
	return unix.Close(raw)
}
