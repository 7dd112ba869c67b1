package wire

import (
	"fmt"

	"github.com/rialtoipc/rialtoipc/fdhandle"
	"github.com/rialtoipc/rialtoipc/ipcmessage"
)

// EncodeBody marshals msg to bytes and returns the ordered list of fd
// values its is_fd fields carried at call time (spec §4.C step 2). When
// zeroFdFields is true (replies and events, per spec §4.C step 2 "for a
// reply/event... overwrite those fields with -1"), the tagged fields are
// rewritten to -1 in msg before marshaling, so the wire bytes carry no
// real fd number; calls leave the fields untouched and send the actual
// numbers in the body (spec §4.D.4).
func EncodeBody(msg ipcmessage.Message, zeroFdFields bool) (body []byte, fds []int32, err error) {
	refs, err := ipcmessage.FdFields(msg)
	if err != nil {
		return nil, nil, err
	}

	for _, r := range refs {
		if r.Present {
			fds = append(fds, r.Get())
		}
	}

	if zeroFdFields {
		for _, r := range refs {
			if r.Present {
				r.Set(-1)
			}
		}
	}

	body, err = ipcmessage.Marshal(msg)
	if err != nil {
		return nil, nil, err
	}
	return body, fds, nil
}

// DecodeBody parses body into msg, then spliced the received fds into
// msg's is_fd-tagged fields in declaration order and releases them from
// owned into msg's care (spec §4.C step 4): the returned fds are consumed
// and must not be closed by the caller.
func DecodeBody(body []byte, msg ipcmessage.Message, fds []fdhandle.FD) error {
	if err := ipcmessage.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("wire: unmarshal body: %w", err)
	}

	refs, err := ipcmessage.FdFields(msg)
	if err != nil {
		return err
	}

	presentCount := 0
	for _, r := range refs {
		if r.Present {
			presentCount++
		}
	}
	if presentCount != len(fds) {
		for _, f := range fds {
			f.Close()
		}
		return fmt.Errorf("wire: mismatched file descriptors: body has %d is_fd fields set, received %d", presentCount, len(fds))
	}

	i := 0
	for _, r := range refs {
		if !r.Present {
			continue
		}
		f := fds[i]
		r.Set(int32(f.Release()))
		i++
	}

	return nil
}
