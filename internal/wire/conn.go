package wire

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/fdhandle"
)

// MaxFdsClient and MaxFdsServer are the two inbound-fd caps spec §4.C and
// §9 describe: 16 on every server recv path, 32 on the client's reply/
// event recv path. Both are retained unmodified rather than unified,
// since tightening the server limit would break clients that send up
// to 32.
const (
	MaxFdsClient = 32
	MaxFdsServer = 16

	// recvCtrlCap sizes the shared ancillary-data receive buffer large
	// enough for the larger of the two caps; the per-side cap is then
	// enforced on the parsed fd list, not on the buffer itself.
	recvCtrlCap = MaxFdsClient
)

// RetryEINTR re-issues op as long as it reports EINTR, mirroring
// TEMP_FAILURE_RETRY (spec §9). SendEnvelope and RecvEnvelope wrap sendmsg
// and recvmsg with it. The ipcclient/ipcserver reactors call epoll_wait,
// poll and their timer/eventfd reads and writes directly, without it: an
// EINTR there ends that Process tick or Wait call early.
func RetryEINTR(op func() error) error {
	for {
		err := op()
		if err != unix.EINTR {
			return err
		}
	}
}

// SendEnvelope serializes env, appends fds as SCM_RIGHTS ancillary data,
// and sends it as a single datagram. A short write or any sendmsg error
// means the fds were not transferred: kernel semantics leave the sender as
// owner (spec §3-inv1), so callers must not assume fds crossed on error.
func SendEnvelope(fd int, env *Envelope, fds []int32) error {
	body, err := Encode(env)
	if err != nil {
		return err
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("wire: encoded envelope is %d bytes, exceeds %d byte cap", len(body), MaxMessageSize)
	}

	var oob []byte
	if len(fds) > 0 {
		ints := make([]int, len(fds))
		for i, v := range fds {
			ints[i] = int(v)
		}
		oob = unix.UnixRights(ints...)
	}

	return RetryEINTR(func() error {
		n, err := unix.SendmsgN(fd, body, oob, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			return err
		}
		if n != len(body) {
			return fmt.Errorf("wire: short write: sent %d of %d bytes", n, len(body))
		}
		return nil
	})
}

// RecvResult is the outcome of a single recvmsg call.
type RecvResult struct {
	Envelope  *Envelope
	Fds       []fdhandle.FD
	Truncated bool // MSG_TRUNC or MSG_CTRUNC was set; Envelope is nil, any Fds were drained-and-closed already
	EOF       bool // zero-length read: peer has closed its end
}

// RecvEnvelope reads exactly one datagram and, unless it was truncated or
// the peer hung up, decodes it and dups every received fd (closing the
// kernel's copy as it goes, so even an over-cap overflow still closes the
// sender's transferred descriptors). maxFds is MaxFdsClient or
// MaxFdsServer depending on the caller's role.
func RecvEnvelope(fd int, maxFds int) (RecvResult, error) {
	data := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(recvCtrlCap*4))

	var n, oobn, recvFlags int
	err := RetryEINTR(func() error {
		var rerr error
		n, oobn, recvFlags, _, rerr = unix.Recvmsg(fd, data, oob, unix.MSG_CMSG_CLOEXEC)
		return rerr
	})
	if err != nil {
		return RecvResult{}, err
	}

	if n == 0 && oobn == 0 {
		return RecvResult{EOF: true}, nil
	}

	rawFds, parseErr := parseRights(oob[:oobn])

	if recvFlags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeAll(rawFds)
		return RecvResult{Truncated: true}, nil
	}
	if parseErr != nil {
		closeAll(rawFds)
		return RecvResult{}, fmt.Errorf("wire: parsing SCM_RIGHTS: %w", parseErr)
	}

	var fds []fdhandle.FD
	for i, raw := range rawFds {
		if i >= maxFds {
			unix.Close(raw)
			continue
		}
		owned := fdhandle.New(raw)
		unix.Close(raw)
		fds = append(fds, owned)
	}

	env, err := Decode(data[:n])
	if err != nil {
		for _, f := range fds {
			f.Close()
		}
		return RecvResult{}, fmt.Errorf("wire: decode: %w", err)
	}

	return RecvResult{Envelope: env, Fds: fds}, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}

	var fds []int
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			return fds, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
