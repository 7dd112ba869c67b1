// Package ipcclient implements the client side of the RPC runtime: a
// ClientChannel that drives a single-threaded reactor over one outbound
// SOCK_SEQPACKET socket, a monotonic-clock timeout engine sharing the same
// reactor, and an event subscription table.
package ipcclient

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/internal/wire"
	"github.com/rialtoipc/rialtoipc/ipcmessage"
	"github.com/rialtoipc/rialtoipc/rialtoerr"
	"github.com/rialtoipc/rialtoipc/rialtolog"
)

// DefaultTimeout is applied to every call awaiting a reply unless overridden
// with WithDefaultTimeout.
const DefaultTimeout = 3 * time.Second

// Completion is invoked once a call settles, successfully or not. The
// response message passed to Call was filled in place before Completion
// runs; ctrl.Failed()/Reason() report the outcome.
type Completion func(ctrl *Controller)

// NewMessage constructs a zero-valued instance of a message's concrete Go
// type, used by the event path to materialize a message before parsing.
type NewMessage func() ipcmessage.Message

type outstandingCall struct {
	serial     uint64
	deadline   time.Time
	response   ipcmessage.Message
	completion Completion
	controller *Controller
}

type eventHandler struct {
	tag        int32
	name       string
	newMessage NewMessage
	handler    func(msg ipcmessage.Message)
}

// ClientChannel is one outbound connection to a ServerCore, driving its own
// reactor over {socket, timer-fd, wake-fd} (spec §4.D).
type ClientChannel struct {
	sock    int
	epollFd int
	timerFd int
	wakeFd  int

	serial         uint64 // atomic, assigned from 1
	defaultTimeout time.Duration

	mu          sync.Mutex
	outstanding map[uint64]*outstandingCall

	eventsMu sync.Mutex
	events   map[string][]*eventHandler
	eventTag int32 // atomic

	connected atomic.Bool
	log       rialtolog.Logger
}

// Option configures a ClientChannel at construction time.
type Option func(*ClientChannel)

// WithDefaultTimeout overrides the 3 second default call timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *ClientChannel) { c.defaultTimeout = d }
}

// Dial creates a SOCK_SEQPACKET socket, connects it to path, and wraps it in
// a ClientChannel.
func Dial(path string, opts ...Option) (*ClientChannel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ipcclient: connect %s: %w", path, err)
	}

	return newChannel(fd, opts...)
}

// NewFromFD wraps an already-connected SOCK_SEQPACKET fd in a ClientChannel.
// The channel takes ownership of fd: on any construction failure it is
// closed, and on success it is closed by (*ClientChannel).Close.
func NewFromFD(fd int, opts ...Option) (*ClientChannel, error) {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil || domain != unix.AF_UNIX {
		unix.Close(fd)
		return nil, fmt.Errorf("ipcclient: fd %d is not an AF_UNIX socket", fd)
	}
	sockType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || sockType != unix.SOCK_SEQPACKET {
		unix.Close(fd)
		return nil, fmt.Errorf("ipcclient: fd %d is not SOCK_SEQPACKET", fd)
	}

	return newChannel(fd, opts...)
}

func newChannel(sock int, opts ...Option) (c *ClientChannel, err error) {
	// On any failure below, unwind every fd opened so far (spec §4.D,
	// "Failure at any step unwinds the successful prefix").
	opened := []int{sock}
	defer func() {
		if err != nil {
			for _, fd := range opened {
				unix.Close(fd)
			}
		}
	}()

	if err = unix.SetNonblock(sock, true); err != nil {
		return nil, fmt.Errorf("ipcclient: set nonblocking: %w", err)
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: epoll_create1: %w", err)
	}
	opened = append(opened, epollFd)

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: timerfd_create: %w", err)
	}
	opened = append(opened, timerFd)

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ipcclient: eventfd: %w", err)
	}
	opened = append(opened, wakeFd)

	for _, fd := range []int{sock, timerFd, wakeFd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err = unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return nil, fmt.Errorf("ipcclient: epoll_ctl add %d: %w", fd, err)
		}
	}

	c = &ClientChannel{
		sock:           sock,
		epollFd:        epollFd,
		timerFd:        timerFd,
		wakeFd:         wakeFd,
		defaultTimeout: DefaultTimeout,
		outstanding:    make(map[uint64]*outstandingCall),
		events:         make(map[string][]*eventHandler),
		log:            rialtolog.For(rialtolog.CompClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.connected.Store(true)

	return c, nil
}

// IsConnected reports whether the channel still believes its socket is live.
func (c *ClientChannel) IsConnected() bool { return c.connected.Load() }

// Call assigns a serial, sends request to serviceName/methodName, and
// arranges for completion to run (on a future process() tick) once a reply,
// error, or timeout settles the call. response is filled in place before
// completion runs. Safe to call from any goroutine (spec §4.D threading
// contract).
func (c *ClientChannel) Call(serviceName, methodName string, request, response ipcmessage.Message, completion Completion) {
	c.call(serviceName, methodName, request, response, false, completion)
}

// CallNoReply sends a fire-and-forget call: the completion (if any) runs
// immediately and no outstanding entry is created, matching a method whose
// schema marks no_reply (spec §4.D step 7).
func (c *ClientChannel) CallNoReply(serviceName, methodName string, request ipcmessage.Message, completion Completion) {
	c.call(serviceName, methodName, request, nil, true, completion)
}

func (c *ClientChannel) call(serviceName, methodName string, request, response ipcmessage.Message, noReply bool, completion Completion) {
	ctrl := &Controller{}
	fail := func(kind rialtoerr.Kind) {
		ctrl.SetFailed(kind.String())
		if completion != nil {
			completion(ctrl)
		}
	}

	serial := atomic.AddUint64(&c.serial, 1)

	body, fds, err := wire.EncodeBody(request, false)
	if err != nil {
		fail(rialtoerr.ParseFailed)
		return
	}

	env := &wire.Envelope{Kind: wire.KindCall, SerialID: serial, ServiceName: serviceName, MethodName: methodName, Body: body}
	encoded, err := wire.Encode(env)
	if err != nil {
		fail(rialtoerr.ParseFailed)
		return
	}
	if len(encoded) > wire.MaxMessageSize {
		fail(rialtoerr.MessageTooLarge)
		return
	}

	if !c.connected.Load() {
		fail(rialtoerr.ConnectionLost)
		return
	}

	c.mu.Lock()
	sendErr := wire.SendEnvelope(c.sock, env, fds)
	if sendErr != nil {
		c.mu.Unlock()
		c.log.SysErrorf(sendErr, "call %s.%s: send failed", serviceName, methodName)
		fail(rialtoerr.SendFailed)
		return
	}

	if noReply {
		c.mu.Unlock()
		if completion != nil {
			completion(ctrl)
		}
		return
	}

	c.outstanding[serial] = &outstandingCall{
		serial:     serial,
		deadline:   time.Now().Add(c.defaultTimeout),
		response:   response,
		completion: completion,
		controller: ctrl,
	}
	c.rearmTimerLocked()
	c.mu.Unlock()
}

// Subscribe registers handler for events named name, constructed with
// newMessage when one arrives, and returns a tag usable with Unsubscribe.
func (c *ClientChannel) Subscribe(name string, newMessage NewMessage, handler func(msg ipcmessage.Message)) int32 {
	tag := atomic.AddInt32(&c.eventTag, 1)

	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	c.events[name] = append(c.events[name], &eventHandler{tag: tag, name: name, newMessage: newMessage, handler: handler})
	return tag
}

// Unsubscribe removes the handler registered under tag, if any.
func (c *ClientChannel) Unsubscribe(tag int32) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	for name, handlers := range c.events {
		for i, h := range handlers {
			if h.tag == tag {
				c.events[name] = append(handlers[:i], handlers[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks up to timeoutMs for reactor activity, then returns
// IsConnected(); it does not itself drain anything, so the driving goroutine
// must follow with Process().
func (c *ClientChannel) Wait(timeoutMs int) bool {
	pfd := []unix.PollFd{{Fd: int32(c.epollFd), Events: unix.POLLIN}}
	unix.Poll(pfd, timeoutMs)
	return c.IsConnected()
}

// Disconnect removes the socket from epoll, shuts it down, closes it, and
// wakes any goroutine blocked in Wait. Outstanding calls are left to time
// out normally; use Close to fail them immediately and release every fd.
func (c *ClientChannel) Disconnect() {
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return
	}
	unix.EpollCtl(c.epollFd, unix.EPOLL_CTL_DEL, c.sock, nil)
	unix.Shutdown(c.sock, unix.SHUT_RDWR)
	unix.Close(c.sock)
	c.connected.Store(false)
	c.mu.Unlock()

	var one [8]byte
	one[7] = 1
	unix.Write(c.wakeFd, one[:])
}

// Close disconnects (if not already), completes every outstanding call as
// failed with reason "Channel destructed", and releases the epoll/timer/wake fds. The channel must
// not be used afterward.
func (c *ClientChannel) Close() {
	c.Disconnect()

	c.mu.Lock()
	pending := c.outstanding
	c.outstanding = make(map[uint64]*outstandingCall)
	c.mu.Unlock()

	for _, oc := range pending {
		oc.controller.SetFailed("Channel destructed")
		if oc.completion != nil {
			oc.completion(oc.controller)
		}
	}

	unix.Close(c.timerFd)
	unix.Close(c.wakeFd)
	unix.Close(c.epollFd)
}
