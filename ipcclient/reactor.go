package ipcclient

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/fdhandle"
	"github.com/rialtoipc/rialtoipc/internal/wire"
)

// Process runs one non-blocking reactor tick: it drains whichever of
// {socket, timer, wake} fired, dispatching replies/errors/events to their
// completions/handlers and failing timed-out calls. Exactly one goroutine
// is expected to call Process/Wait for a given channel (spec §4.D threading
// contract); Call/Subscribe/Unsubscribe/Disconnect may run concurrently
// with it from any goroutine.
func (c *ClientChannel) Process() {
	var events [3]unix.EpollEvent
	n, err := unix.EpollWait(c.epollFd, events[:], 0)
	if err != nil || n == 0 {
		return
	}

	for _, ev := range events[:n] {
		switch int(ev.Fd) {
		case c.sock:
			c.drainSocket()
		case c.timerFd:
			c.handleTimerExpiry()
		case c.wakeFd:
			var buf [8]byte
			unix.Read(c.wakeFd, buf[:])
		}
	}
}

func (c *ClientChannel) drainSocket() {
	for {
		res, err := wire.RecvEnvelope(c.sock, wire.MaxFdsClient)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.log.SysErrorf(err, "recv failed, disconnecting")
			c.Disconnect()
			return
		}
		if res.EOF {
			c.Disconnect()
			return
		}
		if res.Truncated {
			c.log.Warnf("dropped truncated datagram")
			continue
		}

		switch res.Envelope.Kind {
		case wire.KindReply:
			c.handleReply(res.Envelope, res.Fds)
		case wire.KindError:
			c.handleError(res.Envelope)
		case wire.KindEvent:
			c.handleEvent(res.Envelope, res.Fds)
		default:
			c.log.Warnf("unexpected envelope kind %s on client channel", res.Envelope.Kind)
		}
	}
}

func (c *ClientChannel) handleReply(env *wire.Envelope, fds []fdhandle.FD) {
	c.mu.Lock()
	oc, ok := c.outstanding[env.ReplyID]
	if ok {
		delete(c.outstanding, env.ReplyID)
		c.rearmTimerLocked()
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("reply for unknown serial %d", env.ReplyID)
		return
	}

	if oc.response != nil {
		if err := wire.DecodeBody(env.Body, oc.response, fds); err != nil {
			oc.controller.SetFailed(err.Error())
		}
	}
	if oc.completion != nil {
		oc.completion(oc.controller)
	}
}

func (c *ClientChannel) handleError(env *wire.Envelope) {
	c.mu.Lock()
	oc, ok := c.outstanding[env.ReplyID]
	if ok {
		delete(c.outstanding, env.ReplyID)
		c.rearmTimerLocked()
	}
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("error reply for unknown serial %d", env.ReplyID)
		return
	}

	oc.controller.SetFailed(env.Reason)
	if oc.completion != nil {
		oc.completion(oc.controller)
	}
}

func (c *ClientChannel) handleEvent(env *wire.Envelope, fds []fdhandle.FD) {
	c.eventsMu.Lock()
	handlers := append([]*eventHandler(nil), c.events[env.EventName]...)
	c.eventsMu.Unlock()
	if len(handlers) == 0 {
		return
	}

	msg := handlers[0].newMessage()
	if err := wire.DecodeBody(env.Body, msg, fds); err != nil {
		c.log.Warnf("event %s: %v", env.EventName, err)
		return
	}

	for _, h := range handlers {
		h.handler(msg)
	}
}

func (c *ClientChannel) handleTimerExpiry() {
	var buf [8]byte
	unix.Read(c.timerFd, buf[:])

	now := time.Now()
	c.mu.Lock()
	var expired []*outstandingCall
	for serial, oc := range c.outstanding {
		if !oc.deadline.After(now) {
			expired = append(expired, oc)
			delete(c.outstanding, serial)
		}
	}
	c.rearmTimerLocked()
	c.mu.Unlock()

	for _, oc := range expired {
		oc.controller.SetFailed("Timed out")
		if oc.completion != nil {
			oc.completion(oc.controller)
		}
	}
}

// rearmTimerLocked re-programs c.timerFd to the minimum deadline across
// outstanding calls, or disarms it when empty (spec §4.F). c.mu must be
// held.
func (c *ClientChannel) rearmTimerLocked() {
	if len(c.outstanding) == 0 {
		unix.TimerfdSettime(c.timerFd, 0, &unix.ItimerSpec{}, nil)
		return
	}

	min := time.Time{}
	for _, oc := range c.outstanding {
		if min.IsZero() || oc.deadline.Before(min) {
			min = oc.deadline
		}
	}

	dur := time.Until(min)
	if dur <= 0 {
		dur = time.Microsecond
	}

	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(dur.Nanoseconds()),
	}
	unix.TimerfdSettime(c.timerFd, 0, spec, nil)
}
