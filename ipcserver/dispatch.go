package ipcserver

import (
	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/fdhandle"
	"github.com/rialtoipc/rialtoipc/internal/wire"
	"github.com/rialtoipc/rialtoipc/ipcmessage"
	"github.com/rialtoipc/rialtoipc/rialtoerr"
)

// dispatchCall implements spec §4.E's dispatch-of-a-Call algorithm: service
// and method lookup, request deserialization, controller construction, and
// handler invocation with a reply closure bound to this call's reply_id.
func (s *ServerCore) dispatchCall(cl *client, env *wire.Envelope, fds []fdhandle.FD) {
	svc, ok := s.services.lookup(env.ServiceName)
	if !ok {
		for _, f := range fds {
			f.Close()
		}
		s.sendError(cl.id, env.SerialID, rialtoerr.UnknownService.String())
		return
	}

	method, ok := svc.method(env.MethodName)
	if !ok {
		for _, f := range fds {
			f.Close()
		}
		s.sendError(cl.id, env.SerialID, rialtoerr.UnknownMethod.String())
		return
	}

	s.monitor.OnCallDispatched(cl.id, env.ServiceName, env.MethodName)

	request := method.NewRequest()
	if err := wire.DecodeBody(env.Body, request, fds); err != nil {
		s.sendError(cl.id, env.SerialID, err.Error())
		return
	}

	ctrl := &Controller{ClientID: cl.id, SerialID: env.SerialID, Pid: cl.pid, Uid: cl.uid, Gid: cl.gid}

	if method.NoReply {
		method.Handle(ctrl, request, func(ipcmessage.Message) {})
		return
	}

	respond := func(response ipcmessage.Message) {
		if ctrl.Failed() {
			s.sendError(ctrl.ClientID, ctrl.SerialID, ctrl.Reason())
			return
		}

		body, outFds, err := wire.EncodeBody(response, true)
		if err != nil {
			s.sendError(ctrl.ClientID, ctrl.SerialID, rialtoerr.ParseFailed.String())
			return
		}
		if len(body) > wire.MaxMessageSize {
			for _, fd := range outFds {
				unix.Close(int(fd))
			}
			s.sendError(ctrl.ClientID, ctrl.SerialID, rialtoerr.MessageTooLarge.String())
			return
		}

		replyEnv := &wire.Envelope{Kind: wire.KindReply, ReplyID: ctrl.SerialID, Body: body}
		if s.sendEnvelopeToClient(ctrl.ClientID, replyEnv, outFds) {
			s.monitor.OnReplySent(ctrl.ClientID)
		}
	}

	method.Handle(ctrl, request, respond)
}

func (s *ServerCore) sendError(clientID, replyID uint64, reason string) {
	env := &wire.Envelope{Kind: wire.KindError, ReplyID: replyID, Reason: reason}
	if s.sendEnvelopeToClient(clientID, env, nil) {
		s.monitor.OnErrorSent(clientID, reason)
	}
}

// SendEvent frames eventMsg as an Event envelope and sends it to clientID.
// It reports false if the client is no longer connected (spec §4.E
// send_event). Safe to call from any goroutine.
func (s *ServerCore) SendEvent(clientID uint64, eventMsg ipcmessage.Message) bool {
	body, fds, err := wire.EncodeBody(eventMsg, true)
	if err != nil {
		return false
	}
	env := &wire.Envelope{Kind: wire.KindEvent, EventName: eventMsg.TypeName(), Body: body}
	ok := s.sendEnvelopeToClient(clientID, env, fds)
	if ok {
		s.monitor.OnEventSent(clientID, eventMsg.TypeName())
	}
	return ok
}

// sendEnvelopeToClient looks clientID up under the clients lock and, if
// still connected, sends env inline on the caller's goroutine (spec §4.E
// send_reply: "under the clients-lock, look up the client ... sendmsg").
// A partial write is treated as a lost reply; SOCK_SEQPACKET delivers a
// full datagram or none, so there is nothing to retry.
func (s *ServerCore) sendEnvelopeToClient(clientID uint64, env *wire.Envelope, fds []int32) bool {
	s.clientsMu.Lock()
	cl, ok := s.clientsByID[clientID]
	if !ok || cl.disconnected {
		s.clientsMu.Unlock()
		for _, fd := range fds {
			unix.Close(int(fd))
		}
		return false
	}
	err := wire.SendEnvelope(cl.fd, env, fds)
	s.clientsMu.Unlock()

	if err != nil {
		s.log.SysErrorf(err, "send to client %d failed", clientID)
		return false
	}
	return true
}

func (s *ServerCore) dispatchMonitorRegister(cl *client, fds []fdhandle.FD) {
	if len(fds) != 1 {
		for _, f := range fds {
			f.Close()
		}
		s.log.Warnf("client %d: MonitorRegister carried %d fds, want 1", cl.id, len(fds))
		return
	}

	s.clientsMu.Lock()
	ids := make([]uint64, 0, len(s.clientsByID))
	pids := make([]int32, 0, len(s.clientsByID))
	uids := make([]uint32, 0, len(s.clientsByID))
	gids := make([]uint32, 0, len(s.clientsByID))
	for id, c := range s.clientsByID {
		ids = append(ids, id)
		pids = append(pids, c.pid)
		uids = append(uids, c.uid)
		gids = append(gids, c.gid)
	}
	s.clientsMu.Unlock()

	if err := s.monitor.RegisterTap(fds[0].Release(), ids, pids, uids, gids); err != nil {
		s.log.Warnf("client %d: monitor registration failed: %v", cl.id, err)
	}
}
