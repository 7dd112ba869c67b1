package rialtoservice

import (
	"github.com/rialtoipc/rialtoipc/ipcmessage"
	"github.com/rialtoipc/rialtoipc/ipcserver"
	"github.com/rialtoipc/rialtoipc/rialtolog"
)

// NewPingService builds a "ping" service with a single Ping method that
// carries no file descriptors: request in, doubled response out. It
// exists to exercise the plain call/reply path without the added
// complexity of fd splicing.
func NewPingService() *ipcserver.Service {
	svc := ipcserver.NewService("ping")
	svc.AddMethod(ipcserver.Method{
		Name:        "Ping",
		NewRequest:  func() ipcmessage.Message { return &PingRequest{} },
		NewResponse: func() ipcmessage.Message { return &PingResponse{} },
		Handle: func(ctrl *ipcserver.Controller, request ipcmessage.Message, respond ipcserver.Respond) {
			req := request.(*PingRequest)
			respond(&PingResponse{
				Named: ipcmessage.Named{Name: "ping.PingResponse"},
				Seq:   req.Seq * 2,
			})
		},
	})
	return svc
}

// NewSharedBufferService builds a "sharedbuffer" service whose Alloc
// method hands the caller a freshly created, sized, anonymous memfd: the
// demonstration of the fd-transfer path (spec.md §3-inv1/§4.C).
func NewSharedBufferService() *ipcserver.Service {
	log := rialtolog.For(rialtolog.CompServer)

	svc := ipcserver.NewService("sharedbuffer")
	svc.AddMethod(ipcserver.Method{
		Name:        "Alloc",
		NewRequest:  func() ipcmessage.Message { return &AllocRequest{} },
		NewResponse: func() ipcmessage.Message { return &AllocResponse{} },
		Handle: func(ctrl *ipcserver.Controller, request ipcmessage.Message, respond ipcserver.Respond) {
			req := request.(*AllocRequest)
			fd, err := newAnonBuffer(req.SizeBytes)
			if err != nil {
				log.SysErrorf(err, "sharedbuffer: Alloc(%d) failed for client %d", req.SizeBytes, ctrl.ClientID)
				ctrl.SetFailed(err.Error())
				respond(&AllocResponse{})
				return
			}
			respond(&AllocResponse{
				Named: ipcmessage.Named{Name: "sharedbuffer.AllocResponse"},
				FD:    int32(fd),
				Size:  req.SizeBytes,
			})
		},
	})
	return svc
}
