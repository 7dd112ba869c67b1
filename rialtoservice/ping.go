// Package rialtoservice collects small demonstration services that
// exercise ipcserver/ipcclient end to end: a no-fd echo service and an
// fd-transferring shared-buffer service, standing in for the
// out-of-scope MediaPipeline/MediaKeys collaborators as a runnable proof
// of the RPC contract.
package rialtoservice

import "github.com/rialtoipc/rialtoipc/ipcmessage"

// PingRequest carries an arbitrary sequence number for the client to
// correlate against PingResponse.
type PingRequest struct {
	ipcmessage.Named
	Seq int32 `json:"seq"`
}

// PingResponse echoes Seq back, doubled, so a caller can tell the
// request was actually processed rather than looped back locally.
type PingResponse struct {
	ipcmessage.Named
	Seq int32 `json:"seq"`
}
