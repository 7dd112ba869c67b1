// A small tool for exercising the ping/sharedbuffer demo services against
// a running rialto-echo-server, in the manner of jacobsa/fuse's
// samples/mount_* binaries.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rialtoipc/rialtoipc/ipcclient"
	"github.com/rialtoipc/rialtoipc/rialtoservice"
)

var (
	fSocket = flag.String("socket", "", "Path of the server's SOCK_SEQPACKET socket.")
	fSeq    = flag.Int("x", 1, "Sequence number to send to the ping service.")
	fAlloc  = flag.Int64("alloc", 0, "If nonzero, call sharedbuffer.Alloc with this many bytes instead of ping.")
)

func main() {
	flag.Parse()

	if *fSocket == "" {
		log.Fatalf("you must set -socket")
	}

	c, err := ipcclient.Dial(*fSocket)
	if err != nil {
		log.Fatalf("Dial(%s): %v", *fSocket, err)
	}
	defer c.Close()

	if *fAlloc > 0 {
		runAlloc(c, *fAlloc)
		return
	}
	runPing(c, int32(*fSeq))
}

func runPing(c *ipcclient.ClientChannel, seq int32) {
	req := &rialtoservice.PingRequest{Seq: seq}
	resp := &rialtoservice.PingResponse{}
	done := make(chan *ipcclient.Controller, 1)

	c.Call("ping", "Ping", req, resp, func(ctrl *ipcclient.Controller) { done <- ctrl })

	ctrl := pump(c, done)
	if ctrl.Failed() {
		log.Fatalf("ping.Ping failed: %s", ctrl.Reason())
	}
	fmt.Printf("ping.Ping(%d) = %d\n", seq, resp.Seq)
}

func runAlloc(c *ipcclient.ClientChannel, size int64) {
	req := &rialtoservice.AllocRequest{SizeBytes: size}
	resp := &rialtoservice.AllocResponse{}
	done := make(chan *ipcclient.Controller, 1)

	c.Call("sharedbuffer", "Alloc", req, resp, func(ctrl *ipcclient.Controller) { done <- ctrl })

	ctrl := pump(c, done)
	if ctrl.Failed() {
		log.Fatalf("sharedbuffer.Alloc failed: %s", ctrl.Reason())
	}
	defer unix.Close(int(resp.FD))
	fmt.Printf("sharedbuffer.Alloc(%d) = fd %d, size %d\n", size, resp.FD, resp.Size)
}

// pump drives the channel's reactor until done fires or the connection is
// lost; ClientChannel.Call has no blocking variant (spec §4.D), so a CLI
// caller pumps Process itself rather than waiting on a callback alone.
func pump(c *ipcclient.ClientChannel, done chan *ipcclient.Controller) *ipcclient.Controller {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Process()
		select {
		case ctrl := <-done:
			return ctrl
		default:
		}
		if !c.Wait(50) {
			log.Fatalf("connection lost while waiting for reply")
		}
	}
	log.Fatalf("timed out waiting for reply")
	return nil
}
