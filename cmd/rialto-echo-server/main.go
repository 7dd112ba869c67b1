// A small tool for running the ping/sharedbuffer demo services over a
// rialtoipc ServerCore, used to exercise ServerCore/ClientChannel end to
// end in the manner of jacobsa/fuse's samples/mount_* binaries.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rialtoipc/rialtoipc/ipcmonitor"
	"github.com/rialtoipc/rialtoipc/ipcserver"
	"github.com/rialtoipc/rialtoipc/rialtoservice"
)

var (
	fSocket  = flag.String("socket", "", "Path of the SOCK_SEQPACKET socket to listen on.")
	fMonitor = flag.Bool("monitor", false, "Install the wiretap monitor (same effect as RIALTO_IPC_MONITOR=1).")
)

// monitorEnabled matches RIALTO_IPC_MONITOR against "1" or "ON" only, the
// same convention rialtolog uses for RIALTO_CONSOLE_LOG.
func monitorEnabled() bool {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("RIALTO_IPC_MONITOR")))
	return v == "1" || v == "ON"
}

func main() {
	flag.Parse()

	if *fSocket == "" {
		log.Fatalf("you must set -socket")
	}
	if *fMonitor {
		os.Setenv("RIALTO_IPC_MONITOR", "1")
	}

	var opts []ipcserver.Option
	if monitorEnabled() {
		opts = append(opts, ipcserver.WithMonitor(ipcmonitor.New()))
	}

	s, err := ipcserver.New(opts...)
	if err != nil {
		log.Fatalf("ipcserver.New: %v", err)
	}
	defer s.Close()

	s.Register(rialtoservice.NewPingService())
	s.Register(rialtoservice.NewSharedBufferService())

	if err := s.AddSocket(*fSocket, nil, nil); err != nil {
		log.Fatalf("AddSocket(%s): %v", *fSocket, err)
	}
	log.Printf("rialto-echo-server: listening on %s", *fSocket)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for ctx.Err() == nil {
			s.Process()
			s.Wait(100)
		}
		return nil
	})

	<-ctx.Done()
	log.Printf("rialto-echo-server: shutting down")

	// Give the reactor goroutine a moment to observe ctx.Done() and exit
	// its loop before Close tears down the epoll fd out from under it.
	time.Sleep(150 * time.Millisecond)
	_ = group.Wait()
}
