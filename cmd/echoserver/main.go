// Command echoserver wires acceptor, stream and ratelimit on top of a
// single ioloop.Loop into a minimal TCP echo service, demonstrating
// the stack end to end.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexusrpc/iocore/acceptor"
	"github.com/nexusrpc/iocore/endpoint"
	"github.com/nexusrpc/iocore/internal/logging"
	"github.com/nexusrpc/iocore/internal/sockopt"
	"github.com/nexusrpc/iocore/ioloop"
	"github.com/nexusrpc/iocore/ratelimit"
	"github.com/nexusrpc/iocore/stream"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "address to listen on")
	bytesPerSec := flag.Int64("rate-limit", 0, "per-connection byte/s cap on reads, 0 disables")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := logging.LevelInfo
	if *verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewDefaultLogger(level)

	if err := run(*addr, *bytesPerSec, logger); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, bytesPerSec int64, logger logging.Logger) error {
	bindAddr, err := netip.ParseAddrPort(addr)
	if err != nil {
		return fmt.Errorf("echoserver: parse addr: %w", err)
	}

	loop, err := ioloop.New(nil, ioloop.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("echoserver: new loop: %w", err)
	}
	defer loop.Close()

	listenFD, err := sockopt.NewStreamSocket(bindAddr.Addr().Is6())
	if err != nil {
		return fmt.Errorf("echoserver: socket: %w", err)
	}
	if err := sockopt.SetReuseAddr(listenFD); err != nil {
		return fmt.Errorf("echoserver: reuseaddr: %w", err)
	}
	if err := sockopt.Bind(listenFD, bindAddr); err != nil {
		return fmt.Errorf("echoserver: bind: %w", err)
	}
	if err := sockopt.Listen(listenFD, 128); err != nil {
		return fmt.Errorf("echoserver: listen: %w", err)
	}

	srv := &server{loop: loop, logger: logger, bytesPerSec: bytesPerSec}
	a := acceptor.New(listenFD, srv, logger)
	if err := loop.Attach(a.Descriptor()); err != nil {
		return fmt.Errorf("echoserver: attach acceptor: %w", err)
	}

	go func() {
		if err := loop.Run(); err != nil {
			logging.Error(logger, "echoserver", "loop exited", err)
		}
	}()

	logging.Info(logger, "echoserver", "listening", "addr", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logging.Info(logger, "echoserver", "shutting down")
	a.Stop()
	a.Join()
	loop.Stop()
	loop.Wait()
	return nil
}

// server implements acceptor.Handler, spawning one stream.Conn per
// accepted connection.
type server struct {
	loop        *ioloop.Loop
	logger      logging.Logger
	bytesPerSec int64
}

func (s *server) OnConnection(fd int, peer endpoint.Endpoint) {
	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if s.bytesPerSec > 0 {
		limiter = ratelimit.NewThreadSafe(
			ratelimit.NewTokenBucket(s.bytesPerSec, s.bytesPerSec/10, ratelimitTick, true),
			s.bytesPerSec,
		)
	}

	h := &echoHandler{peer: peer, logger: s.logger}
	c := stream.NewConn(fd, h, stream.Options{
		Logger:      s.logger,
		ReadLimiter: limiter,
	})
	if err := s.loop.Attach(c.Descriptor()); err != nil {
		logging.Warn(s.logger, "echoserver", "attach failed", "err", err.Error(), "peer", peer.String())
		c.Stop()
		return
	}
	c.StartHandshaking()
	logging.Info(s.logger, "echoserver", "accepted", "peer", peer.String())
}

const ratelimitTick = 100 * 1e6 // 100ms, in time.Duration nanoseconds

// echoHandler writes every byte it receives straight back to its peer.
type echoHandler struct {
	conn   *stream.Conn
	peer   endpoint.Endpoint
	logger logging.Logger
}

func (h *echoHandler) OnAttach(c *stream.Conn) { h.conn = c }
func (h *echoHandler) OnDetach()               {}

func (h *echoHandler) OnDataArrival(buf *bytes.Buffer) stream.DataStatus {
	data := append([]byte(nil), buf.Bytes()...)
	buf.Reset()
	if !h.conn.Write(data, nil) {
		return stream.DataError
	}
	return stream.DataReady
}

func (h *echoHandler) OnWriteBufferEmpty()   {}
func (h *echoHandler) OnDataWritten(ctx any) {}

func (h *echoHandler) OnClose() {
	logging.Info(h.logger, "echoserver", "closed", "peer", h.peer.String())
}

func (h *echoHandler) OnError() {
	logging.Warn(h.logger, "echoserver", "connection error", "peer", h.peer.String())
}
