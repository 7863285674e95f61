// Package acceptor implements a listening-socket descriptor: it loops
// accept4 until the kernel reports no more pending connections,
// handing each new file descriptor and its remote endpoint to a
// user-supplied handler.
//
// Grounded on original_source/flare/io/native/acceptor.h: a descriptor
// whose OnReadable drains accept4 in a loop, whose OnWritable is never
// meaningful, and whose connection_handler callback is given
// ownership of the accepted fd.
package acceptor

import (
	"github.com/nexusrpc/iocore/endpoint"
	"github.com/nexusrpc/iocore/internal/logging"
	"github.com/nexusrpc/iocore/internal/sockopt"
	"github.com/nexusrpc/iocore/ioloop"
)

// Handler is notified of every accepted connection. The handler owns
// fd from this call on: setting any socket options it needs and
// eventually attaching it (typically wrapped in a stream.Conn) to a
// Loop.
type Handler interface {
	OnConnection(fd int, peer endpoint.Endpoint)
}

// Acceptor is a descriptor wrapping a listening socket.
type Acceptor struct {
	desc    *ioloop.Descriptor
	handler Handler
	logger  logging.Logger
}

// New creates an Acceptor over a listening fd (already bound and
// listening; see internal/sockopt.Bind/Listen). The Acceptor does not
// close fd, not even after cleanup; the caller closes it once Join
// has returned.
func New(fd int, handler Handler, logger logging.Logger) *Acceptor {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	a := &Acceptor{handler: handler, logger: logger}
	a.desc = ioloop.NewDescriptor(fd, ioloop.EventRead, acceptorHandler{a}, "acceptor")
	return a
}

// Descriptor returns the underlying ioloop.Descriptor, for Loop.Attach.
func (a *Acceptor) Descriptor() *ioloop.Descriptor { return a.desc }

// Stop initiates shutdown of the listening socket.
func (a *Acceptor) Stop() { a.desc.Kill(ioloop.CleanupUserInitiated) }

// Join blocks until OnCleanup has returned.
func (a *Acceptor) Join() { a.desc.WaitForCleanup() }

type acceptorHandler struct{ a *Acceptor }

func (h acceptorHandler) OnReadable(d *ioloop.Descriptor) ioloop.EventAction {
	a := h.a
	for {
		fd, addr, err := sockopt.Accept4(d.FD())
		if err != nil {
			if isWouldBlock(err) {
				return ioloop.EventReady
			}
			logging.Warn(a.logger, "acceptor", "accept4 failed", "err", err.Error())
			d.Kill(ioloop.CleanupError)
			return ioloop.EventLeaving
		}
		a.handler.OnConnection(fd, endpoint.FromAddrPort(addr))
	}
}

func (h acceptorHandler) OnWritable(d *ioloop.Descriptor) ioloop.EventAction {
	panic("acceptor: OnWritable is never meaningful for a listening socket")
}

func (h acceptorHandler) OnError(d *ioloop.Descriptor, err error) {
	logging.Warn(h.a.logger, "acceptor", "listening socket error", "err", errString(err))
	d.Kill(ioloop.CleanupError)
}

func (h acceptorHandler) OnCleanup(d *ioloop.Descriptor, reason ioloop.CleanupReason) {}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
