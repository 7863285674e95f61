package ioloop

import "sync"

// maxIovecs bounds how many chunks WritingBufferList.Drain coalesces
// into a single writev call, matching the platform's UIO_MAXIOV on
// most Linux systems.
const maxIovecs = 1024

// chunk is one outbound byte sequence tagged with a caller-supplied
// context, delivered back via the OnDataWritten callback once every
// byte of it has been written.
type chunk struct {
	data []byte
	ctx  any
}

// WritingBufferList is an append-from-many, drain-from-one queue of
// outbound byte chunks. Append is safe from any goroutine; Drain must
// only ever be called from the owning descriptor's single write
// worker.
//
// Writer is supplied by the caller (e.g. stream.Conn) so a handshake
// layer can intercept write bytes the same way it already intercepts
// read bytes, instead of this package reaching past that abstraction
// to call a syscall directly.
type WritingBufferList struct {
	mu     sync.Mutex
	chunks []chunk
}

// Append adds data tagged with ctx to the tail of the list. It returns
// true if the list was empty before this push, so the caller knows to
// kick the writer (arm EPOLLOUT) if it wasn't already armed.
func (l *WritingBufferList) Append(data []byte, ctx any) (wasEmpty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasEmpty = len(l.chunks) == 0
	l.chunks = append(l.chunks, chunk{data: data, ctx: ctx})
	return wasEmpty
}

// Empty reports whether the list currently has no pending chunks.
func (l *WritingBufferList) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks) == 0
}

// DrainResult reports the outcome of one Drain call.
type DrainResult struct {
	// BytesWritten is the total bytes actually written to fd.
	BytesWritten int
	// Completed holds, in append order, the contexts of every chunk
	// that was fully written and thus can be reported via
	// OnDataWritten.
	Completed []any
	// Empty is true if the list has no more pending chunks.
	Empty bool
}

// Writer performs the actual transfer of a scatter-vector, returning
// how many bytes were written. It's supplied by the caller (stream's
// IO adapter, typically) rather than baked into this type, so a
// handshake layer can intercept bytes before they reach the wire.
type Writer func(iovs [][]byte) (n int, err error)

// Drain hands as many queued chunks as maxBytes allows (0 or negative
// means unbounded) to write, up to maxIovecs chunks at a time in one
// call. A chunk only partially written is left at the head of the
// list with its unwritten tail, and is not reported as completed.
func (l *WritingBufferList) Drain(write Writer, maxBytes int64) (DrainResult, error) {
	l.mu.Lock()
	n := len(l.chunks)
	if n > maxIovecs {
		n = maxIovecs
	}
	batch := l.chunks[:n]
	l.mu.Unlock()

	if n == 0 {
		return DrainResult{Empty: true}, nil
	}

	iovs := make([][]byte, 0, n)
	if maxBytes > 0 {
		var budget int64 = maxBytes
		for _, c := range batch {
			if budget <= 0 {
				break
			}
			data := c.data
			if int64(len(data)) > budget {
				data = data[:budget]
			}
			budget -= int64(len(data))
			iovs = append(iovs, data)
		}
	} else {
		for _, c := range batch {
			iovs = append(iovs, c.data)
		}
	}
	if len(iovs) == 0 {
		return DrainResult{Empty: len(l.chunks) == 0}, nil
	}

	written, err := write(iovs)
	if err != nil {
		return DrainResult{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var completed []any
	remaining := written
	consumed := 0
	for consumed < len(l.chunks) {
		c := &l.chunks[consumed]
		if remaining < len(c.data) {
			c.data = c.data[remaining:]
			break
		}
		remaining -= len(c.data)
		completed = append(completed, c.ctx)
		consumed++
	}
	l.chunks = l.chunks[consumed:]

	return DrainResult{
		BytesWritten: written,
		Completed:    completed,
		Empty:        len(l.chunks) == 0,
	}, nil
}

// datagramChunk is one outbound datagram tagged with a destination
// and caller context.
type datagramChunk struct {
	dest []byte // raw sockaddr, filled in by the datagram package
	data []byte
	ctx  any
}

// WritingDatagramList is the datagram analogue of WritingBufferList:
// same append-from-many/drain-from-one discipline, but each element is
// an indivisible datagram rather than a byte-stream fragment — a
// partial datagram write is a retry, never a split.
type WritingDatagramList struct {
	mu   sync.Mutex
	list []datagramChunk
}

// Append adds a datagram addressed to dest (an opaque, already-encoded
// sockaddr) to the tail of the list, returning true if the list was
// previously empty.
func (l *WritingDatagramList) Append(dest, data []byte, ctx any) (wasEmpty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wasEmpty = len(l.list) == 0
	l.list = append(l.list, datagramChunk{dest: dest, data: data, ctx: ctx})
	return wasEmpty
}

func (l *WritingDatagramList) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.list) == 0
}

// Pop removes and returns the head datagram, for the caller to attempt
// a single sendto. ok is false if the list was empty.
func (l *WritingDatagramList) Pop() (dest, data []byte, ctx any, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.list) == 0 {
		return nil, nil, nil, false
	}
	head := l.list[0]
	l.list = l.list[1:]
	return head.dest, head.data, head.ctx, true
}

// Requeue puts a datagram back at the head of the list; used when a
// send attempt needs to be retried (e.g. EAGAIN) without losing its
// place in line.
func (l *WritingDatagramList) Requeue(dest, data []byte, ctx any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append([]datagramChunk{{dest: dest, data: data, ctx: ctx}}, l.list...)
}
