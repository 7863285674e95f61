//go:build linux

package acceptor

import "golang.org/x/sys/unix"

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN
}
