package ioloop

import (
	"errors"
	"time"
)

// Standard errors returned by the poller and Loop.
var (
	ErrFDOutOfRange        = errors.New("ioloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("ioloop: fd already registered")
	ErrFDNotRegistered     = errors.New("ioloop: fd not registered")
	ErrPollerClosed        = errors.New("ioloop: poller closed")
	ErrLoopClosed          = errors.New("ioloop: loop is closed")
	ErrDescriptorDisabled  = errors.New("ioloop: descriptor not attached to a loop")
)

func readMonotonic() time.Time { return time.Now() }
