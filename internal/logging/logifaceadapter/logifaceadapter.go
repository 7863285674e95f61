// Package logifaceadapter bridges github.com/joeycumines/logiface's
// generic structured logger onto the internal/logging.Logger interface,
// so any iocore package can be pointed at zerolog, logrus, slog or any
// other logiface backend instead of the built-in DefaultLogger.
package logifaceadapter

import (
	"github.com/joeycumines/logiface"
	"github.com/nexusrpc/iocore/internal/logging"
)

// Adapter wraps a *logiface.Logger[logiface.Event] as a logging.Logger.
type Adapter struct {
	logger *logiface.Logger[logiface.Event]
}

// New wraps logger. Pass the result of (*logiface.Logger[E]).Logger()
// for whatever typed logger a backend package (logiface-zerolog,
// logiface-slog, ...) constructs.
func New(logger *logiface.Logger[logiface.Event]) *Adapter {
	return &Adapter{logger: logger}
}

// IsEnabled reports whether level is enabled on the wrapped logger.
func (a *Adapter) IsEnabled(level logging.Level) bool {
	return a.logger.Level().Enabled(toLogifaceLevel(level))
}

// Log translates entry into a logiface builder call and emits it.
func (a *Adapter) Log(entry logging.Entry) {
	b := a.logger.Build(toLogifaceLevel(entry.Level))
	b.Str("component", entry.Component)
	if entry.Err != nil {
		b.Err(entry.Err)
	}
	for i := 0; i+1 < len(entry.Fields); i += 2 {
		key, ok := entry.Fields[i].(string)
		if !ok {
			continue
		}
		b.Any(key, entry.Fields[i+1])
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(level logging.Level) logiface.Level {
	switch level {
	case logging.LevelDebug:
		return logiface.LevelDebug
	case logging.LevelInfo:
		return logiface.LevelInformational
	case logging.LevelWarn:
		return logiface.LevelWarning
	case logging.LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
