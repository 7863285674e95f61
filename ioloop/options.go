package ioloop

import "github.com/nexusrpc/iocore/internal/logging"

// loopConfig holds resolved Loop construction options.
type loopConfig struct {
	logger    logging.Logger
	metrics   Metrics
	maxEvents int
}

// Option configures a Loop: an interface plus a closure-holding
// implementation, resolved by applying each option to a config struct
// in order.
type Option interface {
	apply(*loopConfig)
}

type optionFunc func(*loopConfig)

func (f optionFunc) apply(c *loopConfig) { f(c) }

// WithLogger installs a logger for loop- and descriptor-level
// diagnostics. The default discards everything.
func WithLogger(l logging.Logger) Option {
	return optionFunc(func(c *loopConfig) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithMetrics installs a Metrics sink for fire-to-completion latency.
// The default discards every observation.
func WithMetrics(m Metrics) Option {
	return optionFunc(func(c *loopConfig) {
		if m != nil {
			c.metrics = m
		}
	})
}

// WithMaxEvents sets the capacity of the epoll_wait event buffer used
// by each Poll call. The default is 256; raise it for loops expected
// to service many simultaneously-ready descriptors per iteration.
func WithMaxEvents(n int) Option {
	return optionFunc(func(c *loopConfig) {
		if n > 0 {
			c.maxEvents = n
		}
	})
}

func resolveOptions(opts []Option) *loopConfig {
	cfg := &loopConfig{
		logger:    logging.NewNoOpLogger(),
		metrics:   NoOpMetrics(),
		maxEvents: defaultMaxEvents,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(cfg)
	}
	return cfg
}
