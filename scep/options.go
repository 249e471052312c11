package scep

import "github.com/go-kit/kit/log"

// parseConfig collects ParsePKIMessage options.
type parseConfig struct {
	logger           log.Logger
	checkSigningTime bool
}

// ParseOption configures ParsePKIMessage.
type ParseOption func(*parseConfig)

// WithLogger attaches a debug logger to the decode path. Defaults to a
// no-op logger.
func WithLogger(logger log.Logger) ParseOption {
	return func(c *parseConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSkipSigningTimeCheck binds signature verification to the signer's
// raw public key only, rather than the signer certificate's validity
// window: it skips both the signingTime authenticatedAttribute
// cross-check and any rejection Verify would otherwise base on the
// certificate's own NotBefore/NotAfter. Strict checking is on by
// default.
func WithSkipSigningTimeCheck() ParseOption {
	return func(c *parseConfig) {
		c.checkSigningTime = false
	}
}

func newParseConfig(opts ...ParseOption) *parseConfig {
	c := &parseConfig{
		logger:           log.NewNopLogger(),
		checkSigningTime: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
