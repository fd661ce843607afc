// Package netutil holds helpers for establishing network connections.
package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("retrier")

// ErrThresholdReached is returned when retries exceed the threshold.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is a function retried by Retrier.
type RetryFunc func(ctx context.Context) error

// Retrier calls a function until it succeeds, backing off exponentially
// between attempts.
type Retrier struct {
	exponentialBackoff time.Duration
	exponentialFactor  uint32
	threshold          time.Duration
	errWhitelist       map[error]struct{}
}

// NewRetrier creates a Retrier that waits exponentialBackoff after the first
// failure, multiplies the wait by factor after each further one and gives up
// threshold after the first failure.
func NewRetrier(exponentialBackoff, threshold time.Duration, factor uint32) *Retrier {
	return &Retrier{
		exponentialBackoff: exponentialBackoff,
		threshold:          threshold,
		exponentialFactor:  factor,
		errWhitelist:       make(map[error]struct{}),
	}
}

// WithErrWhitelist makes Do return errors immediately instead of retrying.
func (r *Retrier) WithErrWhitelist(errors ...error) *Retrier {
	m := make(map[error]struct{})
	for _, err := range errors {
		m[err] = struct{}{}
	}

	r.errWhitelist = m
	return r
}

// Do calls f until it returns nil, a whitelisted error, ctx is done or the
// threshold is reached.
func (r Retrier) Do(ctx context.Context, f RetryFunc) error {
	var deadline <-chan time.Time
	currentBackoff := r.exponentialBackoff

	for {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warnf("Retrying in %s", currentBackoff)

		if deadline == nil {
			deadline = time.After(r.threshold)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrThresholdReached
		case <-time.After(currentBackoff):
		}
		currentBackoff = currentBackoff * time.Duration(r.exponentialFactor)
	}
}

func (r Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[err]
	return ok
}
