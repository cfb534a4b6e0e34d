package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/pdisk/pkg/log"
	"github.com/cuemby/pdisk/pkg/metrics"
	rhttp "github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultMaxAttempts is the number of tries, including the first one
	DefaultMaxAttempts = 3
	DefaultMinWait     = 200 * time.Millisecond
	DefaultMaxWait     = 5 * time.Second
	DefaultTimeout     = 30 * time.Second
)

// Policy bounds how transport failures are repeated. It is applied at the
// network call sites only, never around whole workflows.
type Policy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	Timeout     time.Duration // per attempt
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		MinWait:     DefaultMinWait,
		MaxWait:     DefaultMaxWait,
		Timeout:     DefaultTimeout,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MinWait <= 0 {
		p.MinWait = DefaultMinWait
	}
	if p.MaxWait < p.MinWait {
		p.MaxWait = p.MinWait
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// Backoff returns the wait before attempt number attempt (0-based), doubling
// from MinWait, capped at MaxWait, with up to 1/8 jitter added
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	wait := p.MinWait
	for i := 0; i < attempt && wait < p.MaxWait; i++ {
		wait *= 2
	}
	if wait > p.MaxWait {
		wait = p.MaxWait
	}
	return Jitter(wait, 8)
}

// Jitter returns a number in the range duration to duration+(duration/divisor)-1, inclusive
func Jitter(duration time.Duration, divisor int64) time.Duration {
	if int64(duration)/divisor <= 0 {
		return duration
	}
	return time.Duration(rand.Int64N(int64(duration)/divisor) + int64(duration))
}

// Do runs fn until it succeeds, returns an error for which retryable is
// false, the attempts are exhausted, or ctx is done. The last error is
// returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.normalized()
	logger := log.WithComponent("retry")

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := p.Backoff(attempt - 1)
			logger.Debug().
				Err(err).
				Int("attempt", attempt+1).
				Dur("wait", wait).
				Msg("retrying after transport error")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return err
			}
		}

		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

// NewHTTPClient creates a retryablehttp client that repeats requests on
// connection errors, 429 and 5xx responses according to p
func NewHTTPClient(p Policy) *rhttp.Client {
	p = p.normalized()

	client := rhttp.NewClient()
	// Don't log every request
	client.Logger = nil

	client.RetryMax = p.MaxAttempts - 1
	client.RetryWaitMin = p.MinWait
	client.RetryWaitMax = p.MaxWait
	client.Backoff = backoffStrategy
	client.CheckRetry = retryStrategy
	client.ErrorHandler = rhttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = p.Timeout

	if t, ok := client.HTTPClient.Transport.(*http.Transport); ok {
		t.DialContext = (&net.Dialer{
			Timeout: p.Timeout,
		}).DialContext
		t.ResponseHeaderTimeout = p.Timeout
	}

	return client
}

// backoffStrategy extends retryablehttp's DefaultBackoff with jitter so that
// concurrent hypervisor hooks do not hit a recovering store in lockstep
func backoffStrategy(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	return Jitter(rhttp.DefaultBackoff(min, max, attemptNum, resp), 8)
}

type noReplayKey struct{}

// WithoutReplay marks requests made with ctx as not idempotent. Such a
// request is repeated only when it never reached the server.
func WithoutReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, noReplayKey{}, true)
}

func replayable(ctx context.Context) bool {
	noReplay, _ := ctx.Value(noReplayKey{}).(bool)
	return !noReplay
}

// unsent reports whether err shows the connection was never established
func unsent(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// retryStrategy extends retryablehttp's DefaultRetryPolicy to log and count
// retries and to keep requests marked WithoutReplay from being sent twice
func retryStrategy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, err2 := rhttp.DefaultRetryPolicy(ctx, resp, err)
	if !retry {
		return false, err2
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	logger := log.WithComponent("retry")

	if !replayable(ctx) && !unsent(err) {
		logger.Debug().
			Err(err).
			Int("status", status).
			Msg("not repeating request that may have been applied")
		return false, err2
	}

	logger.Debug().
		Err(err).
		Int("status", status).
		Msg("retrying request")
	metrics.HTTPRetriesTotal.Inc()
	return true, err2
}
