package ipc

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
	"github.com/brokerhub/brokerhub-go/pkg/metrics"
)

// DialOptions tune the client-side connect-with-retry loop.
type DialOptions struct {
	// SpinWait allows the platform's native wait-for-connection call with
	// its natural timeout. Use it only when the pipe is known to exist.
	SpinWait bool

	// CurrentUserOnly verifies after connecting that the pipe is owned by
	// the user this process runs as, and tears the connection down with an
	// unauthorized error otherwise. It is the client-side counterpart of
	// the server option of the same name.
	CurrentUserOnly bool

	// MaxRetries caps connection attempts. Zero means the default (50).
	MaxRetries int

	// MaxNotFound separately caps "not found" failures, which most likely
	// mean the server has not bound yet. Zero means the default (3).
	MaxNotFound int

	// RetryDelay is the fixed pause between attempts. Zero means the
	// default (20ms).
	RetryDelay time.Duration

	// Metrics, when non-nil, accumulates dial counters.
	Metrics *metrics.ConnectionMetrics

	Logger *log.Logger
}

const (
	defaultMaxRetries  = 50
	defaultMaxNotFound = 3
	defaultRetryDelay  = 20 * time.Millisecond
)

/*
Dial connects to the pipe with the given name or full address, retrying with
a short fixed delay while the server binds. Cancellation surfaces unwrapped
and without further retries. When the loop gives up, the returned timeout
error carries a histogram of the failure kinds observed across attempts.
*/
func Dial(ctx context.Context, name string, opts *DialOptions) (net.Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	maxNotFound := opts.MaxNotFound
	if maxNotFound == 0 {
		maxNotFound = defaultMaxNotFound
	}
	delay := opts.RetryDelay
	if delay == 0 {
		delay = defaultRetryDelay
	}

	start := time.Now()
	histogram := make(map[string]int)
	notFound := 0

	for attempt := 1; ; attempt++ {
		conn, err := dialPipe(ctx, name, opts)
		if err == nil {
			opts.Metrics.RecordDial(true, attempt, time.Since(start))
			return conn, nil
		}

		if ctx.Err() != nil {
			// Rethrow cancellation itself rather than the last I/O error.
			opts.Metrics.RecordDial(false, attempt, time.Since(start))
			return nil, ctx.Err()
		}

		// An ownership mismatch will not heal with retries.
		var unauthorized *errors.UnauthorizedError
		if stderrors.As(err, &unauthorized) {
			opts.Metrics.RecordDial(false, attempt, time.Since(start))
			return nil, err
		}

		kind := errorKind(err)
		histogram[kind]++
		if kind == "notFound" {
			notFound++
		}

		logger.Debug("pipe connect attempt failed", "pipe", name, "attempt", attempt, "kind", kind)

		if notFound >= maxNotFound || attempt >= maxRetries {
			opts.Metrics.RecordDial(false, attempt, time.Since(start))
			return nil, &errors.TimeoutError{
				Operation: "connect to pipe " + name,
				Elapsed:   time.Since(start),
				Attempts:  attempt,
				Histogram: histogram,
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			opts.Metrics.RecordDial(false, attempt, time.Since(start))
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
