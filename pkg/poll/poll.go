package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/httpclient"
	"github.com/cloudboss/metaboot/pkg/observe"
)

var (
	ErrDeadlineExceeded = errors.New("deadline exceeded waiting for metadata service")
	ErrNoURLs           = errors.New("no URLs to wait for")
)

// Policy bounds the wait for the metadata service. Timeout applies to each
// probe, MaxWait to the whole wait. A MaxWait of zero or less means a single
// round of probes.
type Policy struct {
	Timeout  time.Duration
	MaxWait  time.Duration
	Interval time.Duration
}

func (p Policy) Validate() error {
	var errs error
	if p.Timeout <= 0 {
		errs = errors.Join(errs, fmt.Errorf("probe timeout must be positive, got %s", p.Timeout))
	}
	if p.MaxWait > 0 && p.Timeout > p.MaxWait {
		errs = errors.Join(errs, fmt.Errorf("probe timeout %s exceeds max wait %s",
			p.Timeout, p.MaxWait))
	}
	if p.Interval < 0 {
		errs = errors.Join(errs, fmt.Errorf("poll interval must not be negative, got %s",
			p.Interval))
	}
	return errs
}

func (p Policy) interval() time.Duration {
	if p.Interval == 0 {
		return constants.PollIntervalDefault
	}
	return p.Interval
}

// DeadlineError reports a wait that ran out of time. It matches
// ErrDeadlineExceeded with errors.Is.
type DeadlineError struct {
	URLs    []string
	Elapsed time.Duration
	LastErr error
}

func (d *DeadlineError) Error() string {
	msg := fmt.Sprintf("gave up waiting for %v after %d seconds", d.URLs, int(d.Elapsed.Seconds()))
	if d.LastErr != nil {
		msg = fmt.Sprintf("%s: %s", msg, d.LastErr)
	}
	return msg
}

func (d *DeadlineError) Is(target error) bool {
	return target == ErrDeadlineExceeded
}

func (d *DeadlineError) Unwrap() error {
	return d.LastErr
}

type Poller struct {
	Prober   httpclient.Prober
	Clock    clock.Clock
	Observer observe.Observer
}

func New(prober httpclient.Prober, observer observe.Observer) *Poller {
	return &Poller{
		Prober:   prober,
		Clock:    clock.WallClock,
		Observer: observer,
	}
}

// Wait probes urls in order until one answers or policy.MaxWait elapses, and
// returns the URL that answered.
func (p *Poller) Wait(ctx context.Context, urls []string, policy Policy) (string, error) {
	if len(urls) == 0 {
		return "", ErrNoURLs
	}
	clk := p.clock()
	obs := p.observer()

	start := clk.Now()
	obs.PollStart(urls, policy.MaxWait)

	waitCtx := ctx
	var b backoff.BackOff = &backoff.StopBackOff{}
	if policy.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, policy.MaxWait)
		defer cancel()
		b = backoff.NewConstantBackOff(policy.interval())
	}

	var (
		found   string
		lastErr error
	)
	op := func() error {
		for _, u := range urls {
			err := p.Prober.Probe(waitCtx, u, policy.Timeout)
			if err == nil {
				found = u
				return nil
			}
			lastErr = err
			obs.PollAttemptFailed(u, clk.Now().Sub(start), err)
			if waitCtx.Err() != nil {
				break
			}
		}
		return lastErr
	}

	err := backoff.Retry(op, backoff.WithContext(b, waitCtx))
	elapsed := clk.Now().Sub(start)
	if err == nil {
		obs.PollSucceeded(found, elapsed)
		return found, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		obs.PollGiveUp(urls, elapsed, ctxErr)
		return "", fmt.Errorf("stopped waiting for metadata service: %w", ctxErr)
	}

	deadlineErr := &DeadlineError{
		URLs:    append([]string(nil), urls...),
		Elapsed: elapsed,
		LastErr: lastErr,
	}
	obs.PollGiveUp(urls, elapsed, deadlineErr)
	return "", deadlineErr
}

func (p *Poller) clock() clock.Clock {
	if p.Clock == nil {
		return clock.WallClock
	}
	return p.Clock
}

func (p *Poller) observer() observe.Observer {
	if p.Observer == nil {
		return observe.Nop{}
	}
	return p.Observer
}
