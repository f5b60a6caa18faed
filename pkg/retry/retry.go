// Package retry classifies HTTP outcomes and drives bounded retries with
// rate-limit aware backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind is the classification of a single HTTP attempt.
type Kind int

const (
	Success Kind = iota
	RateLimited
	Transient
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Result is the tagged outcome of one attempt.
type Result struct {
	Kind       Kind
	Status     int
	RetryAfter *time.Duration // only for RateLimited; nil when the header is absent
	Err        error          // transport error, if any
}

// Retryable reports whether another attempt may succeed.
func (r Result) Retryable() bool {
	return r.Kind == RateLimited || r.Kind == Transient
}

// Error converts a non-success result into its typed error.
func (r Result) Error() error {
	switch r.Kind {
	case Success:
		return nil
	case RateLimited:
		return &RateLimitedError{RetryAfter: r.RetryAfter}
	case Transient:
		if r.Err != nil {
			return &ConnectionError{Err: r.Err}
		}
		return &TransientError{Status: r.Status}
	}
	if r.Status == 0 && r.Err != nil {
		return r.Err
	}
	return &FatalError{Status: r.Status}
}

// Classify maps a response or transport error onto a Result.
func Classify(resp *http.Response, err error) Result {
	return classifyAt(resp, err, time.Now())
}

func classifyAt(resp *http.Response, err error, now time.Time) Result {
	if err != nil {
		return Result{Kind: Transient, Err: err}
	}
	if resp == nil {
		return Result{Kind: Transient, Err: errors.New("empty response")}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 400:
		return Result{Kind: Success, Status: status}
	case status == http.StatusTooManyRequests:
		res := Result{Kind: RateLimited, Status: status}
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), now); ok {
			res.RetryAfter = &d
		}
		return res
	case status == http.StatusInternalServerError,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return Result{Kind: Transient, Status: status}
	}
	return Result{Kind: Fatal, Status: status}
}

// ParseRetryAfter reads a Retry-After value given either as whole seconds or
// as an HTTP-date. Dates in the past yield zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Policy bounds retries and computes waits between attempts.
type Policy struct {
	MaxAttempts int
	DefaultWait time.Duration
	MaxWait     time.Duration

	log   *zap.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy; zero values fall back to 3 attempts, a 2s default
// wait and a 60s cap.
func NewPolicy(maxAttempts int, defaultWait, maxWait time.Duration, log *zap.Logger) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if defaultWait <= 0 {
		defaultWait = 2 * time.Second
	}
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		DefaultWait: defaultWait,
		MaxWait:     maxWait,
		log:         log,
		sleep:       sleepContext,
	}
}

// Delay returns how long to wait before the next attempt. A server supplied
// delay is capped at MaxWait; without one the default wait applies uncapped.
func (p *Policy) Delay(retryAfter *time.Duration) time.Duration {
	if retryAfter == nil {
		return p.DefaultWait
	}
	d := *retryAfter
	if d > p.MaxWait {
		d = p.MaxWait
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for Delay(retryAfter) or until ctx is done.
func (p *Policy) Sleep(ctx context.Context, retryAfter *time.Duration) error {
	return p.sleep(ctx, p.Delay(retryAfter))
}

// Do runs attempt until it succeeds, fails fatally, or MaxAttempts is reached.
// The attempt must not hold shared resources across its return: Do sleeps
// between attempts.
func (p *Policy) Do(ctx context.Context, op string, attempt func(ctx context.Context) Result) error {
	for n := 1; ; n++ {
		res := attempt(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		switch {
		case res.Kind == Success:
			if n > 1 {
				p.log.Debug("request recovered", zap.String("op", op), zap.Int("attempt", n))
			}
			return nil
		case !res.Retryable():
			return res.Error()
		case n >= p.MaxAttempts:
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, n, res.Error())
		}

		wait := p.Delay(res.RetryAfter)
		p.log.Info("retrying request",
			zap.String("op", op),
			zap.Stringer("kind", res.Kind),
			zap.Int("status", res.Status),
			zap.Int("attempt", n),
			zap.Duration("wait", wait),
			zap.Error(res.Err))

		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
