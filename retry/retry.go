package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dichfoto/photostore/storage_base"
)

// Policy is the backoff curve shared by every remote read path.
// attempt n (zero based) sleeps Initial * 2^n, capped at Max, before attempt n+1
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Initial:     time.Second,
		Max:         10 * time.Second,
	}
}

func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// StatusError carries the HTTP status of a failed remote call so Classify can tell transient from permanent
type StatusError struct {
	Code int
	Op   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http status %d", e.Op, e.Code)
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// Classify reports whether err is worth another attempt.
// 404 and 403 are permanent, so are context errors. rate limits, 5xx and plain network errors are transient.
func Classify(err error) (transient bool) {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if errors.Is(err, storage_base.ErrNotFound) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout || se.Code >= 500
	}
	return true
}

// normalize turns a permanent error into the error kind callers match on
func normalize(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound && !errors.Is(err, storage_base.ErrNotFound) {
		return fmt.Errorf("%w: %v", storage_base.ErrNotFound, err)
	}
	return err
}

// Do runs fn until it succeeds, fails permanently, or the policy runs out of attempts
func Do(ctx context.Context, policy Policy, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < policy.attempts(); attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Classify(err) {
			return normalize(err)
		}
		if attempt+1 == policy.attempts() {
			break
		}
		delay := policy.Backoff(attempt)
		log.Println("Retrying", op, "after attempt number", attempt+1, "delay", delay, "because error", err)
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	log.Println("Giving up on", op, "after", policy.attempts(), "attempts, last error", err)
	return fmt.Errorf("%s: %w: %v", op, storage_base.ErrRemoteUnavailable, err)
}

// Sleep waits for d, or returns early with the context error
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
