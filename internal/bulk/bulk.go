// Package bulk applies one write per target, one at a time, collecting
// successes and failures without stopping at the first error.
package bulk

import "context"

// Success records a target whose write completed.
type Success[T, R any] struct {
	Index  int
	Target T
	Value  R
}

// Failure records a target whose write returned an error.
type Failure[T any] struct {
	Index  int
	Target T
	Err    error
}

// Result partitions the attempted targets. Both lists keep input order.
type Result[T, R any] struct {
	Successes []Success[T, R]
	Failures  []Failure[T]
}

// Attempted is the number of writes issued.
func (r Result[T, R]) Attempted() int {
	return len(r.Successes) + len(r.Failures)
}

// OK reports whether every write succeeded.
func (r Result[T, R]) OK() bool {
	return len(r.Failures) == 0
}

// FailedTargets lists the targets whose writes failed.
func (r Result[T, R]) FailedTargets() []T {
	out := make([]T, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Target)
	}
	return out
}

// Observer receives per-target outcomes as they happen.
type Observer[T, R any] struct {
	OnSuccess func(index int, target T, value R)
	OnFailure func(index int, target T, err error)
}

// Option configures Apply.
type Option[T, R any] func(*Observer[T, R])

// WithObserver installs outcome hooks.
func WithObserver[T, R any](obs Observer[T, R]) Option[T, R] {
	return func(o *Observer[T, R]) { *o = obs }
}

// Apply issues write for each target in input order. A write starts only
// after the previous one returned. A failed write is recorded and the next
// target is still attempted; nothing is retried or rolled back. ctx is
// passed through to write and never short-circuits the loop.
func Apply[T, R any](ctx context.Context, targets []T, write func(context.Context, T) (R, error), opts ...Option[T, R]) Result[T, R] {
	var obs Observer[T, R]
	for _, opt := range opts {
		opt(&obs)
	}

	var res Result[T, R]
	for i, target := range targets {
		value, err := write(ctx, target)
		if err != nil {
			res.Failures = append(res.Failures, Failure[T]{Index: i, Target: target, Err: err})
			if obs.OnFailure != nil {
				obs.OnFailure(i, target, err)
			}
			continue
		}
		res.Successes = append(res.Successes, Success[T, R]{Index: i, Target: target, Value: value})
		if obs.OnSuccess != nil {
			obs.OnSuccess(i, target, value)
		}
	}
	return res
}
