package bulk_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/bulk"
)

func TestApplyContinuesPastFailure(t *testing.T) {
	targets := []string{"s1", "s2", "s3"}
	var calls []string
	res := bulk.Apply(context.Background(), targets, func(ctx context.Context, id string) (string, error) {
		calls = append(calls, id)
		if id == "s2" {
			return "", errors.New("insert failed")
		}
		return "pay-" + id, nil
	})

	require.Equal(t, targets, calls)
	require.Len(t, res.Successes, 2)
	require.Len(t, res.Failures, 1)
	require.Equal(t, "s2", res.Failures[0].Target)
	require.Equal(t, 1, res.Failures[0].Index)
	require.Equal(t, "pay-s1", res.Successes[0].Value)
	require.Equal(t, "s3", res.Successes[1].Target)
	require.Equal(t, 3, res.Attempted())
	require.False(t, res.OK())
	require.Equal(t, []string{"s2"}, res.FailedTargets())
}

func TestApplyPartitionCoversEveryTarget(t *testing.T) {
	targets := make([]int, 50)
	for i := range targets {
		targets[i] = i
	}
	res := bulk.Apply(context.Background(), targets, func(ctx context.Context, n int) (int, error) {
		if n%3 == 0 {
			return 0, errors.New("boom")
		}
		return n * 2, nil
	})

	require.Equal(t, len(targets), res.Attempted())
	seen := make(map[int]bool)
	for _, s := range res.Successes {
		require.False(t, seen[s.Target])
		seen[s.Target] = true
	}
	for _, f := range res.Failures {
		require.False(t, seen[f.Target])
		seen[f.Target] = true
	}
	require.Len(t, seen, len(targets))
	for i := 1; i < len(res.Failures); i++ {
		require.Less(t, res.Failures[i-1].Index, res.Failures[i].Index)
	}
}

func TestApplyIsSequential(t *testing.T) {
	var inFlight, maxInFlight int32
	targets := []int{1, 2, 3, 4, 5}
	bulk.Apply(context.Background(), targets, func(ctx context.Context, n int) (struct{}, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		if cur > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, cur)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return struct{}{}, nil
	})
	require.Equal(t, int32(1), maxInFlight)
}

func TestApplyEmptyTargets(t *testing.T) {
	res := bulk.Apply(context.Background(), nil, func(ctx context.Context, n int) (int, error) {
		t.Fatal("write must not be called")
		return 0, nil
	})
	require.Zero(t, res.Attempted())
	require.True(t, res.OK())
}

func TestApplyAllFailures(t *testing.T) {
	res := bulk.Apply(context.Background(), []int{1, 2}, func(ctx context.Context, n int) (int, error) {
		return 0, errors.New("nope")
	})
	require.Empty(t, res.Successes)
	require.Len(t, res.Failures, 2)
}

func TestApplyObserver(t *testing.T) {
	var ok, failed []int
	bulk.Apply(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, errors.New("nope")
		}
		return n, nil
	}, bulk.WithObserver(bulk.Observer[int, int]{
		OnSuccess: func(i, target, value int) { ok = append(ok, target) },
		OnFailure: func(i, target int, err error) { failed = append(failed, target) },
	}))
	require.Equal(t, []int{1, 3}, ok)
	require.Equal(t, []int{2}, failed)
}

func TestApplyDoesNotShortCircuitOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := bulk.Apply(ctx, []int{1, 2}, func(ctx context.Context, n int) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return n, nil
	})
	require.Equal(t, 2, res.Attempted())
	require.ErrorIs(t, res.Failures[0].Err, context.Canceled)
}
