package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestUnitEachMessage(t *testing.T) {
	m := &mockCoordinator{}
	r := &Runner{Config: testConfig(), Coordinator: m}
	r.running.Store(true)
	d := &Delivery{Batch: testBatch("foo", 0, 10, 11, 12), runner: r}
	var seen []int64
	handler := EachMessage(func(_ context.Context, rec *batch.Record) error {
		seen = append(seen, rec.Offset)
		if rec.Offset == 11 {
			r.running.Store(false)
		}
		return nil
	})
	err := handler(context.Background(), d)
	require.Equal(t, ErrInterrupted, err)
	require.True(t, errors.IsRetriable(err))
	require.Equal(t, []int64{10, 11}, seen)
	require.Equal(t, []resolved{{"foo", 0, 10}, {"foo", 0, 11}}, m.getResolved())
	// the first heartbeat is due, the second is throttled
	require.Equal(t, 1, m.get(&m.heartbeats))
}

func TestUnitEachMessageError(t *testing.T) {
	m := &mockCoordinator{}
	r := &Runner{Config: testConfig(), Coordinator: m}
	r.running.Store(true)
	d := &Delivery{Batch: testBatch("foo", 0, 10, 11), runner: r}
	boom := errors.New("boom")
	handler := EachMessage(func(context.Context, *batch.Record) error { return boom })
	require.Equal(t, boom, handler(context.Background(), d))
	require.Empty(t, m.getResolved())
}

func TestUnitDeliveryStale(t *testing.T) {
	m := &mockCoordinator{}
	r := &Runner{Config: testConfig(), Coordinator: m}
	d := &Delivery{Batch: testBatch("foo", 3, 1), runner: r, epoch: r.epoch.Load()}
	require.False(t, d.IsStale())
	r.epoch.Inc()
	require.True(t, d.IsStale())
	d.Pause()
	require.True(t, m.IsPaused("foo", 3))
}

func TestUnitFetchManagerNotRunning(t *testing.T) {
	var (
		fetches atomic.Int32
		handled atomic.Int32
	)
	f := &FetchManager{
		Fetch: func(context.Context) ([]*batch.Batch, error) {
			fetches.Inc()
			return []*batch.Batch{testBatch("foo", 0, 1)}, nil
		},
		Handle: func(context.Context, *batch.Batch) error {
			handled.Inc()
			return nil
		},
		IsRunning:   func() bool { return false },
		Recover:     func(error, int) bool { return false },
		PollBackoff: time.Millisecond,
	}
	f.Start(context.Background())
	f.Start(context.Background()) // nop
	require.Eventually(t, func() bool { return fetches.Load() > 2 }, time.Second, time.Millisecond)
	f.Stop()
	f.Wait()
	require.Equal(t, int32(0), handled.Load())
	require.False(t, f.IsConsuming())
}

func TestUnitFetchManagerRejoinMidCycle(t *testing.T) {
	var running atomic.Bool
	running.Store(true)
	var handled []int32
	f := &FetchManager{
		Fetch: func(context.Context) ([]*batch.Batch, error) {
			return []*batch.Batch{testBatch("foo", 0, 1), testBatch("foo", 1, 1), testBatch("foo", 2, 1)}, nil
		},
		Handle: func(_ context.Context, b *batch.Batch) error {
			handled = append(handled, b.Partition)
			running.Store(false) // rejoin signalled by the handler
			return nil
		},
		IsRunning:   running.Load,
		Recover:     func(error, int) bool { return false },
		Concurrency: 1,
	}
	n, err := f.cycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []int32{0}, handled)
}

func TestUnitFetchManagerRecover(t *testing.T) {
	var failures []int
	f := &FetchManager{
		Fetch: func(context.Context) ([]*batch.Batch, error) {
			return nil, errors.New("broken pipe")
		},
		Handle:    func(context.Context, *batch.Batch) error { return nil },
		IsRunning: func() bool { return true },
		Recover: func(_ error, n int) bool {
			failures = append(failures, n)
			return n < 3
		},
		Backoff: backoff.Config{MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	f.Start(context.Background())
	f.Wait()
	require.Equal(t, []int{1, 2, 3}, failures)
	f.Stop()
}

func TestUnitFetchManagerConcurrency(t *testing.T) {
	var (
		inflight atomic.Int32
		peak     atomic.Int32
		handled  atomic.Int32
	)
	var batches []*batch.Batch
	for i := 0; i < 20; i++ {
		batches = append(batches, testBatch("foo", int32(i), 0))
	}
	f := &FetchManager{
		Fetch: func(context.Context) ([]*batch.Batch, error) { return batches, nil },
		Handle: func(context.Context, *batch.Batch) error {
			n := inflight.Inc()
			for {
				m := peak.Load()
				if n <= m || peak.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Dec()
			handled.Inc()
			return nil
		},
		IsRunning:   func() bool { return true },
		Recover:     func(error, int) bool { return false },
		Concurrency: 4,
	}
	f.Start(context.Background())
	require.Eventually(t, func() bool { return handled.Load() >= 20 }, time.Second, time.Millisecond)
	f.Stop()
	f.Wait()
	require.Equal(t, int32(0), handled.Load()%20)
	require.LessOrEqual(t, peak.Load(), int32(4))
	require.Greater(t, peak.Load(), int32(1))
}

func TestUnitConfigValidate(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	require.True(t, c.EachBatchAutoResolve)
	require.True(t, c.AutoCommit)
	c.Concurrency = 0
	var cerr *errors.ConfigError
	require.True(t, errors.As(c.Validate(), &cerr))
	c = DefaultConfig()
	c.Retry.Retries = -1
	require.Error(t, c.Validate())
	c = DefaultConfig()
	c.Retry.MaxBackoff = time.Millisecond
	require.Error(t, c.Validate())
}
