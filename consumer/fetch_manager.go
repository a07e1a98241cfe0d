package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/go-multierror"
	"github.com/mkocikowski/kafkaconsumer/batch"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// FetchManager runs fetch and process cycles in a loop: fetch batches, hand
// them to Handle, repeat. Failed cycles go to Recover, which decides whether
// the loop goes on. Make sure to set public field values before calling
// Start. Do not change them after.
type FetchManager struct {
	Fetch  func(context.Context) ([]*batch.Batch, error)
	Handle func(context.Context, *batch.Batch) error
	// Batches fetched while IsRunning returns false are discarded
	IsRunning func() bool
	// Called with the error of a failed cycle and the number of cycles
	// failed in a row (starting at 1). Return true to retry after a
	// backoff, false to exit the loop
	Recover func(err error, failures int) bool
	// Batches processed in parallel. Less than 2 means one at a time
	Concurrency int
	PollBackoff time.Duration
	Backoff     backoff.Config
	Logger      log.Logger
	Metrics     *Metrics
	//
	mu        sync.Mutex
	started   bool
	stop      chan struct{}
	done      chan struct{}
	consuming atomic.Bool
}

func (m *FetchManager) logger() log.Logger {
	if m.Logger == nil {
		return log.NewNopLogger()
	}
	return m.Logger
}

// Start the loop. Fetches and handlers are called with ctx. A second call
// to Start without a Stop in between is a nop.
func (m *FetchManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(ctx, m.stop, m.done)
}

// Stop scheduling new cycles. Does not interrupt a fetch or handlers in
// flight: call Wait for that.
func (m *FetchManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stop)
}

// Wait for the loop to exit. Returns immediately if it was never started.
func (m *FetchManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// IsConsuming is true while a cycle is in flight.
func (m *FetchManager) IsConsuming() bool {
	return m.consuming.Load()
}

func (m *FetchManager) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	// backoff waits end when the loop is stopped
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	retry := backoff.New(waitCtx, m.Backoff)
	failures := 0
	poll := time.NewTimer(0)
	defer poll.Stop()
	<-poll.C
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := m.cycle(ctx)
		m.Metrics.cycle(err)
		if err != nil {
			failures++
			if !m.Recover(err, failures) {
				return
			}
			retry.Wait()
			continue
		}
		failures = 0
		retry.Reset()
		if n > 0 {
			continue
		}
		poll.Reset(m.PollBackoff)
		select {
		case <-stop:
			return
		case <-poll.C:
		}
	}
}

// cycle fetches once and processes the batches. Returns the number of
// batches processed.
func (m *FetchManager) cycle(ctx context.Context) (int, error) {
	m.consuming.Store(true)
	defer m.consuming.Store(false)
	batches, err := m.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if !m.IsRunning() {
		if len(batches) > 0 {
			level.Debug(m.logger()).Log("msg", "not running, discarding batches", "n", len(batches))
		}
		return 0, nil
	}
	if len(batches) == 0 {
		return 0, nil
	}
	if m.Concurrency < 2 {
		for i, b := range batches {
			if i > 0 && !m.IsRunning() {
				level.Debug(m.logger()).Log("msg", "not running, discarding batches", "n", len(batches)-i)
				return i, nil
			}
			if err := m.Handle(ctx, b); err != nil {
				return 0, err
			}
		}
		return len(batches), nil
	}
	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g := errgroup.Group{}
	g.SetLimit(m.Concurrency)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			if err := m.Handle(ctx, b); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		return 0, err
	}
	return len(batches), nil
}
