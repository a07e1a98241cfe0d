package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"go.uber.org/atomic"
)

type State int32

const (
	Stopped State = iota
	Joining
	Running
	Rebalancing
	Crashed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Joining:
		return "joining"
	case Running:
		return "running"
	case Rebalancing:
		return "rebalancing"
	case Crashed:
		return "crashed"
	}
	return "unknown"
}

// ErrCrashed is returned by Start on a Runner that has crashed.
var ErrCrashed = errors.New("runner crashed")

// BatchHandler processes one batch. It is called at most Concurrency times
// in parallel, never for two batches of the same partition at once.
type BatchHandler func(context.Context, *Delivery) error

type signalKind int

const (
	signalRejoin signalKind = iota
	signalCrash
)

type signal struct {
	kind signalKind
	err  error
}

// Runner consumes batches from the partitions assigned to a group member:
// it heartbeats the group coordinator and runs fetch and process cycles
// concurrently, rejoins the group when it is rebalancing, and retries
// failed cycles. Errors it can not recover from are passed to OnCrash (at
// most once), after which the Runner is stopped for good.
//
// Make sure to set public field values before calling Start. Do not change
// them after. Start Config from DefaultConfig: in the zero value
// EachBatchAutoResolve and AutoCommit are off.
type Runner struct {
	Config      Config
	Coordinator GroupCoordinator
	Handler     BatchHandler
	OnCrash     func(error)
	Logger      log.Logger
	Metrics     *Metrics
	//
	mu         sync.Mutex
	ctx        context.Context
	stopCtx    context.Context
	stopCancel context.CancelFunc
	starting   chan struct{}
	done       chan struct{}
	signals    chan signal
	fetcher    *FetchManager
	// owned by the supervisor
	loops  bool
	hbStop chan struct{}
	hbDone chan struct{}
	//
	state     atomic.Int32
	running   atomic.Bool
	epoch     atomic.Uint64
	crashOnce sync.Once
	//
	hbMu          sync.Mutex
	lastHeartbeat time.Time
}

func (r *Runner) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.Metrics.setState(s)
}

// IsRunning is true while the Runner is in the Running state.
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// IsConsuming is true while a fetch and process cycle is in flight.
func (r *Runner) IsConsuming() bool {
	r.mu.Lock()
	f := r.fetcher
	r.mu.Unlock()
	return f != nil && f.IsConsuming()
}

// Start connects the coordinator, joins the group, and starts the heartbeat
// loop and the fetch loop. RPCs and handlers run with ctx; cancelling it
// stops the Runner. Returns once the loops are started. A failed Start
// leaves the Runner stopped and does not call OnCrash. Start on a started
// or starting Runner is a nop. Stop cancels a Start in progress.
func (r *Runner) Start(ctx context.Context) error {
	stopCtx, starting, err := r.prepare(ctx)
	if err != nil || starting == nil {
		return err
	}
	// not holding mu, so that Stop can cancel the join
	err = r.Coordinator.Connect(stopCtx)
	if err == nil {
		err = r.join(stopCtx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(starting)
	if err == nil {
		err = stopCtx.Err()
	}
	if err != nil {
		r.stopCancel()
		r.setState(Stopped)
		return err
	}
	r.signals = make(chan signal, 2)
	r.done = make(chan struct{})
	r.fetcher = &FetchManager{
		Fetch:       r.Coordinator.Fetch,
		Handle:      r.handleBatch,
		IsRunning:   r.IsRunning,
		Recover:     r.recover,
		Concurrency: r.Config.Concurrency,
		PollBackoff: r.Config.PollBackoff,
		Backoff:     r.Config.Retry.backoff(),
		Logger:      r.logger(),
		Metrics:     r.Metrics,
	}
	r.running.Store(true)
	r.setState(Running)
	r.startLoops()
	go r.supervise()
	level.Info(r.logger()).Log("msg", "runner started", "leader", r.Coordinator.IsLeader())
	return nil
}

// prepare moves a stopped Runner to Joining. Returns a nil channel if the
// Runner is already started.
func (r *Runner) prepare(ctx context.Context) (context.Context, chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.State() {
	case Crashed:
		return nil, nil, ErrCrashed
	case Stopped:
	default:
		return nil, nil, nil
	}
	if err := r.Config.Validate(); err != nil {
		return nil, nil, err
	}
	if r.Coordinator == nil || r.Handler == nil {
		return nil, nil, errors.NewConfigError("coordinator and handler are required")
	}
	r.setState(Joining)
	r.ctx = ctx
	r.stopCtx, r.stopCancel = context.WithCancel(ctx)
	r.starting = make(chan struct{})
	r.done = nil
	return r.stopCtx, r.starting, nil
}

// Stop both loops and wait for the cycle in flight to complete. Handlers are
// not interrupted. Does not leave the group. Returns ctx.Err() if ctx is
// done before the Runner stops. Idempotent.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, starting := r.stopCancel, r.starting
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-starting:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the Runner stops or crashes after a successful Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// CommitOffsets commits m. Errors are returned to the caller, not handled
// by the Runner.
func (r *Runner) CommitOffsets(ctx context.Context, m offsets.OffsetMap) error {
	return r.Coordinator.CommitOffsets(ctx, m)
}

func (r *Runner) startLoops() {
	r.hbStop = make(chan struct{})
	r.hbDone = make(chan struct{})
	go r.heartbeatLoop(r.hbStop, r.hbDone)
	r.fetcher.Start(r.ctx)
	r.loops = true
}

// stopLoops waits for the heartbeat in flight and for all batches of the
// cycle in flight.
func (r *Runner) stopLoops() {
	if !r.loops {
		return
	}
	close(r.hbStop)
	r.fetcher.Stop()
	<-r.hbDone
	r.fetcher.Wait()
	r.loops = false
}

func (r *Runner) signal(kind signalKind, err error) {
	select {
	case r.signals <- signal{kind: kind, err: err}:
	default:
		// both loops signalled already
	}
}

// supervise owns state transitions after Start.
func (r *Runner) supervise() {
	defer close(r.done)
	for {
		select {
		case <-r.stopCtx.Done():
			r.shutdown(nil)
			return
		case s := <-r.signals:
			err := s.err
			if s.kind == signalRejoin {
				err = r.rejoin()
			}
			if err != nil {
				r.shutdown(err)
				return
			}
		}
	}
}

// rejoin the group after the loops are stopped. Returns a non nil error if
// the Runner must crash. A Stop during rejoin is picked up by the
// supervisor.
func (r *Runner) rejoin() error {
	r.running.Store(false)
	r.epoch.Inc()
	r.setState(Rebalancing)
	level.Info(r.logger()).Log("msg", "group is rebalancing, stopping loops")
	r.stopLoops()
drain:
	for {
		select {
		case s := <-r.signals:
			if s.kind == signalCrash {
				return s.err
			}
		default:
			break drain
		}
	}
	r.Metrics.rejoin()
	if err := r.join(r.stopCtx); err != nil {
		if r.stopCtx.Err() != nil {
			return nil
		}
		return err
	}
	if r.stopCtx.Err() != nil {
		return nil
	}
	r.running.Store(true)
	r.setState(Running)
	r.startLoops()
	return nil
}

// shutdown stops the loops and moves to Stopped, or to Crashed if err is
// not nil.
func (r *Runner) shutdown(err error) {
	r.running.Store(false)
	r.stopLoops()
	if err == nil {
		r.setState(Stopped)
		level.Info(r.logger()).Log("msg", "runner stopped")
		return
	}
	r.setState(Crashed)
	r.crash(err)
}

func (r *Runner) crash(err error) {
	r.crashOnce.Do(func() {
		level.Error(r.logger()).Log("msg", "runner crashed", "err", err)
		r.Metrics.crash()
		if r.OnCrash != nil {
			r.OnCrash(err)
		}
	})
}

// join calls JoinAndSync until it succeeds, retrying rebalance and
// retriable errors. ctx ends the backoff waits.
func (r *Runner) join(ctx context.Context) error {
	retry := backoff.New(ctx, r.Config.Retry.backoff())
	failures := 0
	for {
		err := r.Coordinator.JoinAndSync(ctx)
		if err == nil {
			r.hbMu.Lock()
			r.lastHeartbeat = time.Now()
			r.hbMu.Unlock()
			return nil
		}
		failures++
		switch errors.Classify(err) {
		case errors.KindFatal, errors.KindNonRetriable:
			return err
		}
		if failures > r.Config.Retry.Retries {
			return &errors.RetriesExceeded{Cause: err, Retries: r.Config.Retry.Retries}
		}
		level.Warn(r.logger()).Log("msg", "error joining group, retrying", "attempt", failures, "err", err)
		retry.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// heartbeat calls the coordinator, at most once per HeartbeatInterval unless
// force is set. Only one heartbeat is in flight at a time.
func (r *Runner) heartbeat(ctx context.Context, force bool) error {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if !force && time.Since(r.lastHeartbeat) < r.Config.HeartbeatInterval {
		return nil
	}
	err := r.Coordinator.Heartbeat(ctx)
	r.Metrics.heartbeat(err)
	if err == nil {
		r.lastHeartbeat = time.Now()
	}
	return err
}

func (r *Runner) heartbeatLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		err := r.heartbeat(r.ctx, true)
		if err == nil {
			continue
		}
		if r.ctx.Err() != nil {
			return
		}
		if errors.IsRebalancing(err) {
			level.Info(r.logger()).Log("msg", "heartbeat: group is rebalancing", "err", err)
			r.signal(signalRejoin, nil)
		} else {
			level.Error(r.logger()).Log("msg", "heartbeat failed", "err", err)
			r.signal(signalCrash, err)
		}
		return
	}
}

// recover decides what to do about a failed fetch and process cycle. See
// FetchManager.Recover.
func (r *Runner) recover(err error, failures int) bool {
	if !r.IsRunning() || r.ctx.Err() != nil {
		return false
	}
	kind := errors.Classify(err)
	switch kind {
	case errors.KindRebalanceInProgress, errors.KindUnknownMember:
		level.Info(r.logger()).Log("msg", "fetch: group is rebalancing", "err", err)
		r.signal(signalRejoin, nil)
		return false
	case errors.KindFatal:
		r.signal(signalCrash, err)
		return false
	}
	if kind == errors.KindRetriable && failures > r.Config.Retry.Retries {
		r.signal(signalCrash, &errors.RetriesExceeded{Cause: err, Retries: r.Config.Retry.Retries})
		return false
	}
	// guard the session before backing off
	herr := r.heartbeat(r.ctx, true)
	if errors.IsRebalancing(herr) {
		r.signal(signalRejoin, nil)
		return false
	}
	if kind == errors.KindNonRetriable {
		r.signal(signalCrash, err)
		return false
	}
	if herr != nil && !errors.IsRetriable(herr) {
		level.Warn(r.logger()).Log("msg", "guard heartbeat failed", "err", herr)
		r.signal(signalCrash, err)
		return false
	}
	level.Warn(r.logger()).Log("msg", "fetch cycle failed, retrying", "attempt", failures, "err", err)
	return true
}

// handleBatch runs the handler for b, then resolves and commits offsets as
// configured.
func (r *Runner) handleBatch(ctx context.Context, b *batch.Batch) error {
	if b.IsEmpty() {
		if r.Config.AutoCommit {
			return r.Coordinator.CommitOffsetsIfNecessary(ctx, nil)
		}
		return nil
	}
	d := &Delivery{Batch: b, runner: r, epoch: r.epoch.Load()}
	r.Metrics.batch(len(b.Messages))
	if err := r.Handler(ctx, d); err != nil {
		r.Metrics.handlerError(err)
		return err
	}
	if r.Config.EachBatchAutoResolve {
		r.Coordinator.ResolveOffset(b.Topic, b.Partition, b.LastOffset())
	}
	if r.Config.AutoCommit {
		return r.Coordinator.CommitOffsetsIfNecessary(ctx, nil)
	}
	return nil
}
