package kafkaconsumer

import (
	"context"
	"crypto/tls"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/hashicorp/go-multierror"
	"github.com/mkocikowski/kafkaconsumer/builder"
	"github.com/mkocikowski/kafkaconsumer/consumer"
	"github.com/mkocikowski/kafkaconsumer/coordinator"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Config of the Consumer. Brokers are either a static list or looked up in
// DNS SRV records.
type Config struct {
	Brokers []string `yaml:"brokers"`
	// SRV record name, for example "_kafka._tcp.example.com". Overrides
	// Brokers if set
	SRV       string `yaml:"srv"`
	DNSServer string `yaml:"dns_server"`
	ClientID  string `yaml:"client_id"`
	// Connect over TLS with the system roots
	TLS             bool          `yaml:"tls"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Group  coordinator.Config `yaml:"group"`
	Runner consumer.Config    `yaml:"runner"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var((*flagext.StringSliceCSV)(&c.Brokers), "brokers", "Comma separated list of host:port bootstrap brokers.")
	f.StringVar(&c.SRV, "srv", "", "DNS SRV record to look up brokers in. Overrides -brokers.")
	f.StringVar(&c.DNSServer, "dns-server", "", "host:port of the DNS server for -srv. Defaults to the first server in /etc/resolv.conf.")
	f.StringVar(&c.ClientID, "client-id", "kafkaconsumer", "Client id sent with every request.")
	f.BoolVar(&c.TLS, "tls", false, "Connect to brokers over TLS.")
	f.DurationVar(&c.DialTimeout, "dial-timeout", 5*time.Second, "Broker dial timeout.")
	f.DurationVar(&c.RequestTimeout, "request-timeout", 30*time.Second, "Broker request timeout.")
	f.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Time to wait for handlers, the final commit, and leaving the group on shutdown.")
	f.Var((*flagext.StringSliceCSV)(&c.Group.Topics), "topics", "Comma separated list of topics to consume.")
	c.Group.RegisterFlags(f)
	c.Runner.RegisterFlags(f)
}

// Validate the whole config. Called by New.
func (c *Config) Validate() error {
	if c.SRV == "" {
		if err := builder.Validate(c.Brokers); err != nil {
			return err
		}
	}
	if c.DialTimeout < 0 || c.RequestTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.NewConfigError("timeouts must be >=0")
	}
	if err := c.Group.Validate(); err != nil {
		return err
	}
	return c.Runner.Validate()
}

// Consumer is a single consumer group member. Create with New. Run once.
type Consumer struct {
	// Optional, called when the runner crashes, before Run returns
	OnCrash func(error)
	//
	config      Config
	logger      log.Logger
	coordinator *coordinator.Coordinator
	runner      *consumer.Runner
	mu          sync.Mutex
	crashErr    error
	ran         atomic.Bool
	stopped     atomic.Bool
	finished    chan struct{}
}

// New builds a Consumer. Nothing is dialed until Run. Logger and reg may be
// nil.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &builder.Builder{
		Brokers:        cfg.Brokers,
		ClientID:       cfg.ClientID,
		DialTimeout:    cfg.DialTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log.With(logger, "component", "builder"),
	}
	if cfg.SRV != "" {
		b.Resolver = builder.SRVResolver(cfg.SRV, cfg.DNSServer)
	}
	if cfg.TLS {
		b.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	var m *consumer.Metrics
	if reg != nil {
		b.Metrics = builder.NewMetrics(reg)
		m = consumer.NewMetrics(reg)
	}
	c := &Consumer{
		config:   cfg,
		logger:   logger,
		finished: make(chan struct{}),
	}
	c.coordinator = &coordinator.Coordinator{
		Config:  cfg.Group,
		Builder: b,
		Logger:  log.With(logger, "component", "coordinator", "group", cfg.Group.Group),
	}
	c.runner = &consumer.Runner{
		Config:      cfg.Runner,
		Coordinator: c.coordinator,
		OnCrash:     c.crashed,
		Logger:      log.With(logger, "component", "runner", "group", cfg.Group.Group),
		Metrics:     m,
	}
	return c, nil
}

func (c *Consumer) crashed(err error) {
	c.mu.Lock()
	c.crashErr = err
	c.mu.Unlock()
	if c.OnCrash != nil {
		c.OnCrash(err)
	}
}

// Run joins the group and consumes until ctx is cancelled, Stop is called,
// or the runner crashes. Handlers get ctx. On a clean stop resolved offsets
// are committed and the member leaves the group; the returned error is then
// the error of that shutdown, if any. On a crash the crash error is
// returned and nothing is committed. Run can be called only once.
func (c *Consumer) Run(ctx context.Context, handler consumer.BatchHandler) error {
	if !c.ran.CompareAndSwap(false, true) {
		return errors.NewConfigError("consumer already ran")
	}
	defer close(c.finished)
	if c.stopped.Load() {
		return nil
	}
	c.runner.Handler = handler
	if err := c.runner.Start(ctx); err != nil {
		c.coordinator.Close()
		if c.stopped.Load() {
			return nil
		}
		return err
	}
	if c.stopped.Load() {
		// Stop came in before the runner was starting
		return c.shutdown()
	}
	select {
	case <-ctx.Done():
	case <-c.runner.Done():
	}
	return c.shutdown()
}

func (c *Consumer) shutdown() error {
	ctx, cancel := context.WithCancel(context.Background())
	if c.config.ShutdownTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.config.ShutdownTimeout)
	}
	defer cancel()
	var errs *multierror.Error
	if err := c.runner.Stop(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	c.mu.Lock()
	crashErr := c.crashErr
	c.mu.Unlock()
	if crashErr != nil {
		c.coordinator.Close()
		return crashErr
	}
	if m := c.coordinator.UncommittedOffsets(); m.Len() > 0 {
		if err := c.coordinator.CommitOffsets(ctx, m); err != nil {
			level.Warn(c.logger).Log("msg", "final commit failed", "err", err)
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.coordinator.Leave(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "leave group failed", "err", err)
		errs = multierror.Append(errs, err)
	}
	if err := c.coordinator.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	level.Info(c.logger).Log("msg", "consumer stopped")
	return errs.ErrorOrNil()
}

// Stop the consumer and wait for Run to return, or for ctx to be done. A
// nop before Run. Cancels joining the group if Run is still at it.
func (c *Consumer) Stop(ctx context.Context) error {
	if !c.ran.Load() {
		return nil
	}
	c.stopped.Store(true)
	if err := c.runner.Stop(ctx); err != nil {
		return err
	}
	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State of the underlying runner.
func (c *Consumer) State() consumer.State {
	return c.runner.State()
}

// CommitOffsets commits m now.
func (c *Consumer) CommitOffsets(ctx context.Context, m offsets.OffsetMap) error {
	return c.runner.CommitOffsets(ctx, m)
}

// Pause fetching from partitions of topic. Paused partitions stay assigned.
func (c *Consumer) Pause(topic string, partitions ...int32) {
	c.coordinator.Pause(topic, partitions...)
}

func (c *Consumer) Resume(topic string, partitions ...int32) {
	c.coordinator.Resume(topic, partitions...)
}

// Assignment of this member in the current generation.
func (c *Consumer) Assignment() map[string][]int32 {
	return c.coordinator.Assignment()
}
