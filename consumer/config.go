package consumer

import (
	"flag"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/mkocikowski/kafkaconsumer/errors"
)

// RetryConfig is the policy for retriable fetch and handler errors, and for
// joining the group.
type RetryConfig struct {
	// Number of retries after the first failed attempt. Zero means fail on
	// the first error
	Retries    int           `yaml:"retries"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func (c *RetryConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.Retries, prefix+"retries", 5, "Number of retries of a failed fetch or batch before crashing.")
	f.DurationVar(&c.MinBackoff, prefix+"min-backoff", 300*time.Millisecond, "Minimum delay before a retry.")
	f.DurationVar(&c.MaxBackoff, prefix+"max-backoff", 30*time.Second, "Maximum delay before a retry.")
}

// backoff with no retry limit: the number of retries is counted by the
// Runner.
func (c *RetryConfig) backoff() backoff.Config {
	return backoff.Config{
		MinBackoff: c.MinBackoff,
		MaxBackoff: c.MaxBackoff,
	}
}

// Config of the Runner. Start from DefaultConfig or RegisterFlags: in the
// zero value EachBatchAutoResolve and AutoCommit are off.
type Config struct {
	// Maximum number of batches processed in parallel
	Concurrency int `yaml:"concurrency"`
	// Resolve the last offset of a batch after its handler succeeds
	EachBatchAutoResolve bool `yaml:"each_batch_auto_resolve"`
	// Commit resolved offsets (subject to the coordinator's interval and
	// threshold) after each batch
	AutoCommit        bool          `yaml:"auto_commit"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Delay after a fetch that returned no batches
	PollBackoff time.Duration `yaml:"poll_backoff"`
	Retry       RetryConfig   `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:          1,
		EachBatchAutoResolve: true,
		AutoCommit:           true,
		HeartbeatInterval:    3 * time.Second,
		PollBackoff:          100 * time.Millisecond,
		Retry: RetryConfig{
			Retries:    5,
			MinBackoff: 300 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
	}
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

func (c *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&c.Concurrency, prefix+"concurrency", 1, "Maximum number of batches processed in parallel.")
	f.BoolVar(&c.EachBatchAutoResolve, prefix+"each-batch-auto-resolve", true, "Resolve the last offset of each successfully processed batch.")
	f.BoolVar(&c.AutoCommit, prefix+"auto-commit", true, "Commit resolved offsets after each batch, subject to the commit interval and threshold.")
	f.DurationVar(&c.HeartbeatInterval, prefix+"heartbeat-interval", 3*time.Second, "Interval between group heartbeats.")
	f.DurationVar(&c.PollBackoff, prefix+"poll-backoff", 100*time.Millisecond, "Delay after a fetch that returned no batches.")
	c.Retry.RegisterFlagsWithPrefix(prefix+"retry.", f)
}

func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return errors.NewConfigError("concurrency must be >=1, got %d", c.Concurrency)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.NewConfigError("heartbeat interval must be >0")
	}
	if c.PollBackoff < 0 {
		return errors.NewConfigError("poll backoff must be >=0")
	}
	if c.Retry.Retries < 0 {
		return errors.NewConfigError("retries must be >=0, got %d", c.Retry.Retries)
	}
	if c.Retry.MinBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.MinBackoff {
		return errors.NewConfigError("invalid retry backoff %v..%v", c.Retry.MinBackoff, c.Retry.MaxBackoff)
	}
	return nil
}
