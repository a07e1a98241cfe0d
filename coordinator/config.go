package coordinator

import (
	"flag"
	"time"

	"github.com/mkocikowski/kafkaconsumer/errors"
)

// Config of the group coordinator client.
type Config struct {
	Group  string   `yaml:"group"`
	Topics []string `yaml:"topics"`
	// Static membership id, optional
	InstanceID       string        `yaml:"instance_id"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	RebalanceTimeout time.Duration `yaml:"rebalance_timeout"`
	// Where to start partitions with no committed offset, and where to
	// go on OFFSET_OUT_OF_RANGE: earliest if true, else latest
	FromBeginning        bool          `yaml:"from_beginning"`
	MaxWaitTime          time.Duration `yaml:"max_wait_time"`
	MinBytes             int           `yaml:"min_bytes"`
	MaxBytes             int           `yaml:"max_bytes"`
	MaxBytesPerPartition int           `yaml:"max_bytes_per_partition"`
	AutoCommitInterval   time.Duration `yaml:"auto_commit_interval"`
	AutoCommitThreshold  int           `yaml:"auto_commit_threshold"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

func (c *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Group, prefix+"group", "", "Consumer group id.")
	f.StringVar(&c.InstanceID, prefix+"instance-id", "", "Static group membership instance id.")
	f.DurationVar(&c.SessionTimeout, prefix+"session-timeout", 30*time.Second, "Group session timeout.")
	f.DurationVar(&c.RebalanceTimeout, prefix+"rebalance-timeout", time.Minute, "Group rebalance timeout.")
	f.BoolVar(&c.FromBeginning, prefix+"from-beginning", false, "Start partitions with no committed offset from the earliest offset instead of the latest.")
	f.DurationVar(&c.MaxWaitTime, prefix+"max-wait-time", 500*time.Millisecond, "Maximum time the broker waits for MinBytes of data in a fetch.")
	f.IntVar(&c.MinBytes, prefix+"min-bytes", 1, "Minimum bytes a fetch returns.")
	f.IntVar(&c.MaxBytes, prefix+"max-bytes", 50<<20, "Maximum bytes a fetch returns.")
	f.IntVar(&c.MaxBytesPerPartition, prefix+"max-bytes-per-partition", 1<<20, "Maximum bytes a fetch returns per partition.")
	f.DurationVar(&c.AutoCommitInterval, prefix+"auto-commit-interval", 5*time.Second, "Commit resolved offsets at most this often. 0 to disable.")
	f.IntVar(&c.AutoCommitThreshold, prefix+"auto-commit-threshold", 0, "Commit resolved offsets after this many resolves. 0 to disable.")
}

// Validate is called by Connect.
func (c *Config) Validate() error {
	if c.Group == "" {
		return errors.NewConfigError("group is required")
	}
	if len(c.Topics) == 0 {
		return errors.NewConfigError("at least one topic is required")
	}
	for i, t := range c.Topics {
		if t == "" {
			return errors.NewConfigError("topic %d is empty", i)
		}
	}
	if c.MinBytes < 0 || c.MaxBytes < 0 || c.MaxBytesPerPartition < 0 {
		return errors.NewConfigError("fetch byte limits must be >=0")
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxWaitTime == 0 {
		out.MaxWaitTime = 500 * time.Millisecond
	}
	if out.MinBytes == 0 {
		out.MinBytes = 1
	}
	if out.MaxBytes == 0 {
		out.MaxBytes = 50 << 20
	}
	if out.MaxBytesPerPartition == 0 {
		out.MaxBytesPerPartition = 1 << 20
	}
	return out
}
