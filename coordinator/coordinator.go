// Package coordinator is the client side of a consumer group: it finds the
// group coordinator, manages membership and offsets through it, tracks
// partition leaders, and fetches batches for the partitions assigned to this
// member. It is used by the consumer Runner through the GroupCoordinator
// interface.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/builder"
	"github.com/mkocikowski/kafkaconsumer/compression"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/groups"
	"github.com/mkocikowski/kafkaconsumer/groups/assigners"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/twmb/franz-go/pkg/kerr"
)

// Coordinator for a single group member. Make sure to set public field
// values before calling Connect. Do not change them after. Safe for
// concurrent use, but Fetch must not be called concurrently with itself.
type Coordinator struct {
	Config  Config
	Builder *builder.Builder
	// Defaults to round robin
	Assigner groups.Assigner
	// Defaults to compression.Defaults()
	Decompressors map[int16]compression.Decompressor
	Logger        log.Logger
	//
	cfg        Config
	membership *groups.Membership
	offsets    *offsets.Manager
	connectMu  sync.Mutex
	connected  bool
	//
	mu            sync.Mutex
	bootstrap     *builder.Conn
	coordinator   *builder.Conn
	brokers       map[int32]*builder.Destination
	conns         map[int32]*builder.Conn
	leaders       map[string]map[int32]int32
	metadataStale bool
	assignment    map[string][]int32
	positions     offsets.OffsetMap
	paused        map[string]map[int32]bool
}

func (c *Coordinator) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

// Connect validates the config, connects to a bootstrap broker and loads
// metadata for the subscribed topics. Idempotent.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.connected {
		return nil
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Builder == nil {
		return errors.NewConfigError("builder is required")
	}
	c.cfg = c.Config.withDefaults()
	if c.Assigner == nil {
		c.Assigner = &assigners.RoundRobin{}
	}
	if c.Decompressors == nil {
		c.Decompressors = compression.Defaults()
	}
	c.mu.Lock()
	c.brokers = map[int32]*builder.Destination{}
	c.conns = map[int32]*builder.Conn{}
	c.leaders = map[string]map[int32]int32{}
	c.assignment = map[string][]int32{}
	c.positions = offsets.OffsetMap{}
	c.mu.Unlock()
	membership := &groups.Membership{
		Group:            c.cfg.Group,
		Topics:           c.cfg.Topics,
		Assigner:         c.Assigner,
		SessionTimeout:   c.cfg.SessionTimeout,
		RebalanceTimeout: c.cfg.RebalanceTimeout,
		InstanceID:       c.cfg.InstanceID,
		Coordinator:      c.groupConn,
		Partitions:       c.partitions,
		Logger:           c.logger(),
	}
	manager := &offsets.Manager{
		Group:               c.cfg.Group,
		Coordinator:         c.offsetsConn,
		Member:              membership.Generation,
		AutoCommitInterval:  c.cfg.AutoCommitInterval,
		AutoCommitThreshold: c.cfg.AutoCommitThreshold,
		Logger:              c.logger(),
	}
	c.mu.Lock()
	c.membership, c.offsets = membership, manager
	c.mu.Unlock()
	if err := c.refreshMetadata(ctx, c.cfg.Topics); err != nil {
		return err
	}
	c.connected = true
	level.Info(c.logger()).Log("msg", "connected", "group", c.cfg.Group, "topics", len(c.cfg.Topics))
	return nil
}

// checkCoordinator drops the group coordinator connection if err means the
// coordinator moved or went away. Returns err.
func (c *Coordinator) checkCoordinator(err error) error {
	if err == nil {
		return nil
	}
	var cerr *errors.ConnectionError
	if errors.As(err, &cerr) ||
		errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, kerr.CoordinatorNotAvailable) ||
		errors.Is(err, kerr.CoordinatorLoadInProgress) {
		c.mu.Lock()
		if c.coordinator != nil {
			c.coordinator.Close()
			c.coordinator = nil
		}
		c.mu.Unlock()
		level.Warn(c.logger()).Log("msg", "dropped group coordinator", "err", err)
	}
	return err
}

// JoinAndSync joins the group, obtains this member's assignment for the new
// generation, and sets the fetch positions of the assigned partitions from
// resolved, committed, or reset offsets (in that order of preference).
func (c *Coordinator) JoinAndSync(ctx context.Context) error {
	membership, manager := c.group()
	if membership == nil {
		return errors.ErrNotConnected
	}
	if err := c.checkCoordinator(membership.JoinAndSync(ctx)); err != nil {
		return err
	}
	assigned := membership.Assignment()
	manager.Retain(assigned)
	committed, err := manager.Fetch(ctx, assigned)
	if err := c.checkCoordinator(err); err != nil {
		return err
	}
	uncommitted := manager.Uncommitted()
	topics := make([]string, 0, len(assigned))
	for t := range assigned {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	if len(topics) > 0 {
		if err := c.refreshMetadata(ctx, topics); err != nil {
			return err
		}
	}
	positions := offsets.OffsetMap{}
	missing := map[string][]int32{}
	for topic, partitions := range assigned {
		for _, p := range partitions {
			if offset, ok := uncommitted.Get(topic, p); ok {
				positions.Set(topic, p, offset)
			} else if offset, ok := committed.Get(topic, p); ok {
				positions.Set(topic, p, offset)
			} else {
				missing[topic] = append(missing[topic], p)
			}
		}
	}
	if len(missing) > 0 {
		reset, err := c.listOffsets(ctx, missing)
		if err != nil {
			return err
		}
		for topic, partitions := range reset {
			for p, offset := range partitions {
				positions.Set(topic, p, offset)
			}
		}
	}
	c.mu.Lock()
	c.assignment = assigned
	c.positions = positions
	for topic, partitions := range c.paused {
		for p := range partitions {
			if _, ok := positions.Get(topic, p); !ok {
				delete(partitions, p)
			}
		}
	}
	c.mu.Unlock()
	generation, member := membership.Generation()
	level.Info(c.logger()).Log("msg", "assignment", "generation", generation, "member", member, "partitions", positions.Len())
	return nil
}

// group returns nil before Connect.
func (c *Coordinator) group() (*groups.Membership, *offsets.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membership, c.offsets
}

func (c *Coordinator) Heartbeat(ctx context.Context) error {
	membership, _ := c.group()
	if membership == nil {
		return errors.ErrNotConnected
	}
	return c.checkCoordinator(membership.Heartbeat(ctx))
}

// ResolveOffset marks offset as processed. The next fetch for the
// partition starts after it. A nop before Connect.
func (c *Coordinator) ResolveOffset(topic string, partition int32, offset int64) {
	_, manager := c.group()
	if manager == nil {
		return
	}
	manager.Resolve(topic, partition, offset)
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.positions.Get(topic, partition); ok && current <= offset {
		c.positions.Set(topic, partition, offset+1)
	}
}

// CommitOffsets commits offsets unconditionally.
func (c *Coordinator) CommitOffsets(ctx context.Context, m offsets.OffsetMap) error {
	_, manager := c.group()
	if manager == nil {
		return errors.ErrNotConnected
	}
	return c.checkCoordinator(manager.Commit(ctx, m))
}

// CommitOffsetsIfNecessary commits m unconditionally if it is not empty,
// else commits resolved offsets if the auto commit interval or threshold
// has been reached.
func (c *Coordinator) CommitOffsetsIfNecessary(ctx context.Context, m offsets.OffsetMap) error {
	if m.Len() > 0 {
		return c.CommitOffsets(ctx, m)
	}
	_, manager := c.group()
	if manager == nil {
		return errors.ErrNotConnected
	}
	return c.checkCoordinator(manager.CommitIfNecessary(ctx))
}

func (c *Coordinator) UncommittedOffsets() offsets.OffsetMap {
	_, manager := c.group()
	if manager == nil {
		return offsets.OffsetMap{}
	}
	return manager.Uncommitted()
}

// Assignment for the current generation. Empty before the first join.
func (c *Coordinator) Assignment() map[string][]int32 {
	membership, _ := c.group()
	if membership == nil {
		return map[string][]int32{}
	}
	return membership.Assignment()
}

// NodeIDs of all known brokers, sorted.
func (c *Coordinator) NodeIDs() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int32, 0, len(c.brokers))
	for id := range c.brokers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) IsLeader() bool {
	membership, _ := c.group()
	return membership != nil && membership.IsLeader()
}

func (c *Coordinator) IsPaused(topic string, partition int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused[topic][partition]
}

// Pause fetching from partitions of topic. If no partitions are given, all
// assigned partitions of topic are paused.
func (c *Coordinator) Pause(topic string, partitions ...int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(partitions) == 0 {
		partitions = c.assignment[topic]
	}
	if c.paused == nil {
		c.paused = map[string]map[int32]bool{}
	}
	if c.paused[topic] == nil {
		c.paused[topic] = map[int32]bool{}
	}
	for _, p := range partitions {
		c.paused[topic][p] = true
	}
}

// Resume fetching. If no partitions are given, all partitions of topic are
// resumed.
func (c *Coordinator) Resume(topic string, partitions ...int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(partitions) == 0 {
		delete(c.paused, topic)
		return
	}
	for _, p := range partitions {
		delete(c.paused[topic], p)
	}
}

// Leave the group.
func (c *Coordinator) Leave(ctx context.Context) error {
	membership, _ := c.group()
	if membership == nil {
		return nil
	}
	return c.checkCoordinator(membership.Leave(ctx))
}

// Close all broker connections. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
	for _, conn := range []*builder.Conn{c.bootstrap, c.coordinator} {
		if conn != nil {
			conn.Close()
		}
	}
	c.bootstrap = nil
	c.coordinator = nil
	return nil
}
