package coordinator

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/builder"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"
)

// Fetch one batch from each assigned, not paused partition, at the current
// position. Requests to different leaders go out in parallel. Positions are
// not moved by Fetch for batches with records: they move when offsets are
// resolved, so a batch that was not resolved is fetched again. If the
// response skipped over control batches or compacted offsets with no
// records, Fetch resolves them itself and returns the empty batch, so that
// the caller can commit the progress.
//
// Any partition error fails the whole fetch: no batches are returned and
// the error is a *multierror.Error with one entry per failed partition or
// broker.
func (c *Coordinator) Fetch(ctx context.Context) ([]*batch.Batch, error) {
	c.mu.Lock()
	stale := c.metadataStale
	topics := make([]string, 0, len(c.assignment))
	for t := range c.assignment {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	if stale && len(topics) > 0 {
		if err := c.refreshMetadata(ctx, topics); err != nil {
			return nil, err
		}
	}
	positions := c.fetchPositions()
	if positions.Len() == 0 {
		return nil, nil
	}
	partitions := map[string][]int32{}
	for topic, pp := range positions {
		for p := range pp {
			partitions[topic] = append(partitions[topic], p)
		}
	}
	grouped, unknown := c.byLeader(partitions)
	if len(unknown) > 0 {
		c.mu.Lock()
		c.metadataStale = true
		c.mu.Unlock()
		return nil, errors.Format("no leader for partitions of %v: %w", unknown, kerr.LeaderNotAvailable)
	}
	var (
		mu        sync.Mutex
		exchanges []*Exchange
		errs      *multierror.Error
	)
	g := errgroup.Group{}
	for node, topics := range grouped {
		node, topics := node, topics
		g.Go(func() error {
			ee, err := c.fetchFromLeader(ctx, node, topics, positions)
			mu.Lock()
			defer mu.Unlock()
			exchanges = append(exchanges, ee...)
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			return nil
		})
	}
	g.Wait()
	var batches []*batch.Batch
	for _, e := range exchanges {
		e.log(level.Debug(c.logger()))
		if e.Error != nil {
			errs = multierror.Append(errs, e.Error)
			continue
		}
		if e.Batch == nil {
			continue
		}
		if !e.Batch.IsEmpty() || e.FinalOffset > e.InitialOffset {
			batches = append(batches, e.Batch)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (c *Coordinator) fetchPositions() offsets.OffsetMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := offsets.OffsetMap{}
	for topic, pp := range c.positions {
		for p, offset := range pp {
			if c.paused[topic][p] {
				continue
			}
			out.Set(topic, p, offset)
		}
	}
	return out
}

func (c *Coordinator) fetchFromLeader(ctx context.Context, node int32, topics map[string][]int32, positions offsets.OffsetMap) ([]*Exchange, error) {
	conn, err := c.leaderConn(ctx, node)
	if err != nil {
		return nil, err
	}
	req := kmsg.NewPtrFetchRequest()
	req.SetVersion(11)
	req.ReplicaID = -1
	req.MaxWaitMillis = int32(c.cfg.MaxWaitTime.Milliseconds())
	req.MinBytes = int32(c.cfg.MinBytes)
	req.MaxBytes = int32(c.cfg.MaxBytes)
	req.IsolationLevel = 0
	req.SessionID = 0
	req.SessionEpoch = -1
	for topic, pp := range topics {
		rt := kmsg.NewFetchRequestTopic()
		rt.Topic = topic
		for _, p := range pp {
			rp := kmsg.NewFetchRequestTopicPartition()
			rp.Partition = p
			rp.CurrentLeaderEpoch = -1
			rp.FetchOffset = positions[topic][p]
			rp.LastFetchedEpoch = -1
			rp.LogStartOffset = -1
			rp.PartitionMaxBytes = int32(c.cfg.MaxBytesPerPartition)
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		c.dropConn(node, conn)
		return nil, err
	}
	resp := kresp.(*kmsg.FetchResponse)
	if err := errors.Protocol("fetch", resp.ErrorCode); err != nil {
		return nil, err
	}
	var exchanges []*Exchange
	for _, rt := range resp.Topics {
		for i := range rt.Partitions {
			p := &rt.Partitions[i]
			offset, ok := positions[rt.Topic][p.Partition]
			if !ok {
				continue
			}
			e := &Exchange{
				Topic:         rt.Topic,
				Partition:     p.Partition,
				Leader:        node,
				ErrorCode:     p.ErrorCode,
				InitialOffset: offset,
				FinalOffset:   offset,
			}
			c.handleFetchResponse(ctx, node, conn, p, e)
			exchanges = append(exchanges, e)
		}
	}
	return exchanges, nil
}

// handleFetchResponse decodes the partition response into e and moves the
// position where needed. On OFFSET_OUT_OF_RANGE the position is reset to
// earliest or latest; the exchange is still an error, but the next fetch
// from the partition should succeed. Errors meaning leadership moved close
// the connection to the leader and mark metadata for refresh.
func (c *Coordinator) handleFetchResponse(ctx context.Context, node int32, conn *builder.Conn, p *kmsg.FetchResponseTopicPartition, e *Exchange) {
	if err := errors.Protocol("fetch", p.ErrorCode); err != nil {
		e.Error = errors.Format("error for topic %s partition %d: %w", e.Topic, e.Partition, err)
		if p.ErrorCode == kerr.OffsetOutOfRange.Code {
			reset, rerr := c.listOffsets(ctx, map[string][]int32{e.Topic: {e.Partition}})
			if rerr != nil {
				level.Warn(c.logger()).Log("msg", "error resetting offset", "topic", e.Topic, "partition", e.Partition, "err", rerr)
				return
			}
			if offset, ok := reset.Get(e.Topic, e.Partition); ok {
				e.FinalOffset = c.movePosition(e.Topic, e.Partition, e.InitialOffset, offset)
				level.Info(c.logger()).Log("msg", "offset out of range, reset", "topic", e.Topic, "partition", e.Partition, "from", e.InitialOffset, "to", offset)
			}
			return
		}
		c.markStale(err)
		if errors.Is(err, kerr.NotLeaderForPartition) || errors.Is(err, kerr.FencedLeaderEpoch) {
			c.dropConn(node, conn)
		}
		return
	}
	b, next, err := batch.Decode(e.Topic, p, e.InitialOffset, c.Decompressors)
	if err != nil {
		e.Error = errors.Format("error decoding topic %s partition %d: %w", e.Topic, e.Partition, err)
		return
	}
	e.Batch = b
	if b.IsEmpty() && next > e.InitialOffset {
		e.FinalOffset = c.skipHole(b, next)
	}
}

// skipHole resolves the offsets of an empty batch up to next, but never past
// the end of the partition. Returns the resulting position.
func (c *Coordinator) skipHole(b *batch.Batch, next int64) int64 {
	last := next - 1
	if end := b.LastOffset(); end >= b.FetchedOffset && end < last {
		last = end
	}
	c.ResolveOffset(b.Topic, b.Partition, last)
	c.mu.Lock()
	defer c.mu.Unlock()
	current, _ := c.positions.Get(b.Topic, b.Partition)
	return current
}

// movePosition sets the position of the partition to offset if it is still
// at from. Returns the resulting position.
func (c *Coordinator) movePosition(topic string, partition int32, from, offset int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.positions.Get(topic, partition)
	if !ok {
		return from
	}
	if current == from {
		c.positions.Set(topic, partition, offset)
		return offset
	}
	return current
}
