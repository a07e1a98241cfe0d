package coordinator

import (
	"context"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/builder"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/groups"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	earliest = -2
	latest   = -1
)

// bootstrapConn is a connection to any broker, picked round robin from the
// builder's broker list. Re-picked after errors.
func (c *Coordinator) bootstrapConn(ctx context.Context) (*builder.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrap != nil {
		return c.bootstrap, nil
	}
	conn, err := c.Builder.Build(ctx, nil)
	if err != nil {
		return nil, err
	}
	c.bootstrap = conn
	return conn, nil
}

func (c *Coordinator) dropBootstrap(conn *builder.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bootstrap == conn {
		c.bootstrap.Close()
		c.bootstrap = nil
	}
}

func (c *Coordinator) coordinatorConn(ctx context.Context) (*builder.Conn, error) {
	c.mu.Lock()
	conn := c.coordinator
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	bootstrap, err := c.bootstrapConn(ctx)
	if err != nil {
		return nil, err
	}
	req := kmsg.NewPtrFindCoordinatorRequest()
	req.SetVersion(2)
	req.CoordinatorKey = c.cfg.Group
	req.CoordinatorType = 0
	kresp, err := bootstrap.Request(ctx, req)
	if err != nil {
		c.dropBootstrap(bootstrap)
		return nil, err
	}
	resp := kresp.(*kmsg.FindCoordinatorResponse)
	if err := errors.Protocol("find coordinator", resp.ErrorCode); err != nil {
		return nil, err
	}
	dst := &builder.Destination{NodeID: resp.NodeID, Host: resp.Host, Port: resp.Port}
	conn, err = c.Builder.Build(ctx, dst)
	if err != nil {
		return nil, err
	}
	level.Debug(c.logger()).Log("msg", "found group coordinator", "node", resp.NodeID, "addr", dst.Addr())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coordinator != nil {
		conn.Close()
		return c.coordinator, nil
	}
	c.coordinator = conn
	return conn, nil
}

func (c *Coordinator) groupConn(ctx context.Context) (groups.Requestor, error) {
	conn, err := c.coordinatorConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Coordinator) offsetsConn(ctx context.Context) (offsets.Requestor, error) {
	conn, err := c.coordinatorConn(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Coordinator) metadata(ctx context.Context, topics []string) (*kmsg.MetadataResponse, error) {
	conn, err := c.bootstrapConn(ctx)
	if err != nil {
		return nil, err
	}
	req := kmsg.NewPtrMetadataRequest()
	req.SetVersion(7)
	for _, t := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		topic := t
		rt.Topic = &topic
		req.Topics = append(req.Topics, rt)
	}
	req.AllowAutoTopicCreation = false
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		c.dropBootstrap(conn)
		return nil, err
	}
	return kresp.(*kmsg.MetadataResponse), nil
}

// refreshMetadata updates brokers and partition leaders for topics. Topics
// with errors are logged and left out.
func (c *Coordinator) refreshMetadata(ctx context.Context, topics []string) error {
	resp, err := c.metadata(ctx, topics)
	if err != nil {
		return err
	}
	if len(resp.Brokers) == 0 {
		return errors.ErrNoBrokerAvailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range resp.Brokers {
		dst := &builder.Destination{NodeID: b.NodeID, Host: b.Host, Port: b.Port}
		if old, ok := c.brokers[b.NodeID]; ok && old.Addr() != dst.Addr() {
			if conn := c.conns[b.NodeID]; conn != nil {
				conn.Close()
				delete(c.conns, b.NodeID)
			}
		}
		c.brokers[b.NodeID] = dst
	}
	for _, t := range resp.Topics {
		if t.Topic == nil {
			continue
		}
		if err := errors.Protocol("metadata", t.ErrorCode); err != nil {
			level.Warn(c.logger()).Log("msg", "topic metadata error", "topic", *t.Topic, "err", err)
			continue
		}
		leaders := map[int32]int32{}
		for _, p := range t.Partitions {
			leaders[p.Partition] = p.Leader
		}
		c.leaders[*t.Topic] = leaders
	}
	c.metadataStale = false
	return nil
}

// partitions of topics, from fresh metadata. Used by the group leader to
// compute assignments.
func (c *Coordinator) partitions(ctx context.Context, topics []string) (map[string][]int32, error) {
	if err := c.refreshMetadata(ctx, topics); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string][]int32{}
	for _, t := range topics {
		for p := range c.leaders[t] {
			out[t] = append(out[t], p)
		}
		sort.Slice(out[t], func(i, j int) bool { return out[t][i] < out[t][j] })
	}
	return out, nil
}

// leaderConn returns connection to the broker with node id, building it if
// needed.
func (c *Coordinator) leaderConn(ctx context.Context, node int32) (*builder.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn := c.conns[node]; conn != nil {
		return conn, nil
	}
	dst := c.brokers[node]
	if dst == nil {
		c.metadataStale = true
		return nil, errors.Format("unknown broker %d: %w", node, kerr.LeaderNotAvailable)
	}
	conn, err := c.Builder.Build(ctx, dst)
	if err != nil {
		return nil, err
	}
	c.conns[node] = conn
	return conn, nil
}

// byLeader groups partitions of topics by their leader. Partitions with no
// known leader are returned separately.
func (c *Coordinator) byLeader(partitions map[string][]int32) (map[int32]map[string][]int32, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[int32]map[string][]int32{}
	var unknown []string
	for topic, pp := range partitions {
		for _, p := range pp {
			leader, ok := c.leaders[topic][p]
			if !ok || leader < 0 {
				unknown = append(unknown, topic)
				continue
			}
			if out[leader] == nil {
				out[leader] = map[string][]int32{}
			}
			out[leader][topic] = append(out[leader][topic], p)
		}
	}
	return out, unknown
}

// listOffsets returns the earliest or latest offset (depending on
// FromBeginning) of each partition.
func (c *Coordinator) listOffsets(ctx context.Context, partitions map[string][]int32) (offsets.OffsetMap, error) {
	timestamp := int64(latest)
	if c.cfg.FromBeginning {
		timestamp = earliest
	}
	grouped, unknown := c.byLeader(partitions)
	if len(unknown) > 0 {
		c.mu.Lock()
		c.metadataStale = true
		c.mu.Unlock()
		return nil, errors.Format("no leader for partitions of %v: %w", unknown, kerr.LeaderNotAvailable)
	}
	out := offsets.OffsetMap{}
	for node, topics := range grouped {
		conn, err := c.leaderConn(ctx, node)
		if err != nil {
			return nil, err
		}
		req := kmsg.NewPtrListOffsetsRequest()
		req.SetVersion(4)
		req.ReplicaID = -1
		for topic, pp := range topics {
			rt := kmsg.NewListOffsetsRequestTopic()
			rt.Topic = topic
			for _, p := range pp {
				rp := kmsg.NewListOffsetsRequestTopicPartition()
				rp.Partition = p
				rp.CurrentLeaderEpoch = -1
				rp.Timestamp = timestamp
				rt.Partitions = append(rt.Partitions, rp)
			}
			req.Topics = append(req.Topics, rt)
		}
		kresp, err := conn.Request(ctx, req)
		if err != nil {
			c.dropConn(node, conn)
			return nil, err
		}
		for _, rt := range kresp.(*kmsg.ListOffsetsResponse).Topics {
			for _, rp := range rt.Partitions {
				if err := errors.Protocol("list offsets", rp.ErrorCode); err != nil {
					c.markStale(err)
					return nil, errors.Format("error for topic %s partition %d: %w", rt.Topic, rp.Partition, err)
				}
				if rp.Offset < 0 {
					return nil, errors.Retriable(errors.Format("no offset for topic %s partition %d at timestamp %d", rt.Topic, rp.Partition, timestamp))
				}
				out.Set(rt.Topic, rp.Partition, rp.Offset)
			}
		}
	}
	return out, nil
}

func (c *Coordinator) dropConn(node int32, conn *builder.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[node] == conn {
		conn.Close()
		delete(c.conns, node)
	}
	c.metadataStale = true
}

// markStale flags metadata for refresh if err means leadership moved.
func (c *Coordinator) markStale(err error) {
	if errors.Is(err, kerr.NotLeaderForPartition) ||
		errors.Is(err, kerr.UnknownTopicOrPartition) ||
		errors.Is(err, kerr.LeaderNotAvailable) ||
		errors.Is(err, kerr.FencedLeaderEpoch) ||
		errors.Is(err, kerr.UnknownLeaderEpoch) {
		c.mu.Lock()
		c.metadataStale = true
		c.mu.Unlock()
	}
}
