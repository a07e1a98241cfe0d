// Package offsets tracks consumed offsets and stores them in kafka. Offsets
// are "resolved" by the application as messages are processed, and
// committed to the group coordinator either explicitly or when the auto
// commit interval or threshold is reached.
package offsets

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// OffsetMap is topic -> partition -> offset. Offsets in an OffsetMap passed
// to or returned from Commit and Uncommitted are "next offsets": the offset
// of the next message to consume, as stored by kafka.
type OffsetMap map[string]map[int32]int64

func (m OffsetMap) Set(topic string, partition int32, offset int64) {
	p := m[topic]
	if p == nil {
		p = map[int32]int64{}
		m[topic] = p
	}
	p[partition] = offset
}

func (m OffsetMap) Get(topic string, partition int32) (int64, bool) {
	offset, ok := m[topic][partition]
	return offset, ok
}

// Len is the number of partitions in the map.
func (m OffsetMap) Len() int {
	n := 0
	for _, p := range m {
		n += len(p)
	}
	return n
}

func (m OffsetMap) Clone() OffsetMap {
	out := OffsetMap{}
	for topic, partitions := range m {
		for partition, offset := range partitions {
			out.Set(topic, partition, offset)
		}
	}
	return out
}

// Topics in sorted order.
func (m OffsetMap) Topics() []string {
	topics := make([]string, 0, len(m))
	for t := range m {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Requestor sends requests to the group coordinator. Implemented by
// builder.Conn.
type Requestor interface {
	Request(context.Context, kmsg.Request) (kmsg.Response, error)
}

// Member returns the current generation and member id of the group member
// on whose behalf offsets are committed.
type Member func() (generation int32, memberID string)

// Manager for group offsets. Make sure to set public field values before
// first use. Safe for concurrent use.
type Manager struct {
	Group string
	// Returns connection to the group coordinator
	Coordinator func(context.Context) (Requestor, error)
	Member      Member
	// CommitIfNecessary commits when this much time passed since last
	// commit. Zero disables the interval
	AutoCommitInterval time.Duration
	// CommitIfNecessary commits when this many offsets were resolved since
	// last commit. Zero disables the threshold. If both are zero every call
	// commits
	AutoCommitThreshold int
	Logger              log.Logger
	//
	mu         sync.Mutex
	resolved   OffsetMap
	committed  OffsetMap
	numPending int
	lastCommit time.Time
}

func (m *Manager) init() {
	if m.resolved == nil {
		m.resolved = OffsetMap{}
		m.committed = OffsetMap{}
		m.lastCommit = time.Now()
	}
}

func (m *Manager) logger() log.Logger {
	if m.Logger == nil {
		return log.NewNopLogger()
	}
	return m.Logger
}

// Resolve marks offset in topic partition as processed. Resolved offsets
// only move forward: resolving an offset lower than the one already
// resolved is a nop.
func (m *Manager) Resolve(topic string, partition int32, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	next := offset + 1
	if current, ok := m.resolved.Get(topic, partition); ok && current >= next {
		return
	}
	m.resolved.Set(topic, partition, next)
	m.numPending++
}

// Uncommitted offsets: resolved offsets that are ahead of what has been
// committed.
func (m *Manager) Uncommitted() OffsetMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	out := OffsetMap{}
	for topic, partitions := range m.resolved {
		for partition, next := range partitions {
			if committed, ok := m.committed.Get(topic, partition); ok && committed >= next {
				continue
			}
			out.Set(topic, partition, next)
		}
	}
	return out
}

// Committed offsets, as last fetched from or committed to kafka.
func (m *Manager) Committed() OffsetMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	return m.committed.Clone()
}

func (m *Manager) isNecessary() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	if m.AutoCommitInterval == 0 && m.AutoCommitThreshold == 0 {
		return true
	}
	if m.AutoCommitThreshold > 0 && m.numPending >= m.AutoCommitThreshold {
		return true
	}
	return m.AutoCommitInterval > 0 && time.Since(m.lastCommit) >= m.AutoCommitInterval
}

// CommitIfNecessary commits uncommitted offsets if the auto commit interval
// has elapsed or the threshold has been reached.
func (m *Manager) CommitIfNecessary(ctx context.Context) error {
	if !m.isNecessary() {
		return nil
	}
	return m.Commit(ctx, m.Uncommitted())
}

// Commit makes a single OffsetCommit api call for offsets. Committing an
// empty map is a nop. Errors returned for individual partitions are
// returned as *errors.ProtocolError (first one wins); there is no retry
// logic, it is up to the caller.
func (m *Manager) Commit(ctx context.Context, offsets OffsetMap) error {
	if offsets.Len() == 0 {
		return nil
	}
	conn, err := m.Coordinator(ctx)
	if err != nil {
		return err
	}
	req := kmsg.NewPtrOffsetCommitRequest()
	req.SetVersion(7)
	req.Group = m.Group
	req.Generation, req.MemberID = m.Member()
	for _, topic := range offsets.Topics() {
		rt := kmsg.NewOffsetCommitRequestTopic()
		rt.Topic = topic
		for partition, offset := range offsets[topic] {
			rp := kmsg.NewOffsetCommitRequestTopicPartition()
			rp.Partition = partition
			rp.Offset = offset
			rt.Partitions = append(rt.Partitions, rp)
		}
		req.Topics = append(req.Topics, rt)
	}
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return err
	}
	resp := kresp.(*kmsg.OffsetCommitResponse)
	committed := OffsetMap{}
	var firstErr error
	for _, rt := range resp.Topics {
		for _, rp := range rt.Partitions {
			if err := errors.Protocol("offset commit", rp.ErrorCode); err != nil {
				if firstErr == nil {
					firstErr = errors.Format("error for topic %s partition %d: %w", rt.Topic, rp.Partition, err)
				}
				continue
			}
			if offset, ok := offsets.Get(rt.Topic, rp.Partition); ok {
				committed.Set(rt.Topic, rp.Partition, offset)
			}
		}
	}
	m.mu.Lock()
	m.init()
	for topic, partitions := range committed {
		for partition, offset := range partitions {
			if current, ok := m.committed.Get(topic, partition); !ok || offset > current {
				m.committed.Set(topic, partition, offset)
			}
		}
	}
	if firstErr == nil {
		m.numPending = 0
		m.lastCommit = time.Now()
	}
	m.mu.Unlock()
	level.Debug(m.logger()).Log("msg", "committed offsets", "partitions", committed.Len(), "err", firstErr)
	return firstErr
}

// Fetch makes a single OffsetFetch api call for the given partitions.
// Partitions with no committed offset are not included in the result. The
// result also becomes the baseline for Uncommitted.
func (m *Manager) Fetch(ctx context.Context, partitions map[string][]int32) (OffsetMap, error) {
	conn, err := m.Coordinator(ctx)
	if err != nil {
		return nil, err
	}
	req := kmsg.NewPtrOffsetFetchRequest()
	req.SetVersion(5)
	req.Group = m.Group
	topics := make([]string, 0, len(partitions))
	for t := range partitions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		rt := kmsg.NewOffsetFetchRequestTopic()
		rt.Topic = topic
		rt.Partitions = partitions[topic]
		req.Topics = append(req.Topics, rt)
	}
	kresp, err := conn.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := kresp.(*kmsg.OffsetFetchResponse)
	if err := errors.Protocol("offset fetch", resp.ErrorCode); err != nil {
		return nil, err
	}
	out := OffsetMap{}
	for _, rt := range resp.Topics {
		for _, rp := range rt.Partitions {
			if err := errors.Protocol("offset fetch", rp.ErrorCode); err != nil {
				return nil, errors.Format("error for topic %s partition %d: %w", rt.Topic, rp.Partition, err)
			}
			// no offset committed
			if rp.Offset < 0 {
				continue
			}
			out.Set(rt.Topic, rp.Partition, rp.Offset)
		}
	}
	m.mu.Lock()
	m.init()
	for topic, partitions := range out {
		for partition, offset := range partitions {
			m.committed.Set(topic, partition, offset)
		}
	}
	m.mu.Unlock()
	return out, nil
}

// Retain drops state for partitions not in assigned. Called after each
// rebalance.
func (m *Manager) Retain(assigned map[string][]int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	keep := map[string]map[int32]bool{}
	for topic, partitions := range assigned {
		keep[topic] = map[int32]bool{}
		for _, p := range partitions {
			keep[topic][p] = true
		}
	}
	for _, om := range []OffsetMap{m.resolved, m.committed} {
		for topic, partitions := range om {
			for partition := range partitions {
				if !keep[topic][partition] {
					delete(partitions, partition)
				}
			}
			if len(partitions) == 0 {
				delete(om, topic)
			}
		}
	}
}
