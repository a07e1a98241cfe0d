package offsets

import (
	"context"
	"errors"
	"testing"
	"time"

	kerrors "github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// mockCoordinator echoes commits, recording them, and answers offset
// fetches from a fixed map.
type mockCoordinator struct {
	commits   []*kmsg.OffsetCommitRequest
	code      int16
	committed OffsetMap
	err       error
}

func (c *mockCoordinator) Request(_ context.Context, req kmsg.Request) (kmsg.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	switch req := req.(type) {
	case *kmsg.OffsetCommitRequest:
		c.commits = append(c.commits, req)
		resp := req.ResponseKind().(*kmsg.OffsetCommitResponse)
		for _, rt := range req.Topics {
			t := kmsg.NewOffsetCommitResponseTopic()
			t.Topic = rt.Topic
			for _, rp := range rt.Partitions {
				p := kmsg.NewOffsetCommitResponseTopicPartition()
				p.Partition = rp.Partition
				p.ErrorCode = c.code
				t.Partitions = append(t.Partitions, p)
			}
			resp.Topics = append(resp.Topics, t)
		}
		return resp, nil
	case *kmsg.OffsetFetchRequest:
		resp := req.ResponseKind().(*kmsg.OffsetFetchResponse)
		for _, rt := range req.Topics {
			t := kmsg.NewOffsetFetchResponseTopic()
			t.Topic = rt.Topic
			for _, partition := range rt.Partitions {
				p := kmsg.NewOffsetFetchResponseTopicPartition()
				p.Partition = partition
				p.Offset = -1
				if offset, ok := c.committed.Get(rt.Topic, partition); ok {
					p.Offset = offset
				}
				t.Partitions = append(t.Partitions, p)
			}
			resp.Topics = append(resp.Topics, t)
		}
		return resp, nil
	}
	return nil, errors.New("unexpected request")
}

func newManager(c *mockCoordinator) *Manager {
	return &Manager{
		Group:       "test",
		Coordinator: func(context.Context) (Requestor, error) { return c, nil },
		Member:      func() (int32, string) { return 3, "member-1" },
	}
}

func TestUnitResolveMonotonic(t *testing.T) {
	m := newManager(&mockCoordinator{})
	m.Resolve("foo", 0, 10)
	m.Resolve("foo", 0, 5)
	m.Resolve("foo", 1, 1)
	u := m.Uncommitted()
	require.Equal(t, OffsetMap{"foo": {0: 11, 1: 2}}, u)
}

func TestUnitCommit(t *testing.T) {
	c := &mockCoordinator{}
	m := newManager(c)
	m.Resolve("foo", 0, 10)
	require.NoError(t, m.Commit(context.Background(), m.Uncommitted()))
	require.Len(t, c.commits, 1)
	req := c.commits[0]
	require.Equal(t, "test", req.Group)
	require.Equal(t, int32(3), req.Generation)
	require.Equal(t, "member-1", req.MemberID)
	require.Equal(t, int64(11), req.Topics[0].Partitions[0].Offset)
	require.Empty(t, m.Uncommitted())
	require.Equal(t, OffsetMap{"foo": {0: 11}}, m.Committed())
	// nothing to commit, no request
	require.NoError(t, m.Commit(context.Background(), m.Uncommitted()))
	require.Len(t, c.commits, 1)
}

func TestUnitCommitError(t *testing.T) {
	c := &mockCoordinator{code: kerr.RebalanceInProgress.Code}
	m := newManager(c)
	m.Resolve("foo", 0, 1)
	err := m.Commit(context.Background(), m.Uncommitted())
	require.Error(t, err)
	require.True(t, kerrors.IsRebalancing(err))
	require.Contains(t, err.Error(), "topic foo partition 0")
	// still uncommitted
	require.Equal(t, OffsetMap{"foo": {0: 2}}, m.Uncommitted())
	//
	c.code = 0
	c.err = errors.New("connection reset")
	require.Error(t, m.Commit(context.Background(), m.Uncommitted()))
}

func TestUnitCommitIfNecessaryThreshold(t *testing.T) {
	c := &mockCoordinator{}
	m := newManager(c)
	m.AutoCommitThreshold = 2
	m.AutoCommitInterval = time.Hour
	m.Resolve("foo", 0, 1)
	require.NoError(t, m.CommitIfNecessary(context.Background()))
	require.Len(t, c.commits, 0)
	m.Resolve("foo", 0, 2)
	require.NoError(t, m.CommitIfNecessary(context.Background()))
	require.Len(t, c.commits, 1)
}

func TestUnitCommitIfNecessaryInterval(t *testing.T) {
	c := &mockCoordinator{}
	m := newManager(c)
	m.AutoCommitInterval = 20 * time.Millisecond
	m.Resolve("foo", 0, 1)
	require.NoError(t, m.CommitIfNecessary(context.Background()))
	require.Len(t, c.commits, 0)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.CommitIfNecessary(context.Background()))
	require.Len(t, c.commits, 1)
}

func TestUnitCommitIfNecessaryAlways(t *testing.T) {
	c := &mockCoordinator{}
	m := newManager(c)
	m.Resolve("foo", 0, 1)
	require.NoError(t, m.CommitIfNecessary(context.Background()))
	require.Len(t, c.commits, 1)
}

func TestUnitFetch(t *testing.T) {
	c := &mockCoordinator{committed: OffsetMap{"foo": {1: 100}}}
	m := newManager(c)
	offsets, err := m.Fetch(context.Background(), map[string][]int32{"foo": {0, 1}})
	require.NoError(t, err)
	require.Equal(t, OffsetMap{"foo": {1: 100}}, offsets)
	// resolving below committed is not uncommitted
	m.Resolve("foo", 1, 50)
	require.Empty(t, m.Uncommitted())
	m.Resolve("foo", 1, 100)
	require.Equal(t, OffsetMap{"foo": {1: 101}}, m.Uncommitted())
}

func TestUnitRetain(t *testing.T) {
	m := newManager(&mockCoordinator{})
	m.Resolve("foo", 0, 1)
	m.Resolve("foo", 1, 1)
	m.Resolve("bar", 0, 1)
	m.Retain(map[string][]int32{"foo": {1}})
	require.Equal(t, OffsetMap{"foo": {1: 2}}, m.Uncommitted())
}
