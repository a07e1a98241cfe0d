package coordinator

import (
	"context"
	"testing"

	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/builder"
	kerrors "github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/internal/fakebroker"
	"github.com/mkocikowski/kafkaconsumer/offsets"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCluster(t *testing.T) *fakebroker.Cluster {
	cl, err := fakebroker.StartCluster("foo", 2)
	require.NoError(t, err)
	cl.Append(0, "a", "b", "c")
	return cl
}

func newCoordinator(t *testing.T, cl *fakebroker.Cluster) *Coordinator {
	c := &Coordinator{
		Config: Config{
			Group:         "test-group",
			Topics:        []string{"foo"},
			FromBeginning: true,
		},
		Builder: &builder.Builder{Brokers: []string{cl.Addr()}, ClientID: "test"},
	}
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinAndSync(context.Background()))
	return c
}

func values(b *batch.Batch) []string {
	var out []string
	for _, m := range b.Messages {
		out = append(out, string(m.Value))
	}
	return out
}

func TestUnitCoordinatorCycle(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := newCoordinator(t, cl)
	defer c.Close()
	ctx := context.Background()
	require.True(t, c.IsLeader())
	require.Equal(t, []int32{1}, c.NodeIDs())
	require.Equal(t, map[string][]int32{"foo": {0, 1}}, c.Assignment())
	//
	batches, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, []string{"a", "b", "c"}, values(batches[0]))
	require.Equal(t, int64(2), batches[0].LastOffset())
	// not resolved, fetched again
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	//
	c.ResolveOffset("foo", 0, 1)
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, values(batches[0]))
	c.ResolveOffset("foo", 0, 2)
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, batches)
	//
	require.Equal(t, offsets.OffsetMap{"foo": {0: 3}}, c.UncommittedOffsets())
	require.NoError(t, c.CommitOffsetsIfNecessary(ctx, nil))
	require.Empty(t, c.UncommittedOffsets())
	committed, _ := cl.Committed(0)
	require.Equal(t, int64(3), committed)
	require.NoError(t, c.Heartbeat(ctx))
	require.NoError(t, c.Leave(ctx))
	require.Equal(t, 1, cl.Count(13))
}

func TestUnitCoordinatorCommittedPosition(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	cl.SetCommitted(0, 1)
	c := newCoordinator(t, cl)
	defer c.Close()
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, values(batches[0]))
	// committed offsets are not uncommitted
	require.Empty(t, c.UncommittedOffsets())
}

func TestUnitCoordinatorCommitExplicit(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := newCoordinator(t, cl)
	defer c.Close()
	err := c.CommitOffsetsIfNecessary(context.Background(), offsets.OffsetMap{"foo": {1: 7}})
	require.NoError(t, err)
	committed, ok := cl.Committed(1)
	require.True(t, ok)
	require.Equal(t, int64(7), committed)
	_, ok = cl.Committed(0)
	require.False(t, ok)
}

func TestUnitCoordinatorOffsetOutOfRange(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	cl.SetCommitted(0, 10)
	c := newCoordinator(t, cl)
	defer c.Close()
	_, err := c.Fetch(context.Background())
	require.True(t, kerrors.Is(err, kerr.OffsetOutOfRange))
	// reset to earliest
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, values(batches[0]))
}

func TestUnitCoordinatorLatest(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := &Coordinator{
		Config:  Config{Group: "test-group", Topics: []string{"foo"}},
		Builder: &builder.Builder{Brokers: []string{cl.Addr()}},
	}
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinAndSync(context.Background()))
	defer c.Close()
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, batches)
	cl.Append(0, "d")
	batches, err = c.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, values(batches[0]))
}

func TestUnitCoordinatorPause(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := newCoordinator(t, cl)
	defer c.Close()
	c.Pause("foo")
	require.True(t, c.IsPaused("foo", 0))
	require.True(t, c.IsPaused("foo", 1))
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, batches)
	c.Resume("foo", 0)
	require.False(t, c.IsPaused("foo", 0))
	batches, err = c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
}

func TestUnitCoordinatorNotCoordinator(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := newCoordinator(t, cl)
	defer c.Close()
	require.Equal(t, 1, cl.Count(10))
	cl.SetHeartbeatCode(kerr.NotCoordinator.Code)
	err := c.Heartbeat(context.Background())
	require.Equal(t, kerrors.KindRetriable, kerrors.Classify(err))
	cl.SetHeartbeatCode(kerr.RebalanceInProgress.Code)
	err = c.Heartbeat(context.Background())
	require.True(t, kerrors.IsRebalancing(err))
	// coordinator looked up again
	require.Equal(t, 2, cl.Count(10))
}

func TestUnitCoordinatorConnectConfig(t *testing.T) {
	c := &Coordinator{Builder: &builder.Builder{Brokers: []string{"localhost:9092"}}}
	err := c.Connect(context.Background())
	var cerr *kerrors.ConfigError
	require.True(t, kerrors.As(err, &cerr))
	c = &Coordinator{Config: Config{Group: "g", Topics: []string{"foo"}}}
	require.Error(t, c.Connect(context.Background()))
}

func TestUnitCoordinatorControlRecords(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	cl.AppendControl(0)
	c := newCoordinator(t, cl)
	defer c.Close()
	ctx := context.Background()
	batches, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, []string{"a", "b", "c"}, values(batches[0]))
	c.ResolveOffset("foo", 0, 2)
	// only the marker is left: returned empty, resolved past
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.True(t, batches[0].IsEmpty())
	require.Equal(t, int64(3), batches[0].FetchedOffset)
	require.Equal(t, offsets.OffsetMap{"foo": {0: 4}}, c.UncommittedOffsets())
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, batches)
	cl.Append(0, "d")
	batches, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, values(batches[0]))
}

func TestUnitCoordinatorNoOffsets(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	cl.SetNoOffsets(true)
	c := &Coordinator{
		Config:  Config{Group: "test-group", Topics: []string{"foo"}, FromBeginning: true},
		Builder: &builder.Builder{Brokers: []string{cl.Addr()}},
	}
	defer c.Close()
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	err := c.JoinAndSync(ctx)
	require.True(t, kerrors.IsRetriable(err))
	require.Empty(t, c.UncommittedOffsets())
	batches, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.Empty(t, batches)
}

func TestUnitCoordinatorOffsetOutOfRangeNoReset(t *testing.T) {
	cl, err := fakebroker.StartCluster("foo", 1)
	require.NoError(t, err)
	defer cl.Close()
	cl.Append(0, "a")
	cl.SetCommitted(0, 10)
	c := newCoordinator(t, cl)
	defer c.Close()
	cl.SetNoOffsets(true)
	for i := 0; i < 2; i++ {
		_, err = c.Fetch(context.Background())
		require.True(t, kerrors.Is(err, kerr.OffsetOutOfRange))
	}
	cl.SetNoOffsets(false)
	_, err = c.Fetch(context.Background())
	require.True(t, kerrors.Is(err, kerr.OffsetOutOfRange))
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, values(batches[0]))
}

func TestUnitCoordinatorNotConnected(t *testing.T) {
	c := &Coordinator{
		Config:  Config{Group: "test-group", Topics: []string{"foo"}},
		Builder: &builder.Builder{Brokers: []string{"127.0.0.1:1"}},
	}
	ctx := context.Background()
	c.Pause("foo", 0)
	require.True(t, c.IsPaused("foo", 0))
	c.Resume("foo", 1)
	c.ResolveOffset("foo", 0, 5)
	require.Empty(t, c.UncommittedOffsets())
	require.Empty(t, c.Assignment())
	require.False(t, c.IsLeader())
	require.Equal(t, kerrors.ErrNotConnected, c.CommitOffsets(ctx, offsets.OffsetMap{"foo": {0: 1}}))
	require.Equal(t, kerrors.ErrNotConnected, c.CommitOffsetsIfNecessary(ctx, nil))
	require.Equal(t, kerrors.ErrNotConnected, c.Heartbeat(ctx))
	require.Equal(t, kerrors.ErrNotConnected, c.JoinAndSync(ctx))
	require.NoError(t, c.Leave(ctx))
	require.NoError(t, c.Close())
}

func TestUnitCoordinatorPauseBeforeConnect(t *testing.T) {
	cl := newCluster(t)
	defer cl.Close()
	c := &Coordinator{
		Config:  Config{Group: "test-group", Topics: []string{"foo"}, FromBeginning: true},
		Builder: &builder.Builder{Brokers: []string{cl.Addr()}},
	}
	defer c.Close()
	c.Pause("foo", 0)
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.JoinAndSync(context.Background()))
	require.True(t, c.IsPaused("foo", 0))
	batches, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, batches)
}
