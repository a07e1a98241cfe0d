package consumer

import (
	"context"

	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/offsets"
)

// GroupCoordinator is what the Runner drives. Implemented by
// coordinator.Coordinator. RPC errors that mean the group is rebalancing
// (REBALANCE_IN_PROGRESS, UNKNOWN_MEMBER_ID) make the Runner rejoin, see
// errors.Classify.
type GroupCoordinator interface {
	Connect(context.Context) error
	JoinAndSync(context.Context) error
	Heartbeat(context.Context) error
	// Next batches for assigned partitions. Must not be called
	// concurrently with itself. Empty batches mean the partition moved past
	// offsets with no records, which the coordinator resolved already
	Fetch(context.Context) ([]*batch.Batch, error)
	ResolveOffset(topic string, partition int32, offset int64)
	CommitOffsets(context.Context, offsets.OffsetMap) error
	// With a nil map commits resolved offsets if the commit interval or
	// threshold has been reached
	CommitOffsetsIfNecessary(context.Context, offsets.OffsetMap) error
	UncommittedOffsets() offsets.OffsetMap
	NodeIDs() []int32
	IsLeader() bool
	IsPaused(topic string, partition int32) bool
	Pause(topic string, partitions ...int32)
	Resume(topic string, partitions ...int32)
	Leave(context.Context) error
	Close() error
}
