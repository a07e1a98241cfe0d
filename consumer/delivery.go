package consumer

import (
	"context"

	"github.com/mkocikowski/kafkaconsumer/batch"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/mkocikowski/kafkaconsumer/offsets"
)

// ErrInterrupted is returned by EachMessage handlers when the Runner stops
// running in the middle of a batch. Messages processed before that are
// resolved.
var ErrInterrupted = errors.Retriable(errors.New("batch processing interrupted"))

// Delivery is what a BatchHandler gets: the batch, and callbacks into the
// Runner for reporting progress.
type Delivery struct {
	Batch  *batch.Batch
	runner *Runner
	epoch  uint64
}

// ResolveOffset marks offset, and everything before it in the batch's
// partition, as processed. Does not commit.
func (d *Delivery) ResolveOffset(offset int64) {
	d.runner.Coordinator.ResolveOffset(d.Batch.Topic, d.Batch.Partition, offset)
}

// Heartbeat keeps the group session alive during long running handlers.
// Calls more frequent than the heartbeat interval are nops. A rebalancing
// error should be returned from the handler.
func (d *Delivery) Heartbeat(ctx context.Context) error {
	return d.runner.heartbeat(ctx, false)
}

// CommitOffsetsIfNecessary with no arguments commits resolved offsets if the
// commit interval or threshold has been reached. With offsets, these are
// committed unconditionally.
func (d *Delivery) CommitOffsetsIfNecessary(ctx context.Context, m ...offsets.OffsetMap) error {
	if len(m) == 0 {
		return d.runner.Coordinator.CommitOffsetsIfNecessary(ctx, nil)
	}
	merged := offsets.OffsetMap{}
	for _, om := range m {
		for topic, partitions := range om {
			for p, offset := range partitions {
				merged.Set(topic, p, offset)
			}
		}
	}
	return d.runner.Coordinator.CommitOffsets(ctx, merged)
}

// UncommittedOffsets resolved but not yet committed.
func (d *Delivery) UncommittedOffsets() offsets.OffsetMap {
	return d.runner.Coordinator.UncommittedOffsets()
}

func (d *Delivery) IsRunning() bool {
	return d.runner.IsRunning()
}

// IsStale is true if the group started rebalancing after the batch was
// delivered: the partition may be assigned to another member by now.
func (d *Delivery) IsStale() bool {
	return d.runner.epoch.Load() != d.epoch
}

// Pause fetching from the batch's partition.
func (d *Delivery) Pause() {
	d.runner.Coordinator.Pause(d.Batch.Topic, d.Batch.Partition)
}

// EachMessage adapts a per message function to a BatchHandler. Each message
// is resolved after fn succeeds, and the session is kept alive between
// messages. Processing stops with ErrInterrupted when the Runner stops
// running.
func EachMessage(fn func(context.Context, *batch.Record) error) BatchHandler {
	return func(ctx context.Context, d *Delivery) error {
		for i := range d.Batch.Messages {
			if !d.IsRunning() || d.IsStale() {
				return ErrInterrupted
			}
			m := &d.Batch.Messages[i]
			if err := fn(ctx, m); err != nil {
				return err
			}
			d.ResolveOffset(m.Offset)
			if err := d.Heartbeat(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
