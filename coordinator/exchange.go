package coordinator

import (
	"github.com/go-kit/log"
	"github.com/mkocikowski/kafkaconsumer/batch"
)

// Exchange is the outcome of fetching a single partition: the offset the
// fetch started at, the offset it moved the position to, and the decoded
// batch or the error.
type Exchange struct {
	Topic         string
	Partition     int32
	Leader        int32
	ErrorCode     int16
	Error         error
	Batch         *batch.Batch
	InitialOffset int64
	FinalOffset   int64
}

func (e *Exchange) log(logger log.Logger) {
	kv := []interface{}{
		"msg", "fetch exchange",
		"topic", e.Topic,
		"partition", e.Partition,
		"leader", e.Leader,
		"initial", e.InitialOffset,
		"final", e.FinalOffset,
	}
	if e.Batch != nil {
		kv = append(kv, "records", len(e.Batch.Messages), "hwm", e.Batch.HighWatermark)
	}
	if e.Error != nil {
		kv = append(kv, "err", e.Error)
	}
	logger.Log(kv...)
}
