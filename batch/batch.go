// Package batch holds the records fetched from a single topic partition in a
// single fetch, and the logic for decoding them from a fetch response.
package batch

import (
	"time"
)

type Header struct {
	Key   string
	Value []byte
}

type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   []Header
}

// Batch is the unit at which data is fetched from kafka and handed to the
// application. Batches are not modified after they are decoded.
type Batch struct {
	Topic            string
	Partition        int32
	HighWatermark    int64
	LastStableOffset int64
	LogStartOffset   int64
	// Offset the fetch request was made for
	FetchedOffset int64
	// In offset order
	Messages []Record
}

func (b *Batch) IsEmpty() bool {
	return len(b.Messages) == 0
}

// LastOffset of the batch. For an empty batch this is the offset just before
// the end of the partition: the last stable offset if it is known and lower
// than the high watermark, else the high watermark.
func (b *Batch) LastOffset() int64 {
	if !b.IsEmpty() {
		return b.Messages[len(b.Messages)-1].Offset
	}
	end := b.HighWatermark
	if b.LastStableOffset > 0 && b.LastStableOffset < end {
		end = b.LastStableOffset
	}
	return end - 1
}

// FirstOffset is the offset of the first message, or the fetched offset for
// an empty batch.
func (b *Batch) FirstOffset() int64 {
	if b.IsEmpty() {
		return b.FetchedOffset
	}
	return b.Messages[0].Offset
}

// OffsetLag is the number of messages in the partition after this batch.
func (b *Batch) OffsetLag() int64 {
	lag := b.HighWatermark - 1 - b.LastOffset()
	if lag < 0 {
		return 0
	}
	return lag
}

// MaxTimestamp is the latest timestamp of any message in the batch.
func (b *Batch) MaxTimestamp() time.Time {
	var t time.Time
	for _, m := range b.Messages {
		if m.Timestamp.After(t) {
			t = m.Timestamp
		}
	}
	return t
}
