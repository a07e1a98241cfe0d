package batch

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/mkocikowski/kafkaconsumer/compression"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// Builder encodes records into a single magic v2 record batch, the form in
// which kafka returns them in fetch responses. Used to serve fetches from
// in-process fake brokers and to build fixtures. Not safe for concurrent
// use.
type Builder struct {
	BaseOffset int64
	Compressor compression.Compressor
	// Sets the control bit on the batch
	Control bool
	//
	base    time.Time
	records []kmsg.Record
}

// NewBuilder starting at offset; record timestamps are relative to t.
func NewBuilder(offset int64, t time.Time) *Builder {
	return &Builder{BaseOffset: offset, base: t}
}

// Add a record with the next offset.
func (b *Builder) Add(key, value []byte, headers ...Header) *Builder {
	r := kmsg.Record{
		OffsetDelta: int32(len(b.records)),
		Key:         key,
		Value:       value,
	}
	for _, h := range headers {
		r.Headers = append(r.Headers, kmsg.Header{Key: h.Key, Value: h.Value})
	}
	b.records = append(b.records, r)
	return b
}

func (b *Builder) NumRecords() int {
	return len(b.records)
}

// Build the batch with records timestamped at t. Returns the wire bytes.
func (b *Builder) Build(t time.Time) ([]byte, error) {
	var raw []byte
	for i := range b.records {
		r := b.records[i]
		r.TimestampDelta64 = t.Sub(b.base).Milliseconds()
		body := r.AppendTo(nil)[1:] // length is zero, a single byte varint
		raw = kbin.AppendVarint(raw, int32(len(body)))
		raw = append(raw, body...)
	}
	rb := kmsg.RecordBatch{
		FirstOffset:     b.BaseOffset,
		Magic:           2,
		LastOffsetDelta: int32(len(b.records) - 1),
		FirstTimestamp:  b.base.UnixMilli(),
		MaxTimestamp:    t.UnixMilli(),
		ProducerID:      -1,
		ProducerEpoch:   -1,
		FirstSequence:   -1,
		NumRecords:      int32(len(b.records)),
		Records:         raw,
	}
	if b.Compressor != nil {
		compressed, err := b.Compressor.Compress(raw)
		if err != nil {
			return nil, err
		}
		rb.Records = compressed
		rb.Attributes |= b.Compressor.Type() & attrCodecMask
	}
	if b.Control {
		rb.Attributes |= attrControl
	}
	out := rb.AppendTo(nil)
	binary.BigEndian.PutUint32(out[8:], uint32(len(out)-12))
	binary.BigEndian.PutUint32(out[17:], crc32.Checksum(out[21:], crc32c))
	return out, nil
}
