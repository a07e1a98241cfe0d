package batch

import (
	"encoding/binary"
	"time"

	"github.com/mkocikowski/kafkaconsumer/compression"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	// offset, length, leader epoch, magic, crc, attributes, last offset
	// delta, first and max timestamp, producer id and epoch, first
	// sequence, record count
	recordBatchHeaderBytes = 61
	magicOffset            = 16

	attrCodecMask     = 0x07
	attrLogAppendTime = 0x08
	attrControl       = 0x20
)

var (
	ErrCodecNotFound    = errors.NonRetriable(errors.New("codec not found"))
	ErrUnsupportedMagic = errors.NonRetriable(errors.New("unsupported record batch magic"))
	ErrMalformedBatch   = errors.New("malformed record batch")
)

// Decode the record batches in a fetch response partition. Records with
// offsets before fetchOffset (kafka returns whole batches, so the first
// batch may start before the requested offset) and control batches are
// dropped. A partial batch at the end of the response is ignored: it will
// be fetched in full on the next request. Returns the decoded batch and the
// offset to fetch next.
func Decode(topic string, p *kmsg.FetchResponseTopicPartition, fetchOffset int64, decompressors map[int16]compression.Decompressor) (*Batch, int64, error) {
	b := &Batch{
		Topic:            topic,
		Partition:        p.Partition,
		HighWatermark:    p.HighWatermark,
		LastStableOffset: p.LastStableOffset,
		LogStartOffset:   p.LogStartOffset,
		FetchedOffset:    fetchOffset,
	}
	nextOffset := fetchOffset
	src := p.RecordBatches
	for len(src) >= recordBatchHeaderBytes {
		length := int32(binary.BigEndian.Uint32(src[8:]))
		size := 12 + int(length)
		if length < recordBatchHeaderBytes-12 {
			return nil, fetchOffset, errors.Format("%w: length %d", ErrMalformedBatch, length)
		}
		if len(src) < size {
			break
		}
		if magic := int8(src[magicOffset]); magic != 2 {
			return nil, fetchOffset, errors.Format("%w: %d", ErrUnsupportedMagic, magic)
		}
		var rb kmsg.RecordBatch
		if err := rb.ReadFrom(src[:size]); err != nil {
			return nil, fetchOffset, errors.Format("%w: %v", ErrMalformedBatch, err)
		}
		src = src[size:]
		if n := rb.FirstOffset + int64(rb.LastOffsetDelta) + 1; n > nextOffset {
			nextOffset = n
		}
		if rb.Attributes&attrControl != 0 {
			continue
		}
		records, err := decodeRecords(topic, p.Partition, &rb, decompressors)
		if err != nil {
			return nil, fetchOffset, err
		}
		for _, r := range records {
			if r.Offset < fetchOffset {
				continue
			}
			b.Messages = append(b.Messages, r)
		}
	}
	return b, nextOffset, nil
}

func decodeRecords(topic string, partition int32, rb *kmsg.RecordBatch, decompressors map[int16]compression.Decompressor) ([]Record, error) {
	codec := rb.Attributes & attrCodecMask
	d := decompressors[codec]
	if d == nil {
		return nil, errors.Format("%w: type %d", ErrCodecNotFound, codec)
	}
	raw, err := d.Decompress(rb.Records)
	if err != nil {
		return nil, errors.Format("error decompressing batch at offset %d: %w", rb.FirstOffset, err)
	}
	records := make([]Record, 0, rb.NumRecords)
	for len(raw) > 0 {
		length, used := kbin.Varint(raw)
		end := used + int(length)
		if used == 0 || length < 0 || end > len(raw) {
			return nil, errors.Format("%w: record at offset %d", ErrMalformedBatch, rb.FirstOffset)
		}
		var kr kmsg.Record
		if err := kr.ReadFrom(raw[:end]); err != nil {
			return nil, errors.Format("%w: %v", ErrMalformedBatch, err)
		}
		raw = raw[end:]
		r := Record{
			Topic:     topic,
			Partition: partition,
			Offset:    rb.FirstOffset + int64(kr.OffsetDelta),
			Key:       kr.Key,
			Value:     kr.Value,
		}
		if rb.Attributes&attrLogAppendTime != 0 {
			r.Timestamp = time.UnixMilli(rb.MaxTimestamp)
		} else {
			r.Timestamp = time.UnixMilli(rb.FirstTimestamp + kr.TimestampDelta64)
		}
		for _, h := range kr.Headers {
			r.Headers = append(r.Headers, Header{Key: h.Key, Value: h.Value})
		}
		records = append(records, r)
	}
	return records, nil
}
