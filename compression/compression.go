// Package compression implements the record batch codecs. Codec type is the
// value of the lowest three bits of the record batch attributes.
package compression

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/DataDog/zstd"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/pierrec/lz4/v4"
)

const (
	None   int16 = 0
	Gzip   int16 = 1
	Snappy int16 = 2
	Lz4    int16 = 3
	Zstd   int16 = 4
)

// Decompressor must be safe for concurrent use.
type Decompressor interface {
	Decompress([]byte) ([]byte, error)
	Type() int16
}

type Compressor interface {
	Compress([]byte) ([]byte, error)
	Type() int16
}

// Defaults returns a decompressor for every codec kafka supports.
func Defaults() map[int16]Decompressor {
	return map[int16]Decompressor{
		None:   &Nop{},
		Gzip:   &GzipCodec{},
		Snappy: &SnappyCodec{},
		Lz4:    &Lz4Codec{},
		Zstd:   &ZstdCodec{},
	}
}

type Nop struct{}

func (c *Nop) Compress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *Nop) Decompress(src []byte) ([]byte, error) {
	return src, nil
}

func (c *Nop) Type() int16 {
	return None
}

type GzipCodec struct{}

func (c *GzipCodec) Compress(src []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := gzip.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Decompress(src []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *GzipCodec) Type() int16 {
	return Gzip
}

// SnappyCodec reads both raw snappy blocks and the xerial framing used by
// the java client.
type SnappyCodec struct{}

var xerialPrefix = []byte{130, 83, 78, 65, 80, 80, 89, 0}

var ErrMalformedXerial = errors.New("malformed xerial framing")

func (c *SnappyCodec) Compress(src []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, src), nil
}

func (c *SnappyCodec) Decompress(src []byte) ([]byte, error) {
	if len(src) > 16 && bytes.HasPrefix(src, xerialPrefix) {
		return xerialDecode(src)
	}
	return s2.Decode(nil, src)
}

func (c *SnappyCodec) Type() int16 {
	return Snappy
}

// 8 bytes of header, 8 bytes of version, then repeated: uint32 chunk size,
// snappy chunk.
func xerialDecode(src []byte) ([]byte, error) {
	src = src[16:]
	var dst []byte
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, ErrMalformedXerial
		}
		size := int32(binary.BigEndian.Uint32(src))
		src = src[4:]
		if size < 0 || len(src) < int(size) {
			return nil, ErrMalformedXerial
		}
		chunk, err := s2.Decode(nil, src[:size])
		if err != nil {
			return nil, err
		}
		src = src[size:]
		dst = append(dst, chunk...)
	}
	return dst, nil
}

type Lz4Codec struct{}

func (c *Lz4Codec) Compress(src []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Lz4Codec) Decompress(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

func (c *Lz4Codec) Type() int16 {
	return Lz4
}

type ZstdCodec struct {
	Level int
}

func (c *ZstdCodec) Compress(src []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = zstd.DefaultCompression
	}
	return zstd.CompressLevel(nil, src, level)
}

func (c *ZstdCodec) Decompress(src []byte) ([]byte, error) {
	return zstd.Decompress(nil, src)
}

func (c *ZstdCodec) Type() int16 {
	return Zstd
}
