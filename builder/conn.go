package builder

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

const defaultMaxResponseBytes = 100 << 20

var (
	ErrCorrelationMismatch = errors.New("correlation id mismatch")
	ErrResponseTooLarge    = errors.New("response too large")
)

// Conn is a synchronous connection to a single broker: one request in flight
// at a time. Dialed on first request. Any error closes the underlying
// connection; it will be re-dialed on the next call. Safe for concurrent use
// (requests are serialized). Implements kmsg.Requestor.
type Conn struct {
	Addr             string
	ClientID         string
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	MaxResponseBytes int32
	TLS              *tls.Config
	Logger           log.Logger
	Metrics          *Metrics
	//
	mu            sync.Mutex
	conn          net.Conn
	correlationID int32
	formatter     *kmsg.RequestFormatter
}

func (c *Conn) logger() log.Logger {
	if c.Logger == nil {
		return log.NewNopLogger()
	}
	return c.Logger
}

func (c *Conn) dial(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := &net.Dialer{Timeout: c.DialTimeout}
	var conn net.Conn
	var err error
	if c.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: c.TLS}).DialContext(ctx, "tcp", c.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.Addr)
	}
	c.Metrics.dialed(err)
	if err != nil {
		return err
	}
	level.Debug(c.logger()).Log("msg", "connected")
	c.conn = conn
	c.formatter = kmsg.NewRequestFormatter(kmsg.FormatterClientID(c.ClientID))
	return nil
}

// Request sends req and reads the response. Version of req must be set by
// the caller.
func (c *Conn) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.request(ctx, req)
	c.Metrics.observe(req.Key(), start, err)
	if err != nil {
		c.close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewConnectionError(err, "%s request to %s", kmsg.NameForKey(req.Key()), c.Addr)
	}
	return resp, nil
}

func (c *Conn) request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.RequestTimeout > 0 {
		deadline = time.Now().Add(c.RequestTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()
	//
	c.correlationID++
	buf := c.formatter.AppendRequest(nil, req, c.correlationID)
	if _, err := c.conn.Write(buf); err != nil {
		return nil, err
	}
	body, err := c.read()
	if err != nil {
		return nil, err
	}
	if id := int32(binary.BigEndian.Uint32(body)); id != c.correlationID {
		return nil, fmt.Errorf("%w: expected %d got %d", ErrCorrelationMismatch, c.correlationID, id)
	}
	body = body[4:]
	// ApiVersions responses never have a flexible header
	if req.IsFlexible() && req.Key() != 18 {
		r := &kbin.Reader{Src: body}
		kmsg.SkipTags(r)
		if !r.Ok() {
			return nil, io.ErrUnexpectedEOF
		}
		body = r.Src
	}
	resp := req.ResponseKind()
	if err := resp.ReadFrom(body); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Conn) read() ([]byte, error) {
	var rawSize [4]byte
	if _, err := io.ReadFull(c.conn, rawSize[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(rawSize[:]))
	max := c.MaxResponseBytes
	if max <= 0 {
		max = defaultMaxResponseBytes
	}
	if size < 4 {
		return nil, io.ErrUnexpectedEOF
	}
	if size > max {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Conn) close() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
	c.conn = nil
	level.Debug(c.logger()).Log("msg", "connection closed")
}

// Close the connection. Idempotent. The connection will be re-dialed on the
// next call to Request.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
	return nil
}
