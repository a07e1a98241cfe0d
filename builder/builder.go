// Package builder implements the connection pool builder: it resolves and
// validates the broker list, picks brokers round robin, and builds lazily
// dialed synchronous connections to them.
package builder

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mkocikowski/kafkaconsumer/errors"
	"go.uber.org/atomic"
)

// Resolver returns the broker list at call time, for example from DNS.
type Resolver func(context.Context) ([]string, error)

// Destination is a specific broker, usually learned from metadata or a find
// coordinator response.
type Destination struct {
	NodeID int32
	Host   string
	Port   int32
}

func (d *Destination) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// Builder for broker connections. Make sure to set public field values
// before first call to Build. Do not change them after. Safe for concurrent
// use.
type Builder struct {
	// Static list of "host:port" entries. Ignored if Resolver is set
	Brokers []string
	// Called on every Build without destination
	Resolver Resolver
	// Sent with every request
	ClientID string
	// Zero means no timeout
	DialTimeout time.Duration
	// Applied to each request that has no earlier context deadline. Zero
	// means no timeout
	RequestTimeout time.Duration
	// Responses larger than this are rejected. Zero means 100MiB
	MaxResponseBytes int32
	// If set connections are TLS
	TLS     *tls.Config
	Logger  log.Logger
	Metrics *Metrics
	//
	next atomic.Uint64
}

// Brokers currently known: the result of the resolver or the static list,
// validated.
func (b *Builder) brokers(ctx context.Context) ([]string, error) {
	brokers := b.Brokers
	if b.Resolver != nil {
		var err error
		if brokers, err = b.Resolver(ctx); err != nil {
			return nil, errors.NewConnectionError(err, "failed to resolve brokers")
		}
	}
	if err := Validate(brokers); err != nil {
		return nil, err
	}
	return brokers, nil
}

// Validate a broker list: must be non nil, non empty, and every entry must
// be a non empty "host:port" string.
func Validate(brokers []string) error {
	if brokers == nil {
		return errors.NewConfigError("broker list is nil")
	}
	if len(brokers) == 0 {
		return errors.NewConfigError("broker list is empty")
	}
	for i, s := range brokers {
		if s == "" {
			return &errors.ConfigError{Index: i, Message: "empty broker entry"}
		}
		if _, _, err := ParseHostPort(s); err != nil {
			err.(*errors.ConfigError).Index = i
			return err
		}
	}
	return nil
}

// Next broker address, round robin. The counter is not reset when the list
// changes size.
func (b *Builder) Next(ctx context.Context) (string, error) {
	brokers, err := b.brokers(ctx)
	if err != nil {
		return "", err
	}
	i := (b.next.Inc() - 1) % uint64(len(brokers))
	return brokers[i], nil
}

// Build a connection to dst, or if dst is nil to the next broker from the
// broker list. The connection is not dialed until the first request.
func (b *Builder) Build(ctx context.Context, dst *Destination) (*Conn, error) {
	var addr string
	if dst != nil {
		addr = dst.Addr()
	} else {
		var err error
		if addr, err = b.Next(ctx); err != nil {
			return nil, err
		}
	}
	if _, _, err := ParseHostPort(addr); err != nil {
		return nil, err
	}
	logger := b.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	level.Debug(logger).Log("msg", "building connection", "addr", addr)
	return &Conn{
		Addr:             addr,
		ClientID:         b.ClientID,
		DialTimeout:      b.DialTimeout,
		RequestTimeout:   b.RequestTimeout,
		MaxResponseBytes: b.MaxResponseBytes,
		TLS:              b.TLS,
		Logger:           log.With(logger, "broker", addr),
		Metrics:          b.Metrics,
	}, nil
}

// ParseHostPort splits s on the last colon. Does not support bracketed
// IPv6 addresses.
func ParseHostPort(s string) (string, int32, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", 0, &errors.ConfigError{Index: -1, Entry: s, Message: "missing port"}
	}
	if i == len(s)-1 {
		return "", 0, &errors.ConfigError{Index: -1, Entry: s, Message: "empty port"}
	}
	port, err := strconv.ParseUint(s[i+1:], 10, 16)
	if err != nil {
		return "", 0, &errors.ConfigError{Index: -1, Entry: s, Message: "invalid port"}
	}
	return s[:i], int32(port), nil
}
