// Package fakebroker is a minimal in-process kafka broker for tests. It
// decodes requests with kmsg and answers them with a user supplied handler,
// one request at a time per connection.
package fakebroker

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Handler returns the response for req. Returning an error (or a nil
// response) closes the client connection without a reply.
type Handler func(req kmsg.Request) (kmsg.Response, error)

type Broker struct {
	Handler Handler
	//
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []kmsg.Request
	wg       sync.WaitGroup
}

// Start listening on a random local port.
func Start(h Handler) (*Broker, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Broker{
		Handler:  h,
		listener: l,
		conns:    map[net.Conn]struct{}{},
	}
	b.wg.Add(1)
	go b.accept()
	return b, nil
}

func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

// HostPort of the listener, in the form used in metadata responses.
func (b *Broker) HostPort() (string, int32) {
	host, port, _ := net.SplitHostPort(b.Addr())
	p, _ := strconv.Atoi(port)
	return host, int32(p)
}

// Requests received so far, in order.
func (b *Broker) Requests() []kmsg.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kmsg.Request(nil), b.requests...)
}

// Count of received requests with api key.
func (b *Broker) Count(key int16) int {
	n := 0
	for _, r := range b.Requests() {
		if r.Key() == key {
			n++
		}
	}
	return n
}

// DropConnections closes all open client connections.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.Close()
	}
}

// Close the listener and all connections, wait for goroutines to exit.
func (b *Broker) Close() {
	b.listener.Close()
	b.DropConnections()
	b.wg.Wait()
}

func (b *Broker) accept() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.serve(conn)
			b.mu.Lock()
			delete(b.conns, conn)
			b.mu.Unlock()
		}()
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer conn.Close()
	size := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, size); err != nil {
			return
		}
		body := make([]byte, binary.BigEndian.Uint32(size))
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		reader := kbin.Reader{Src: body}
		key := reader.Int16()
		version := reader.Int16()
		corr := reader.Int32()
		reader.NullableString()
		req := kmsg.RequestForKey(key)
		if req == nil {
			return
		}
		req.SetVersion(version)
		if req.IsFlexible() {
			kmsg.SkipTags(&reader)
		}
		if err := req.ReadFrom(reader.Src); err != nil {
			return
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		b.mu.Unlock()
		resp, err := b.Handler(req)
		if err != nil || resp == nil {
			return
		}
		resp.SetVersion(version)
		buf := make([]byte, 8)
		if resp.IsFlexible() && key != 18 {
			buf = append(buf, 0)
		}
		buf = resp.AppendTo(buf)
		binary.BigEndian.PutUint32(buf[:4], uint32(len(buf)-4))
		binary.BigEndian.PutUint32(buf[4:8], uint32(corr))
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}
