package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"
)

// Address schemes accepted by Dial.
const (
	SchemeTCP   = "tcp"
	SchemeUnix  = "unix"
	SchemeVsock = "vsock"
)

// Conn is a framed request/response channel to a worker. A Conn serves one
// call at a time and must not be shared between goroutines.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	// inflight holds the reader of a call abandoned by cancellation. The
	// next call drains it so the stream stays in sync.
	inflight chan callResult
}

type callResult struct {
	resp Response
	err  error
}

// NewConn wraps rwc. Writes go straight to rwc; reads are buffered.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc, reader: bufio.NewReader(rwc)}
}

// Dial connects to a worker at addr, retrying with exponential backoff.
// addr is one of tcp://host:port, unix:///path/to.sock or vsock://cid:port.
func Dial(ctx context.Context, addr string, retries int, backoff time.Duration) (*Conn, error) {
	scheme, target, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	retries = max(retries, 1)

	start := time.Now()
	defer func() { dialDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := range retries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, scheme, target)
		if err == nil {
			return NewConn(conn), nil
		}
		lastErr = err
		if attempt < retries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial worker: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial worker %s after %d attempts: %w", addr, retries, lastErr)
}

// ParseAddr splits a worker address into its scheme and target.
func ParseAddr(addr string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(addr, "://")
	if !ok || target == "" {
		return "", "", fmt.Errorf("invalid worker address %q: want scheme://target", addr)
	}
	switch scheme {
	case SchemeTCP, SchemeUnix:
	case SchemeVsock:
		if _, _, err := parseVsock(target); err != nil {
			return "", "", fmt.Errorf("invalid worker address %q: %w", addr, err)
		}
	default:
		return "", "", fmt.Errorf("invalid worker address %q: unknown scheme %q", addr, scheme)
	}
	return scheme, target, nil
}

func parseVsock(target string) (cid, port uint32, err error) {
	c, p, ok := strings.Cut(target, ":")
	if !ok {
		return 0, 0, errors.New("vsock target must be cid:port")
	}
	c64, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock cid: %w", err)
	}
	p64, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port: %w", err)
	}
	return uint32(c64), uint32(p64), nil
}

func dialOnce(ctx context.Context, scheme, target string) (net.Conn, error) {
	if scheme == SchemeVsock {
		cid, port, err := parseVsock(target)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, port, nil)
	}
	var d net.Dialer
	return d.DialContext(ctx, scheme, target)
}

// Call sends req and reads messages until the result arrives. Log lines are
// passed to logWriter as they are received. If ctx ends first, Call returns
// ctx.Err() and the pending result is discarded by the next call.
func (c *Conn) Call(ctx context.Context, req Request, logWriter func(string)) (Response, error) {
	if err := c.drain(ctx); err != nil {
		return Response{}, err
	}
	if err := WriteMessage(c.rwc, &req); err != nil {
		return Response{}, fmt.Errorf("send %s request: %w", req.Op, err)
	}

	var abandoned atomic.Bool
	done := make(chan callResult, 1)
	go func() {
		resp, err := c.readMessages(func(line string) {
			if logWriter != nil && !abandoned.Load() {
				logWriter(line)
			}
		})
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		abandoned.Store(true)
		c.inflight = done
		return Response{}, ctx.Err()
	}
}

// drain waits for the result of a previously abandoned call.
func (c *Conn) drain(ctx context.Context) error {
	if c.inflight == nil {
		return nil
	}
	select {
	case r := <-c.inflight:
		c.inflight = nil
		if r.err != nil {
			return fmt.Errorf("previous call: %w", r.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readMessages reads Message frames in a loop.
// Log lines are delivered to logWriter; the result message terminates the loop.
func (c *Conn) readMessages(logWriter func(string)) (Response, error) {
	for {
		var msg Message
		if err := ReadMessage(c.reader, &msg); err != nil {
			return Response{}, fmt.Errorf("read worker message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			logWriter(msg.Line)
		case MsgTypeResult:
			if msg.Response == nil {
				return Response{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return Response{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.rwc.Close()
}
