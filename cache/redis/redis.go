// Package redis implements cache.Store over the Redis RESP protocol using
// only the standard library. It exists so session contexts survive process
// restarts without pulling a full client dependency into the module.
package redis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lugondev/auth3-session/cache"
)

// Store is a pooled Redis-backed cache.Store.
type Store struct {
	opts   Options
	dialFn DialFunc
	pool   chan *conn
}

// DialFunc opens the transport to the Redis server. Overridable for tests.
type DialFunc func(context.Context, Options) (net.Conn, error)

// NewStore builds a Redis-backed cache store.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	return &Store{opts: cfg, dialFn: defaultDial, pool: make(chan *conn, cfg.PoolSize)}
}

// WithDial overrides the dialer. Useful for tests and custom transports.
func (s *Store) WithDial(fn DialFunc) {
	if fn != nil {
		s.dialFn = fn
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var payload []byte
	err := s.withConn(ctx, func(c *conn) error {
		resp, err := s.roundTrip(c, "GET", key)
		if err != nil {
			return err
		}
		switch v := resp.(type) {
		case nil:
			return cache.ErrNotFound
		case []byte:
			payload = append([]byte(nil), v...)
			return nil
		default:
			return fmt.Errorf("redis: unexpected GET reply %T", resp)
		}
	})

	return payload, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.withConn(ctx, func(c *conn) error {
		args := []string{"SET", key, string(value)}
		if ttl > 0 {
			ms := ttl.Milliseconds()
			if ms == 0 {
				ms = 1
			}
			args = append(args, "PX", strconv.FormatInt(ms, 10))
		}
		resp, err := s.roundTrip(c, args...)
		if err != nil {
			return err
		}
		if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
			return nil
		}
		return fmt.Errorf("redis: SET failed: %v", resp)
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.withConn(ctx, func(c *conn) error {
		resp, err := s.roundTrip(c, "DEL", key)
		if err != nil {
			return err
		}
		if n, ok := resp.(int64); ok {
			if n == 0 {
				return cache.ErrNotFound
			}
			return nil
		}
		return fmt.Errorf("redis: DEL failed: %v", resp)
	})
}

func (s *Store) roundTrip(c *conn, parts ...string) (any, error) {
	if err := applyDeadline(c.SetWriteDeadline, s.opts.WriteTimeout); err != nil {
		return nil, err
	}
	if _, err := c.Write(encodeCommand(parts...)); err != nil {
		return nil, err
	}
	if err := applyDeadline(c.SetReadDeadline, s.opts.ReadTimeout); err != nil {
		return nil, err
	}
	return decodeReply(c.reader)
}

func (s *Store) withConn(ctx context.Context, fn func(*conn) error) error {
	c, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	broken := false
	defer func() {
		s.release(c, broken)
	}()
	if err := fn(c); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			broken = true
		}
		return err
	}
	return nil
}

type conn struct {
	net.Conn
	reader *bufio.Reader
}

func (s *Store) acquire(ctx context.Context) (*conn, error) {
	select {
	case c := <-s.pool:
		return c, nil
	default:
	}

	nc, err := s.dialFn(ctx, s.opts)
	if err != nil {
		return nil, err
	}
	c := &conn{Conn: nc, reader: bufio.NewReader(nc)}
	if err := s.handshake(c); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (s *Store) release(c *conn, broken bool) {
	if c == nil {
		return
	}
	if broken {
		_ = c.Close()
		return
	}
	select {
	case s.pool <- c:
	default:
		_ = c.Close()
	}
}

func (s *Store) handshake(c *conn) error {
	if s.opts.Password != "" {
		if err := s.expectOK(c, "AUTH", s.opts.Password); err != nil {
			return err
		}
	}
	if s.opts.DB > 0 {
		if err := s.expectOK(c, "SELECT", strconv.Itoa(s.opts.DB)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) expectOK(c *conn, parts ...string) error {
	resp, err := s.roundTrip(c, parts...)
	if err != nil {
		return err
	}
	if msg, ok := resp.(string); ok && strings.EqualFold(msg, "OK") {
		return nil
	}
	return fmt.Errorf("redis: expected OK, got %v", resp)
}

func defaultDial(ctx context.Context, opts Options) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	return dialer.DialContext(ctx, "tcp", opts.Addr)
}

func encodeCommand(parts ...string) []byte {
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "*%d\r\n", len(parts))
	for _, part := range parts {
		fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(part), part)
	}
	return buf.Bytes()
}

func decodeReply(r *bufio.Reader) (any, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	switch prefix {
	case '+':
		return line, nil
	case '-':
		return nil, errors.New(line)
	case ':':
		return strconv.ParseInt(line, 10, 64)
	case '$':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		if err := consumeCRLF(r); err != nil {
			return nil, err
		}
		return data, nil
	case '*':
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]any, n)
		for i := range arr {
			val, err := decodeReply(r)
			if err != nil {
				return nil, err
			}
			arr[i] = val
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("redis: unsupported RESP prefix %q", prefix)
	}
}

func consumeCRLF(r *bufio.Reader) error {
	b1, err := r.ReadByte()
	if err != nil {
		return err
	}
	b2, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return errors.New("redis: malformed RESP terminator")
	}
	return nil
}

func applyDeadline(setter func(time.Time) error, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	return setter(time.Now().Add(timeout))
}
