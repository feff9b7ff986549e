package redis

import "time"

// Options controls the connection to the Redis server backing the session
// store.
type Options struct {
	// Addr is the host:port of the server.
	Addr string
	// Password, when set, is sent with AUTH during the handshake.
	Password string
	// DB selects the logical database (SELECT) after connecting.
	DB int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// PoolSize caps the number of idle connections kept for reuse.
	// Session traffic is a handful of small keys per request, so the
	// default stays small.
	PoolSize int
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "127.0.0.1:6379"
	}
	if o.DB < 0 {
		o.DB = 0
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	return o
}
