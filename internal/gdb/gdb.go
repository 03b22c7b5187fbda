// Package gdb provides access to the graph store over its HTTP command API:
// a session abstraction, a bounded session pool, translation of store errors
// into the shared taxonomy, and schema bootstrap.
package gdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// Session executes statements against one database.
type Session interface {
	// Command runs a single SQL statement with bound parameters and returns
	// the result records.
	Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error)
	// Close releases the server-side session.
	Close() error
}

// Config holds the store connection configuration.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Name     string        `yaml:"name"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     2480,
		Name:     "graphkb",
		Username: "admin",
		Password: "admin",
		PoolSize: 25,
		Timeout:  60 * time.Second,
	}
}

// BaseURL returns the server root the REST endpoints hang off.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// Pool is a bounded set of authenticated sessions. Sessions are opened
// lazily up to the configured size; Acquire blocks while all of them are
// checked out.
type Pool struct {
	open func() (Session, error)

	slots chan struct{} // capacity tokens
	free  chan Session
}

// NewPool builds a pool that opens sessions through the given opener.
func NewPool(size int, open func() (Session, error)) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		open:  open,
		slots: make(chan struct{}, size),
		free:  make(chan Session, size),
	}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// NewOrientPool builds a pool of HTTP sessions against the configured
// database.
func NewOrientPool(cfg Config) *Pool {
	return NewPool(cfg.PoolSize, func() (Session, error) {
		return Connect(cfg)
	})
}

// Acquire checks out a session, opening a new one when a slot is available
// and no idle session exists.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case s := <-p.free:
		return s, nil
	default:
	}
	select {
	case s := <-p.free:
		return s, nil
	case <-p.slots:
		s, err := p.open()
		if err != nil {
			p.slots <- struct{}{}
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, kberr.Wrap(kberr.DatabaseConnection, ctx.Err(),
			"timed out waiting for a database session")
	}
}

// Release returns a session to the pool.
func (p *Pool) Release(s Session) {
	if s == nil {
		return
	}
	select {
	case p.free <- s:
	default:
		// Pool shrank or the session was double-released.
		s.Close()
	}
}

// Discard drops a session that hit a connection failure, freeing its slot so
// a replacement can be opened.
func (p *Pool) Discard(s Session) {
	if s != nil {
		s.Close()
	}
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// Command checks out a session, runs the statement, and returns the session.
// Connection failures discard the session instead of recycling it.
func (p *Pool) Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.Command(ctx, sql, params)
	if err != nil && errors.Is(err, kberr.DatabaseConnection) {
		p.Discard(s)
		return nil, err
	}
	p.Release(s)
	return records, err
}

// Close closes every idle session. Checked-out sessions close on release.
func (p *Pool) Close() error {
	for {
		select {
		case s := <-p.free:
			s.Close()
		default:
			return nil
		}
	}
}
