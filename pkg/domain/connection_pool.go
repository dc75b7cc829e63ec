package domain

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrConnectionPoolClosed = errors.New("connection pool closed")
)

type DialFunc func(ctx context.Context) (io.Closer, error)

// ConnectionPool caches one client per remote endpoint for the lifetime of a
// top-level run.
type ConnectionPool interface {
	Acquire(ctx context.Context, endpoint string, dial DialFunc) (io.Closer, error)
	Close() error
}

type connectionPool struct {
	mtx         sync.Mutex
	connections map[string]io.Closer
	closed      bool
	closeOnce   sync.Once
	closeErr    error
}

func NewConnectionPool() ConnectionPool {
	return &connectionPool{
		connections: map[string]io.Closer{},
	}
}

func (p *connectionPool) Acquire(ctx context.Context, endpoint string, dial DialFunc) (io.Closer, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.closed {
		return nil, ErrConnectionPoolClosed
	}

	if conn, ok := p.connections[endpoint]; ok {
		return conn, nil
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}

	p.connections[endpoint] = conn

	return conn, nil
}

func (p *connectionPool) Close() error {
	p.closeOnce.Do(func() {
		p.mtx.Lock()
		defer p.mtx.Unlock()

		p.closed = true

		var errs []error

		for endpoint, conn := range p.connections {
			if err := conn.Close(); err != nil {
				log.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to close pooled connection")
				errs = append(errs, err)
			}
		}

		p.connections = map[string]io.Closer{}
		p.closeErr = errors.Join(errs...)
	})

	return p.closeErr
}
