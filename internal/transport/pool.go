package transport

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultMaxIdle = 4

// dialFunc establishes a new connection to the upstream.
type dialFunc func(ctx context.Context) (*dns.Conn, error)

type idleConn struct {
	conn     *dns.Conn
	idleFrom time.Time
}

// connPool keeps a small number of idle connections to one destination.
// Checked-out connections are used exclusively by one exchange at a time;
// idle connections past the idle timeout are closed by a sweeper.
type connPool struct {
	dial        dialFunc
	maxIdle     int
	idleTimeout time.Duration

	mu     sync.Mutex
	idle   []idleConn
	closed bool
	stop   chan struct{}
}

func newConnPool(dial dialFunc, idleTimeout time.Duration) *connPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	p := &connPool{
		dial:        dial,
		maxIdle:     defaultMaxIdle,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	go p.sweep()
	return p
}

// get returns an idle connection or dials a new one.
func (p *connPool) get(ctx context.Context) (*dns.Conn, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		ic := p.idle[last]
		p.idle = p.idle[:last]
		if time.Since(ic.idleFrom) < p.idleTimeout {
			p.mu.Unlock()
			return ic.conn, nil
		}
		_ = ic.conn.Close()
	}
	p.mu.Unlock()

	return p.dial(ctx)
}

// put returns a healthy connection to the pool for reuse.
func (p *connPool) put(conn *dns.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.idle) >= p.maxIdle {
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, idleFrom: time.Now()})
}

// discard drops a connection that saw an error.
func (p *connPool) discard(conn *dns.Conn) {
	_ = conn.Close()
}

func (p *connPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.stop)
	for _, ic := range p.idle {
		_ = ic.conn.Close()
	}
	p.idle = nil
	return nil
}

// sweep closes connections that have been idle for too long.
func (p *connPool) sweep() {
	ticker := time.NewTicker(p.idleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			kept := p.idle[:0]
			for _, ic := range p.idle {
				if time.Since(ic.idleFrom) < p.idleTimeout {
					kept = append(kept, ic)
				} else {
					_ = ic.conn.Close()
				}
			}
			p.idle = kept
			p.mu.Unlock()
		case <-p.stop:
			return
		}
	}
}
