package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/snowmerak/bundlehook/lib/process"
)

// CommunicationProvider opens the byte stream a Loader talks over.
type CommunicationProvider interface {
	// CreateChannel opens the channel and returns its reader and writer.
	CreateChannel(ctx context.Context) (io.Reader, io.Writer, error)
	// Close releases whatever CreateChannel acquired.
	Close() error
}

// ProcessProvider forks a plugin executable and talks over its stdio.
type ProcessProvider struct {
	Path    string
	Options process.Options

	mu   sync.Mutex
	proc *process.Process
}

func (p *ProcessProvider) CreateChannel(ctx context.Context) (io.Reader, io.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	proc, err := process.Fork(p.Path, p.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fork process: %w", err)
	}

	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()
	return proc.Stdout(), proc.Stdin(), nil
}

// Done is closed when the forked process exits.
func (p *ProcessProvider) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.proc.Done()
}

func (p *ProcessProvider) Close() error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Close()
}

// CustomProvider uses a caller-supplied reader and writer. Close closes
// either of them that implements io.Closer.
type CustomProvider struct {
	Reader io.Reader
	Writer io.Writer
}

func (c *CustomProvider) CreateChannel(context.Context) (io.Reader, io.Writer, error) {
	if c.Reader == nil || c.Writer == nil {
		return nil, nil, errors.New("custom provider needs both a reader and a writer")
	}
	return c.Reader, c.Writer, nil
}

func (c *CustomProvider) Close() error {
	var errs []error
	if closer, ok := c.Writer.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if closer, ok := c.Reader.(io.Closer); ok && any(c.Reader) != any(c.Writer) {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// SocketProvider connects to a plugin that is already listening, such as a
// long-running plugin server shared by several builds.
type SocketProvider struct {
	Network     string // "unix" or "tcp"
	Address     string
	DialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func (s *SocketProvider) CreateChannel(ctx context.Context) (io.Reader, io.Writer, error) {
	network := s.Network
	if network == "" {
		network = "unix"
	}

	dialer := net.Dialer{Timeout: s.DialTimeout}
	conn, err := dialer.DialContext(ctx, network, s.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s socket %s: %w", network, s.Address, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, conn, nil
}

func (s *SocketProvider) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
