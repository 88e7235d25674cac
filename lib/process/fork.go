// Package process starts plugin executables with piped standard streams.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Options configures a forked process.
type Options struct {
	Args []string
	// Env is added to the parent's environment, overriding duplicates.
	Env map[string]string
	Dir string
	// Stderr receives the child's standard error. Nil discards it.
	Stderr io.Writer
}

// Process is a running child whose stdin and stdout are pipes owned by the
// parent. Stdout reaches EOF once the child exits.
type Process struct {
	cmd          *exec.Cmd
	stdinWriter  io.WriteCloser
	stdoutReader *io.PipeReader

	done     chan struct{}
	waitErr  error
	closeErr error
	once     sync.Once
}

func Fork(path string, opts Options) (*Process, error) {
	cmd := exec.Command(path, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = environ(opts.Env)
	// Grandchildren may inherit stdout; stop waiting for them once the child is gone.
	cmd.WaitDelay = time.Second

	stdinWriter, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutReader, stdoutWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		stdinWriter.Close()
		stdoutReader.Close()
		return nil, fmt.Errorf("failed to start process %s: %w", path, err)
	}

	p := &Process{
		cmd:          cmd,
		stdinWriter:  stdinWriter,
		stdoutReader: stdoutReader,
		done:         make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		if err != nil {
			p.waitErr = fmt.Errorf("process exited with error: %w", err)
		}
		stdoutWriter.Close()
		close(p.done)
	}()

	return p, nil
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdinWriter
}

func (p *Process) Stdout() io.Reader {
	return p.stdoutReader
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close ends the child: stdin is closed, the process is killed and reaped.
// It is safe to call more than once.
func (p *Process) Close() error {
	p.once.Do(func() {
		if err := p.stdinWriter.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.closeErr = fmt.Errorf("failed to close stdin writer: %w", err)
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.closeErr = errors.Join(p.closeErr, fmt.Errorf("failed to kill process: %w", err))
		}
		p.stdoutReader.Close()
		<-p.done
	})
	return p.closeErr
}
