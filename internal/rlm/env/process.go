package env

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProcessConfig configures a spawned worker process.
type ProcessConfig struct {
	// Binary is the executable to run. Defaults to the current executable.
	Binary string

	// Args precede the worker arguments. Defaults to ["worker"].
	Args []string

	// SocketDir holds the worker's unix socket. Defaults to os.TempDir().
	SocketDir string

	// Dir is the worker's working directory.
	Dir string

	// Env is appended to the current environment.
	Env []string

	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

func (c *ProcessConfig) applyDefaults() error {
	if c.Binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		c.Binary = exe
	}
	if c.Args == nil {
		c.Args = []string{"worker"}
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	return nil
}

// Process is a worker subprocess listening on a unix socket.
type Process struct {
	cfg     ProcessConfig
	cmd     *exec.Cmd
	address string
	sock    string

	running atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	exitErr error
}

// StartProcess launches a worker and waits for its ready line.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	sock := filepath.Join(cfg.SocketDir, "rlmrepl-"+uuid.NewString()[:8]+".sock")

	args := append(append([]string{}, cfg.Args...), "--listen", "unix:"+sock)
	// The worker outlives the start context, so it is not bound to ctx.
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &Process{cfg: cfg, cmd: cmd, sock: sock, done: make(chan struct{})}
	p.running.Store(true)

	addr, err := p.waitReady(ctx, bufio.NewReader(stdout))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.Remove(sock)
		return nil, fmt.Errorf("wait ready: %w", err)
	}
	p.address = addr

	go p.monitor()
	slog.Debug("Worker started", "pid", cmd.Process.Pid, "address", addr)
	return p, nil
}

func (p *Process) waitReady(ctx context.Context, r *bufio.Reader) (string, error) {
	type result struct {
		addr string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := r.ReadBytes('\n')
		if err != nil {
			ch <- result{err: fmt.Errorf("read ready: %w", err)}
			return
		}
		var ready ReadyLine
		if err := json.Unmarshal(line, &ready); err != nil {
			ch <- result{err: fmt.Errorf("parse ready: %w", err)}
			return
		}
		if ready.Status != "ready" {
			ch <- result{err: fmt.Errorf("worker not ready: %s %s", ready.Status, ready.Error)}
			return
		}
		ch <- result{addr: ready.Address}
	}()

	select {
	case res := <-ch:
		return res.addr, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.cfg.ReadyTimeout):
		return "", errors.New("timeout waiting for worker ready")
	}
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if p.running.Swap(false) {
		if err == nil {
			err = errors.New("exited with status 0")
		}
		p.exitErr = fmt.Errorf("worker exited unexpectedly: %w", err)
		slog.Warn("Worker exited unexpectedly", "error", err)
	}
	p.mu.Unlock()
	close(p.done)
}

// Address is the dialable address from the ready line.
func (p *Process) Address() string { return p.address }

// Running reports whether the worker is still alive.
func (p *Process) Running() bool { return p.running.Load() }

// ExitError returns the error from an unexpected exit, if any.
func (p *Process) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop interrupts the worker, then kills it if it has not exited within
// StopTimeout.
func (p *Process) Stop() error {
	if !p.running.Swap(false) {
		<-p.done
		return nil
	}
	defer os.Remove(p.sock)

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
		return nil
	case <-time.After(p.cfg.StopTimeout):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker: %w", err)
	}
	<-p.done
	return nil
}
