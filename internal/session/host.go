package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"
)

// Host runs the agent process behind a session. Implementations must be
// safe for concurrent use; a Host serves exactly one Session.
type Host interface {
	// Start launches the host. It returns once the process is spawned,
	// not once it is ready.
	Start(ctx context.Context) error
	// AwaitReady blocks until the host signals readiness, the host dies,
	// or ctx expires.
	AwaitReady(ctx context.Context) error
	// Deliver hands one payload to the host.
	Deliver(ctx context.Context, payload string) error
	// Confirms reports whether a successful Deliver means the host
	// processed the payload (acknowledged) rather than merely received
	// it (sent).
	Confirms() bool
	// Stop shuts the host down, escalating from SIGTERM to SIGKILL after
	// grace. Idempotent.
	Stop(grace time.Duration) error
	// Alive reports whether the host process is still running.
	Alive() bool
	// PID returns the host's process id, or 0 if it has none.
	PID() int
}

// ErrHostStopped is returned by deliveries to a host that already exited.
var ErrHostStopped = errors.New("host stopped")

// ExecHost runs an external command and delivers payloads as lines on its
// stdin. Readiness is signaled by a line on stdout matching ReadyPattern;
// with no pattern the host is ready as soon as it spawns.
type ExecHost struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string // appended to the parent environment
	ReadyPattern string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	ready   chan struct{}
	exited  chan struct{}
	exitErr error
	stopped bool
}

// Start spawns the command in its own process group and begins watching
// stdout for the ready pattern.
func (h *ExecHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd != nil {
		return fmt.Errorf("host %s already started", h.Command)
	}

	var re *regexp.Regexp
	if h.ReadyPattern != "" {
		var err error
		re, err = regexp.Compile(h.ReadyPattern)
		if err != nil {
			return fmt.Errorf("ready pattern: %w", err)
		}
	}

	cmd := exec.Command(h.Command, h.Args...)
	cmd.Dir = h.Dir
	cmd.Env = append(os.Environ(), h.Env...)
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", h.Command, err)
	}

	h.cmd = cmd
	h.stdin = stdin
	h.ready = make(chan struct{})
	h.exited = make(chan struct{})

	var once sync.Once
	markReady := func() { once.Do(func() { close(h.ready) }) }
	if re == nil {
		markReady()
	}

	// Drain stdout for the lifetime of the process. The child must never
	// block on a full pipe.
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if re != nil && re.MatchString(sc.Text()) {
				markReady()
			}
		}
	}()

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		close(h.exited)
	}()

	return nil
}

// AwaitReady blocks until the ready pattern is seen, the process exits, or
// ctx expires.
func (h *ExecHost) AwaitReady(ctx context.Context) error {
	h.mu.Lock()
	ready, exited := h.ready, h.exited
	h.mu.Unlock()
	if ready == nil {
		return fmt.Errorf("host %s not started", h.Command)
	}

	select {
	case <-ready:
		return nil
	case <-exited:
		return fmt.Errorf("%s exited before ready: %w", h.Command, h.waitErr())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver writes the payload as one line on the host's stdin.
func (h *ExecHost) Deliver(ctx context.Context, payload string) error {
	h.mu.Lock()
	stdin, exited := h.stdin, h.exited
	h.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("host %s not started", h.Command)
	}

	select {
	case <-exited:
		return fmt.Errorf("%s: %w", h.Command, ErrHostStopped)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Write in a goroutine so a wedged host cannot block past ctx.
	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(stdin, payload+"\n")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("writing to %s: %w", h.Command, err)
		}
		return nil
	case <-exited:
		return fmt.Errorf("%s: %w", h.Command, ErrHostStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirms is false: a stdin write proves receipt, not processing.
func (h *ExecHost) Confirms() bool {
	return false
}

// Stop sends SIGTERM to the process group, waits up to grace, then sends
// SIGKILL. Idempotent and safe to call on a host that never started.
func (h *ExecHost) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.cmd == nil || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cmd, stdin, exited := h.cmd, h.stdin, h.exited
	h.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-exited:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(-pid, syscall.SIGKILL)
	}

	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("host %s (pid %d) did not exit after SIGKILL", h.Command, pid)
	}
	return nil
}

// Alive reports whether the process has been started and has not exited.
func (h *ExecHost) Alive() bool {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// PID returns the process id, or 0 before Start.
func (h *ExecHost) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ExecHost) waitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr == nil {
		return errors.New("exit status 0")
	}
	return h.exitErr
}

// LocalHost runs deliveries through an in-process handler. It backs tests
// and the "local" host kind, where no external agent binary is involved.
type LocalHost struct {
	// Handler receives each delivered payload. A nil handler accepts
	// everything.
	Handler func(ctx context.Context, payload string) error

	mu      sync.Mutex
	started bool
	stopped bool
}

func (h *LocalHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("local host already started")
	}
	h.started = true
	return nil
}

func (h *LocalHost) AwaitReady(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return ErrHostStopped
	}
	return nil
}

func (h *LocalHost) Deliver(ctx context.Context, payload string) error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return ErrHostStopped
	}
	handler := h.Handler
	h.mu.Unlock()

	if handler == nil {
		return nil
	}
	return handler(ctx, payload)
}

// Confirms is true: the handler runs synchronously inside Deliver.
func (h *LocalHost) Confirms() bool {
	return true
}

func (h *LocalHost) Stop(grace time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *LocalHost) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.stopped
}

func (h *LocalHost) PID() int {
	return 0
}
