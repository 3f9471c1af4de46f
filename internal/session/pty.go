package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PtyHost runs an external command attached to a pseudo-terminal, for
// agents that refuse to run without a TTY. Payloads are written as lines
// to the pty; readiness is matched against pty output.
type PtyHost struct {
	Command      string
	Args         []string
	Dir          string
	Env          []string
	ReadyPattern string

	// Rows and Cols set the pty window size; zero means 24x80.
	Rows uint16
	Cols uint16

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	ready   chan struct{}
	exited  chan struct{}
	exitErr error
	stopped bool
}

func (h *PtyHost) Start(ctx context.Context) error {
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

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting %s on pty: %w", h.Command, err)
	}

	rows, cols := h.Rows, h.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}
	// Best effort; some platforms reject resize on a fresh pty.
	pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})

	h.cmd = cmd
	h.ptmx = ptmx
	h.ready = make(chan struct{})
	h.exited = make(chan struct{})

	var once sync.Once
	markReady := func() { once.Do(func() { close(h.ready) }) }
	if re == nil {
		markReady()
	}

	// Drain pty output until the child exits. Reads fail with EIO once
	// the slave side closes; that just ends the loop.
	go func() {
		sc := bufio.NewScanner(ptmx)
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

func (h *PtyHost) AwaitReady(ctx context.Context) error {
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

func (h *PtyHost) Deliver(ctx context.Context, payload string) error {
	h.mu.Lock()
	ptmx, exited := h.ptmx, h.exited
	h.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("host %s not started", h.Command)
	}

	select {
	case <-exited:
		return fmt.Errorf("%s: %w", h.Command, ErrHostStopped)
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	done := make(chan error, 1)
	go func() {
		_, err := io.WriteString(ptmx, payload+"\n")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("writing to %s pty: %w", h.Command, err)
		}
		return nil
	case <-exited:
		return fmt.Errorf("%s: %w", h.Command, ErrHostStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirms is false: a pty write proves receipt, not processing.
func (h *PtyHost) Confirms() bool {
	return false
}

func (h *PtyHost) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.cmd == nil || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cmd, ptmx, exited := h.cmd, h.ptmx, h.exited
	h.mu.Unlock()

	defer ptmx.Close()

	select {
	case <-exited:
		return nil
	default:
	}

	// pty.Start runs the child as a session leader, so its pgid is its
	// own pid.
	pid := cmd.Process.Pid
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

func (h *PtyHost) Alive() bool {
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

func (h *PtyHost) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *PtyHost) waitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitErr == nil {
		return fmt.Errorf("exit status 0")
	}
	return h.exitErr
}
