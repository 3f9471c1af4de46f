package session

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

func requirePOSIX(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecHostImmediateReady(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{Command: "cat"}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}
	if !h.Alive() {
		t.Error("Alive() = false for running host")
	}
	if h.PID() == 0 {
		t.Error("PID() = 0 for running host")
	}

	if err := h.Deliver(ctx, "hello"); err != nil {
		t.Errorf("Deliver() error = %v", err)
	}

	if err := h.Stop(time.Second); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if h.Alive() {
		t.Error("Alive() = true after Stop")
	}
	if err := h.Stop(time.Second); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestExecHostReadyPattern(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{
		Command:      "sh",
		Args:         []string{"-c", "echo booting; echo AGENT_READY; cat"},
		ReadyPattern: "AGENT_READY",
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.AwaitReady(ctx); err != nil {
		t.Errorf("AwaitReady() error = %v", err)
	}
}

func TestExecHostReadinessTimeout(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{
		Command:      "sh",
		Args:         []string{"-c", "sleep 30"},
		ReadyPattern: "NEVER_PRINTED",
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(100 * time.Millisecond) })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.AwaitReady(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitReady() error = %v, want DeadlineExceeded", err)
	}
}

func TestExecHostSpawnFailure(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{Command: "/nonexistent/hive-test-binary"}
	if err := h.Start(context.Background()); err == nil {
		t.Error("Start() succeeded for a nonexistent binary")
		h.Stop(time.Second)
	}
}

func TestExecHostExitBeforeReady(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{
		Command:      "sh",
		Args:         []string{"-c", "exit 3"},
		ReadyPattern: "NEVER_PRINTED",
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.AwaitReady(ctx)
	if err == nil {
		t.Fatal("AwaitReady() = nil for host that exited before ready")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AwaitReady() error = %v, want an exit error, not a timeout", err)
	}
}

func TestExecHostDeliverAfterExit(t *testing.T) {
	requirePOSIX(t)
	t.Parallel()

	h := &ExecHost{Command: "true"}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop(time.Second) })

	deadline := time.Now().Add(5 * time.Second)
	for h.Alive() {
		if time.Now().After(deadline) {
			t.Fatal("host never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}

	err := h.Deliver(context.Background(), "too late")
	if !errors.Is(err, ErrHostStopped) {
		t.Errorf("Deliver() error = %v, want ErrHostStopped", err)
	}
}

func TestExecHostInvalidReadyPattern(t *testing.T) {
	t.Parallel()

	h := &ExecHost{Command: "cat", ReadyPattern: "(unclosed"}
	if err := h.Start(context.Background()); err == nil {
		t.Error("Start() accepted an invalid ready pattern")
		h.Stop(time.Second)
	}
}

func TestLocalHostLifecycle(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	h := &LocalHost{Handler: func(ctx context.Context, payload string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
		return nil
	}}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.AwaitReady(ctx); err != nil {
		t.Fatalf("AwaitReady() error = %v", err)
	}
	if !h.Alive() {
		t.Error("Alive() = false after Start")
	}
	if h.PID() != 0 {
		t.Errorf("PID() = %d, want 0", h.PID())
	}

	if err := h.Deliver(ctx, "ping"); err != nil {
		t.Errorf("Deliver() error = %v", err)
	}
	mu.Lock()
	if len(got) != 1 || got[0] != "ping" {
		t.Errorf("handler received %v, want [ping]", got)
	}
	mu.Unlock()

	if err := h.Stop(0); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := h.Deliver(ctx, "late"); !errors.Is(err, ErrHostStopped) {
		t.Errorf("Deliver() after Stop error = %v, want ErrHostStopped", err)
	}
	if h.Alive() {
		t.Error("Alive() = true after Stop")
	}
}

func TestLocalHostDeliverBeforeStart(t *testing.T) {
	t.Parallel()

	h := &LocalHost{}
	if err := h.Deliver(context.Background(), "early"); !errors.Is(err, ErrHostStopped) {
		t.Errorf("Deliver() before Start error = %v, want ErrHostStopped", err)
	}
}

func TestLocalHostHandlerError(t *testing.T) {
	t.Parallel()

	want := errors.New("handler rejected payload")
	h := &LocalHost{Handler: func(ctx context.Context, payload string) error {
		return want
	}}
	h.Start(context.Background())

	if err := h.Deliver(context.Background(), "x"); !errors.Is(err, want) {
		t.Errorf("Deliver() error = %v, want handler error", err)
	}
}
