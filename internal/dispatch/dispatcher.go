// Package dispatch wires the registry, queue, sessions, and message log
// together. A single scheduling loop starts hosts on demand within the
// session bound and delivers queued tasks in per-target order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/hive/internal/archive"
	"github.com/Dicklesworthstone/hive/internal/events"
	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/queue"
	"github.com/Dicklesworthstone/hive/internal/session"
)

// ErrUnknownIdentity is returned for submissions to an identity that was
// never registered, or that was unregistered after its host failed to
// spawn.
var ErrUnknownIdentity = errors.New("unknown identity")

// ErrHalted is returned once the dispatcher has halted on a persistence
// failure.
var ErrHalted = errors.New("dispatcher halted")

// HostFactory builds a fresh host for one identity. It is called every
// time a session must be (re)started for that identity.
type HostFactory func(identity string) session.Host

// Config tunes the dispatcher.
type Config struct {
	// MaxConcurrentSessions bounds sessions in Starting, Ready, or Busy.
	MaxConcurrentSessions int
	// IdleTimeout reaps Ready sessions with no deliveries for this long.
	// Zero disables reaping.
	IdleTimeout time.Duration
	// ReadinessTimeout bounds the wait for a starting host.
	ReadinessTimeout time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
	// StopGrace is the SIGTERM to SIGKILL escalation window.
	StopGrace time.Duration
	// PollInterval drives the idle reaper and retry sweep.
	PollInterval time.Duration
}

// minPollInterval prevents ticker panics from zero or absurd configs.
const minPollInterval = 10 * time.Millisecond

// DefaultConfig returns the stock dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 10,
		IdleTimeout:           90 * time.Second,
		ReadinessTimeout:      10 * time.Second,
		SendTimeout:           30 * time.Second,
		StopGrace:             5 * time.Second,
		PollInterval:          time.Second,
	}
}

// Dispatcher owns the scheduling loop. All exported methods are safe for
// concurrent use.
type Dispatcher struct {
	mu sync.RWMutex

	// Collaborators
	log   *msglog.Log
	q     *queue.Queue
	bus   *events.Bus
	arch  *archive.Store // optional
	hosts HostFactory
	cfg   Config

	// Registered identities and their live sessions. A terminated
	// session is removed from the map; its identity stays registered
	// unless the host failed to spawn.
	registered map[string]bool
	sessions   map[string]*session.Session
	archRows   map[string]int64

	// At most one delivery in flight per target.
	inFlight map[string]queue.Task

	fatalErr error

	started  bool
	draining bool

	ctx       context.Context
	wake      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	fatalOnce sync.Once
	loopDone  chan struct{}
	wg        sync.WaitGroup
}

// New creates a dispatcher. The archive store may be nil.
func New(log *msglog.Log, q *queue.Queue, bus *events.Bus, arch *archive.Store, hosts HostFactory, cfg Config) *Dispatcher {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultConfig().MaxConcurrentSessions
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Dispatcher{
		log:        log,
		q:          q,
		bus:        bus,
		arch:       arch,
		hosts:      hosts,
		cfg:        cfg,
		registered: make(map[string]bool),
		sessions:   make(map[string]*session.Session),
		archRows:   make(map[string]int64),
		inFlight:   make(map[string]queue.Task),
		ctx:        context.Background(),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Register adds an identity to the pool. Sessions start on demand when
// tasks arrive.
func (d *Dispatcher) Register(identity string) error {
	if err := session.ValidateIdentity(identity); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered[identity] {
		return fmt.Errorf("identity %s already registered", identity)
	}
	d.registered[identity] = true
	return nil
}

// Registered reports whether an identity is in the pool.
func (d *Dispatcher) Registered(identity string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registered[identity]
}

// Identities returns the registered identities, sorted.
func (d *Dispatcher) Identities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.registered))
	for id := range d.registered {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start launches the scheduling loop. A dispatcher starts once; after
// StopAll it cannot be restarted.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("dispatcher already started")
	}
	d.started = true
	d.ctx = ctx
	d.mu.Unlock()

	go d.run()
	return nil
}

// Submit queues a task from the system identity. See SubmitFrom.
func (d *Dispatcher) Submit(target, payload string) (string, error) {
	return d.SubmitFrom(session.SystemIdentity, target, payload)
}

// SubmitFrom queues one task for the target identity and returns the task
// id. The task is delivered asynchronously; its outcome lands in the
// message log.
func (d *Dispatcher) SubmitFrom(source, target, payload string) (string, error) {
	d.mu.RLock()
	fatal := d.fatalErr
	known := d.registered[target]
	draining := d.draining
	d.mu.RUnlock()

	if fatal != nil {
		return "", fmt.Errorf("%w: %w", ErrHalted, fatal)
	}
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownIdentity, target)
	}
	if draining {
		return "", fmt.Errorf("submit %s: %w", target, queue.ErrClosed)
	}

	task := queue.Task{
		ID:      uuid.NewString(),
		Source:  source,
		Target:  target,
		Payload: payload,
	}
	if err := d.q.Enqueue(task); err != nil {
		return "", fmt.Errorf("submit %s: %w", target, err)
	}

	d.recordTask(task, queue.TaskQueued, "", 0)
	d.publish(events.Event{Type: events.TypeTaskQueued, Identity: target, TaskID: task.ID})
	d.kick()
	return task.ID, nil
}

// Prestart eagerly starts sessions for the given identities, subject to
// the session bound. Identities that cannot start within the bound are
// left for on-demand starts.
func (d *Dispatcher) Prestart(identities ...string) error {
	for _, identity := range identities {
		d.mu.Lock()
		if !d.registered[identity] {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
		}
		if s, ok := d.sessions[identity]; ok && s.State() != session.StateTerminated {
			d.mu.Unlock()
			continue
		}
		if d.activeCountLocked() >= d.cfg.MaxConcurrentSessions {
			d.mu.Unlock()
			slog.Debug("prestart deferred, session bound reached", "identity", identity)
			continue
		}
		s, err := d.createSessionLocked(identity)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		d.mu.Unlock()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.startSession(s)
		}()
	}
	return nil
}

// run is the scheduling loop. It wakes on submissions, finished
// deliveries, and the poll ticker, dispatching every admissible task and
// reaping idle sessions.
func (d *Dispatcher) run() {
	defer close(d.loopDone)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			// Let Wait observe the stop even on bare ctx cancellation.
			d.stopOnce.Do(func() { close(d.stopCh) })
			return
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-ticker.C:
			d.reapIdle()
		}
		d.dispatchAll()
	}
}

// dispatchAll drains every currently admissible task.
func (d *Dispatcher) dispatchAll() {
	for d.dispatchOne() {
	}
}

// dispatchOne moves at most one task from the queue into a delivery
// goroutine. Reports whether it dispatched anything.
func (d *Dispatcher) dispatchOne() bool {
	task, ok := d.q.DequeueNext(d.admissible)
	if !ok {
		return false
	}

	d.mu.Lock()
	s, live := d.sessions[task.Target]
	fresh := !live || s.State() == session.StateTerminated
	if fresh && d.activeCountLocked() >= d.cfg.MaxConcurrentSessions {
		// Lost the admission race, likely to a concurrent Prestart. The
		// task goes back to the head of its target's queue untouched.
		d.mu.Unlock()
		if !d.q.Requeue(task) {
			d.failTask(task, queue.ErrClosed)
		}
		return true
	}
	if !fresh && s.State() != session.StateReady {
		// Admission saw no session, but one appeared before we locked
		// (a concurrent Prestart). It is not deliverable yet; the task
		// waits for it to become Ready.
		d.mu.Unlock()
		if !d.q.Requeue(task) {
			d.failTask(task, queue.ErrClosed)
		}
		return true
	}
	task.State = queue.TaskDispatched
	d.inFlight[task.Target] = task
	if fresh {
		var err error
		s, err = d.createSessionLocked(task.Target)
		if err != nil {
			// Identity validated at registration; a failure here means the
			// factory returned a nil host.
			delete(d.inFlight, task.Target)
			d.mu.Unlock()
			d.failTask(task, err)
			return true
		}
	}
	d.mu.Unlock()

	d.recordTask(task, queue.TaskDispatched, "", 0)
	d.publish(events.Event{Type: events.TypeTaskDispatched, Identity: task.Target, TaskID: task.ID})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(s, task, fresh)
	}()
	return true
}

// admissible decides whether the head task for a target may dispatch now.
// Called with the queue lock held; takes only read locks.
func (d *Dispatcher) admissible(target string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.fatalErr != nil {
		return false
	}
	if _, busy := d.inFlight[target]; busy {
		return false
	}
	s, ok := d.sessions[target]
	if !ok || s.State() == session.StateTerminated {
		// Needs a fresh session: admissible only within the bound.
		return d.activeCountLocked() < d.cfg.MaxConcurrentSessions
	}
	return s.State() == session.StateReady
}

// activeCountLocked counts sessions holding a bound slot: Starting,
// Ready, or Busy.
func (d *Dispatcher) activeCountLocked() int {
	n := 0
	for _, s := range d.sessions {
		switch s.State() {
		case session.StateStarting, session.StateReady, session.StateBusy:
			n++
		}
	}
	return n
}

// createSessionLocked builds and registers a session in Starting state.
// The caller holds d.mu; the new session immediately occupies a bound
// slot.
func (d *Dispatcher) createSessionLocked(identity string) (*session.Session, error) {
	host := d.hosts(identity)
	if host == nil {
		return nil, fmt.Errorf("%w: no host for %s", session.ErrHostUnavailable, identity)
	}
	s, err := session.New(identity, host, session.Options{
		ReadinessTimeout: d.cfg.ReadinessTimeout,
		SendTimeout:      d.cfg.SendTimeout,
		StopGrace:        d.cfg.StopGrace,
	})
	if err != nil {
		return nil, err
	}
	d.sessions[identity] = s
	return s, nil
}

// startSession brings a Starting session to Ready. On failure the session
// is finalized and the error returned; a host that cannot spawn also costs
// the identity its registration.
func (d *Dispatcher) startSession(s *session.Session) error {
	identity := s.Identity()
	d.publish(events.Event{Type: events.TypeSessionStarting, Identity: identity})

	if err := s.Start(d.ctx); err != nil {
		slog.Warn("session failed to start", "identity", identity, "error", err)
		d.appendLifecycle(identity, fmt.Sprintf("session start failed: %v", err), msglog.OutcomeFailed)
		d.finalizeSession(s)

		if errors.Is(err, session.ErrHostUnavailable) {
			d.unregister(identity, err)
		}
		return err
	}

	if d.arch != nil {
		if row, err := d.arch.RecordSessionStart(identity, time.Now().UTC()); err == nil {
			d.mu.Lock()
			d.archRows[identity] = row
			d.mu.Unlock()
		} else {
			slog.Warn("archive session start failed", "identity", identity, "error", err)
		}
	}

	d.appendLifecycle(identity, "session ready", msglog.OutcomeSent)
	d.publish(events.Event{Type: events.TypeSessionReady, Identity: identity})
	d.kick()
	return nil
}

// deliver runs one task end to end: start the session if fresh, hand the
// payload to the host, and record the outcome.
func (d *Dispatcher) deliver(s *session.Session, task queue.Task, fresh bool) {
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, task.Target)
		d.mu.Unlock()
		d.kick()
	}()

	if fresh {
		if err := d.startSession(s); err != nil {
			d.failTask(task, err)
			return
		}
	}

	d.publish(events.Event{Type: events.TypeSessionBusy, Identity: task.Target, TaskID: task.ID})

	if err := s.Deliver(d.ctx, task.Payload); err != nil {
		d.failTask(task, err)
		if s.State() == session.StateTerminated {
			d.appendLifecycle(task.Target, fmt.Sprintf("session terminated: %v", err), msglog.OutcomeFailed)
			d.finalizeSession(s)
		}
		return
	}

	outcome := msglog.OutcomeSent
	if s.Confirms() {
		outcome = msglog.OutcomeAcknowledged
	}
	seq, ok := d.append(msglog.Entry{
		Source:  task.Source,
		Target:  task.Target,
		TaskID:  task.ID,
		Payload: task.Payload,
		Outcome: outcome,
	})
	if !ok {
		return
	}

	d.recordTask(task, queue.TaskDelivered, "", seq)
	d.publish(events.Event{Type: events.TypeTaskDelivered, Identity: task.Target, TaskID: task.ID, Seq: seq})
}

// failTask records one failed task in the log, the archive, and on the
// bus. No retries: failure is a terminal outcome.
func (d *Dispatcher) failTask(task queue.Task, cause error) {
	seq, _ := d.append(msglog.Entry{
		Source:  task.Source,
		Target:  task.Target,
		TaskID:  task.ID,
		Payload: task.Payload,
		Outcome: msglog.OutcomeFailed,
	})
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	d.recordTask(task, queue.TaskFailed, detail, seq)
	d.publish(events.Event{Type: events.TypeTaskFailed, Identity: task.Target, TaskID: task.ID, Seq: seq, Detail: detail})
}

// unregister drops an identity whose host cannot spawn and fails its
// entire backlog.
func (d *Dispatcher) unregister(identity string, cause error) {
	d.mu.Lock()
	delete(d.registered, identity)
	d.mu.Unlock()

	for _, t := range d.q.DrainTarget(identity) {
		d.failTask(t, cause)
	}
	slog.Info("identity unregistered", "identity", identity, "error", cause)
}

// finalizeSession archives and forgets a terminated session. Lifecycle
// log records are the caller's responsibility.
func (d *Dispatcher) finalizeSession(s *session.Session) {
	identity := s.Identity()
	info := s.Snapshot()

	d.mu.Lock()
	if cur, ok := d.sessions[identity]; ok && cur == s {
		delete(d.sessions, identity)
	}
	row, hadRow := d.archRows[identity]
	delete(d.archRows, identity)
	d.mu.Unlock()

	if d.arch != nil && hadRow {
		if err := d.arch.RecordSessionEnd(row, string(info.State), info.StopReason, info.Delivered, info.Failed); err != nil {
			slog.Warn("archive session end failed", "identity", identity, "error", err)
		}
	}
	d.publish(events.Event{Type: events.TypeSessionTerminated, Identity: identity, Detail: info.StopReason})
}

// reapIdle stops Ready sessions that have outlived the idle timeout. It
// runs only on the scheduling loop, so it observes every in-flight task
// set by dispatchOne; a session with a pending delivery is never reaped.
func (d *Dispatcher) reapIdle() {
	if d.cfg.IdleTimeout <= 0 {
		return
	}

	d.mu.RLock()
	var victims []*session.Session
	for identity, s := range d.sessions {
		if _, busy := d.inFlight[identity]; busy {
			continue
		}
		if s.BeginIdleStop(d.cfg.IdleTimeout, "idle timeout") {
			victims = append(victims, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range victims {
		s := s
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := s.FinishStop(); err != nil {
				slog.Warn("idle reap stop failed", "identity", s.Identity(), "error", err)
			}
			d.appendLifecycle(s.Identity(), "session stopped: idle timeout", msglog.OutcomeSent)
			d.finalizeSession(s)
		}()
	}
}

// StopAll closes intake, fails the remaining backlog, and stops every
// session. Idempotent: repeat calls are cheap no-ops.
func (d *Dispatcher) StopAll() error {
	return d.shutdown(true)
}

// Drain closes intake to new submissions, lets the backlog deliver, then
// stops everything. Bounded by ctx.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d.q.Depth() == 0 && d.InFlight() == 0 {
			return d.shutdown(true)
		}
		select {
		case <-ctx.Done():
			d.shutdown(true)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// shutdown is the common stop path. writeRecords is false when the log
// itself failed and appends would be futile.
func (d *Dispatcher) shutdown(writeRecords bool) error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if started {
		<-d.loopDone
	}

	for _, t := range d.q.Close() {
		if writeRecords {
			d.failTask(t, queue.ErrClosed)
		} else {
			d.recordTask(t, queue.TaskFailed, queue.ErrClosed.Error(), 0)
		}
	}

	d.mu.Lock()
	victims := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		victims = append(victims, s)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range victims {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop("shutdown"); err != nil {
				slog.Warn("session stop failed", "identity", s.Identity(), "error", err)
			}
			if writeRecords {
				d.appendLifecycle(s.Identity(), "session stopped: shutdown", msglog.OutcomeSent)
			}
			d.finalizeSession(s)
		}()
	}
	wg.Wait()
	d.wg.Wait()
	return nil
}

// Wait blocks until the dispatcher has stopped and returns the fatal
// error, if any. A clean StopAll yields nil.
func (d *Dispatcher) Wait() error {
	<-d.stopCh

	d.mu.RLock()
	started := d.started
	d.mu.RUnlock()
	if started {
		<-d.loopDone
	}
	d.wg.Wait()
	return d.Err()
}

// Err returns the fatal error that halted the dispatcher, or nil.
func (d *Dispatcher) Err() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fatalErr
}

// fatal records a persistence failure and begins an orderly halt. The
// first caller wins; the rest are no-ops.
func (d *Dispatcher) fatal(err error) {
	d.fatalOnce.Do(func() {
		d.mu.Lock()
		d.fatalErr = err
		d.mu.Unlock()

		slog.Error("halting on persistence failure", "error", err)
		d.publish(events.Event{Type: events.TypeDispatcherHalted, Detail: err.Error()})
		go d.shutdown(false)
	})
}

// append writes one record, escalating persistence failures to a halt.
func (d *Dispatcher) append(e msglog.Entry) (uint64, bool) {
	seq, err := d.log.Append(e)
	if err != nil {
		if errors.Is(err, msglog.ErrPersistence) {
			d.fatal(err)
		} else {
			slog.Error("log append failed", "target", e.Target, "error", err)
		}
		return 0, false
	}
	d.publish(events.Event{Type: events.TypeMessageAppended, Identity: e.Target, TaskID: e.TaskID, Seq: seq})
	return seq, true
}

func (d *Dispatcher) appendLifecycle(identity, detail string, outcome msglog.Outcome) {
	d.append(msglog.Entry{
		Source:  session.SystemIdentity,
		Target:  identity,
		Payload: detail,
		Outcome: outcome,
	})
}

// recordTask mirrors task progress into the archive, best effort.
func (d *Dispatcher) recordTask(task queue.Task, state queue.TaskState, detail string, seq uint64) {
	if d.arch == nil {
		return
	}
	rec := archive.TaskRecord{
		ID:         task.ID,
		Target:     task.Target,
		Source:     task.Source,
		Payload:    task.Payload,
		State:      state,
		Detail:     detail,
		EnqueuedAt: task.EnqueuedAt,
		LogSeq:     seq,
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now().UTC()
	}
	if state == queue.TaskDelivered || state == queue.TaskFailed {
		rec.FinishedAt = time.Now().UTC()
	}
	if err := d.arch.RecordTask(rec); err != nil {
		slog.Warn("archive task record failed", "task", task.ID, "error", err)
	}
}

func (d *Dispatcher) publish(ev events.Event) {
	if d.bus != nil {
		d.bus.Publish(ev)
	}
}

// kick wakes the scheduling loop without blocking.
func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ========================
// Status Accessors
// ========================

// Sessions returns a snapshot of every live session, sorted by identity.
func (d *Dispatcher) Sessions() []session.Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]session.Info, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// QueueDepths returns the queued task count per target.
func (d *Dispatcher) QueueDepths() map[string]int {
	return d.q.DepthByTarget()
}

// InFlight returns the number of deliveries currently in progress.
func (d *Dispatcher) InFlight() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.inFlight)
}

// Capacity returns the configured session bound.
func (d *Dispatcher) Capacity() int {
	return d.cfg.MaxConcurrentSessions
}
