// Package status derives point-in-time system snapshots from the message
// log and, when one is attached, live dispatcher state. Snapshots are
// defensive copies; callers never see live internal tables.
package status

import (
	"sync"
	"time"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/session"
)

// Provider exposes the live dispatcher state a snapshot folds in. All
// methods must return copies.
type Provider interface {
	Sessions() []session.Info
	QueueDepths() map[string]int
	InFlight() int
	Capacity() int
}

// IdentityStats aggregates log records for one target identity.
type IdentityStats struct {
	Delivered    uint64    `json:"delivered"`
	Failed       uint64    `json:"failed"`
	LastSeq      uint64    `json:"last_seq"`
	LastActivity time.Time `json:"last_activity"`
}

// SystemSnapshot is one consistent view of the whole system.
type SystemSnapshot struct {
	Time         time.Time                `json:"time"`
	Sessions     []session.Info           `json:"sessions,omitempty"`
	Queued       int                      `json:"queued"`
	QueuedBy     map[string]int           `json:"queued_by_target,omitempty"`
	InFlight     int                      `json:"in_flight"`
	Capacity     int                      `json:"capacity"`
	Delivered    uint64                   `json:"delivered"`
	Failed       uint64                   `json:"failed"`
	LastSeq      uint64                   `json:"last_seq"`
	LastActivity time.Time                `json:"last_activity"`
	PerIdentity  map[string]IdentityStats `json:"per_identity,omitempty"`
}

// Reporter folds the message log into running counters. Each Snapshot
// call reads only the records appended since the last one, so frequent
// polling stays cheap on a long log.
type Reporter struct {
	mu       sync.Mutex
	log      *msglog.Log
	provider Provider

	lastSeq      uint64
	delivered    uint64
	failed       uint64
	lastActivity time.Time
	perIdentity  map[string]IdentityStats
}

// NewReporter builds a reporter over the given log. The provider may be
// nil for file-only mode, where queue and session figures are absent and
// the snapshot reflects the log alone.
func NewReporter(log *msglog.Log, provider Provider) *Reporter {
	return &Reporter{
		log:         log,
		provider:    provider,
		perIdentity: make(map[string]IdentityStats),
	}
}

// Snapshot folds any new log records and returns the current view.
func (r *Reporter) Snapshot() (SystemSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.foldLocked(); err != nil {
		return SystemSnapshot{}, err
	}

	snap := SystemSnapshot{
		Time:         time.Now().UTC(),
		Delivered:    r.delivered,
		Failed:       r.failed,
		LastSeq:      r.lastSeq,
		LastActivity: r.lastActivity,
		PerIdentity:  make(map[string]IdentityStats, len(r.perIdentity)),
	}
	for identity, stats := range r.perIdentity {
		snap.PerIdentity[identity] = stats
	}

	if r.provider != nil {
		snap.Sessions = r.provider.Sessions()
		snap.QueuedBy = r.provider.QueueDepths()
		for _, n := range snap.QueuedBy {
			snap.Queued += n
		}
		snap.InFlight = r.provider.InFlight()
		snap.Capacity = r.provider.Capacity()
	}
	return snap, nil
}

// foldLocked advances the counters over records appended since the last
// fold. Records without a task id are lifecycle markers and do not count
// toward task totals.
func (r *Reporter) foldLocked() error {
	return r.log.ReadFrom(r.lastSeq, func(m msglog.Message) error {
		r.lastSeq = m.Seq
		r.lastActivity = m.Timestamp

		stats := r.perIdentity[m.Target]
		stats.LastSeq = m.Seq
		stats.LastActivity = m.Timestamp

		if m.TaskID != "" {
			switch m.Outcome {
			case msglog.OutcomeSent, msglog.OutcomeAcknowledged:
				r.delivered++
				stats.Delivered++
			case msglog.OutcomeFailed:
				r.failed++
				stats.Failed++
			}
		}
		r.perIdentity[m.Target] = stats
		return nil
	})
}
