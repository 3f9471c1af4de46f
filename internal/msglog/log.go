// Package msglog implements the append-only message log: the single
// durable, totally ordered record of every delivery attempt and lifecycle
// event in the system.
package msglog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrPersistence marks unrecoverable storage errors. The log is the source
// of truth, so callers must halt cleanly instead of running with unrecorded
// state.
var ErrPersistence = errors.New("message log persistence failure")

// errStopReplay aborts a replay early without reporting failure.
var errStopReplay = errors.New("stop replay")

// Limit for one encoded record. Append refuses anything larger so the
// replay scanner, which uses the same limit, can always read back every
// committed line.
const maxLineBytes = 1 << 22

// ErrEntryTooLarge rejects an entry whose encoded record would exceed
// maxLineBytes. The log remains usable for further appends.
var ErrEntryTooLarge = errors.New("log entry too large")

// Outcome classifies one delivery attempt or lifecycle event.
type Outcome string

const (
	OutcomeSent         Outcome = "sent"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeFailed       Outcome = "failed"
)

// Message is one immutable log record, stored as a single JSON line.
// The on-disk format is forward-compatible: readers ignore unknown fields
// and new fields must be optional.
type Message struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	TaskID    string    `json:"task_id,omitempty"`
	Payload   string    `json:"payload"`
	Outcome   Outcome   `json:"outcome"`
}

// Entry is the caller-supplied part of a Message. Append assigns the
// sequence number and timestamp.
type Entry struct {
	Source  string
	Target  string
	TaskID  string
	Payload string
	Outcome Outcome
}

// Log is a JSONL-backed append-only message log. A single writer assigns
// strictly increasing sequence numbers; readers only ever see committed
// lines. Sequence numbers survive restarts because Open recovers the last
// assigned number from the file.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	seq    uint64
	closed bool
}

// Open opens or creates the log at path and recovers the last assigned
// sequence number. A torn trailing line left by a crash is tolerated; a
// torn line followed by further records is corruption.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
	}

	last, err := replay(path, 0, nil)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	return &Log{
		path: path,
		f:    f,
		w:    bufio.NewWriter(f),
		seq:  last,
	}, nil
}

// Append assigns the next sequence number, writes the record, and syncs it
// to disk. Exactly one record is written per call. An entry too large for
// replay is refused with ErrEntryTooLarge before anything is written and
// before a sequence number is consumed. Write or sync failures wrap
// ErrPersistence and leave the log unusable for further appends.
func (l *Log) Append(e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, fmt.Errorf("append to closed log: %w", ErrPersistence)
	}

	m := Message{
		Seq:       l.seq + 1,
		Timestamp: time.Now().UTC(),
		Source:    e.Source,
		Target:    e.Target,
		TaskID:    e.TaskID,
		Payload:   e.Payload,
		Outcome:   e.Outcome,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encoding message: %w", err)
	}
	if len(data) > maxLineBytes {
		return 0, fmt.Errorf("message for %s: encoded record is %d bytes (limit %d): %w",
			e.Target, len(data), maxLineBytes, ErrEntryTooLarge)
	}
	data = append(data, '\n')

	if _, err := l.w.Write(data); err != nil {
		l.closed = true
		return 0, fmt.Errorf("writing message %d: %w: %w", m.Seq, err, ErrPersistence)
	}
	if err := l.w.Flush(); err != nil {
		l.closed = true
		return 0, fmt.Errorf("flushing message %d: %w: %w", m.Seq, err, ErrPersistence)
	}
	if err := l.f.Sync(); err != nil {
		l.closed = true
		return 0, fmt.Errorf("syncing message %d: %w: %w", m.Seq, err, ErrPersistence)
	}

	l.seq = m.Seq
	return m.Seq, nil
}

// LastSeq returns the highest sequence number assigned so far.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Path returns the backing file path.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the backing file. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return fmt.Errorf("flushing log: %w", err)
	}
	return l.f.Close()
}

// ReadFrom replays committed records with sequence numbers greater than
// after, in order. Replay stops early when fn returns an error, which is
// propagated. ReadFrom never blocks Append.
func (l *Log) ReadFrom(after uint64, fn func(Message) error) error {
	_, err := replay(l.path, after, fn)
	return err
}

// ReadAll replays the complete log from the beginning.
func (l *Log) ReadAll(fn func(Message) error) error {
	return l.ReadFrom(0, fn)
}

// List collects up to limit records with sequence numbers greater than
// after. A limit of 0 means no limit.
func (l *Log) List(after uint64, limit int) ([]Message, error) {
	var out []Message
	err := l.ReadFrom(after, func(m Message) error {
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			return errStopReplay
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return nil, err
	}
	return out, nil
}

// replay scans the file at path, invoking fn (when non-nil) for every
// record with seq > after, and returns the last sequence number seen.
// A missing file is an empty log.
func replay(path string, after uint64, fn func(Message) error) (last uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening log for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	torn := false
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			// Possibly a torn final line from a crash; remember it and keep
			// scanning. It only becomes an error if more records follow.
			torn = true
			continue
		}
		if torn {
			return last, fmt.Errorf("record %d follows an unparseable line: %w", m.Seq, ErrPersistence)
		}
		last = m.Seq
		if fn == nil || m.Seq <= after {
			continue
		}
		if err := fn(m); err != nil {
			return last, err
		}
	}
	if err := sc.Err(); err != nil {
		return last, fmt.Errorf("scanning log: %w: %w", err, ErrPersistence)
	}
	return last, nil
}
