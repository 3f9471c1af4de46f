package msglog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// followPollInterval is the fallback poll cadence for filesystems that do
// not deliver write notifications.
const followPollInterval = 500 * time.Millisecond

// Follow replays records with sequence numbers greater than after, then
// tails the log until ctx is done, invoking fn for each new record. New
// writes are detected with fsnotify, with a polling fallback. Returns nil
// when ctx ends, or the first error from fn or the underlying file.
func (l *Log) Follow(ctx context.Context, after uint64, fn func(Message) error) error {
	t := &tailer{path: l.path, cursor: after}
	defer t.close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer watcher.Close()

	// The log file may not exist yet; watch its directory instead so the
	// create event wakes us too.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		if err := t.drain(fn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != l.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Debug("log watch error", "path", l.path, "error", werr)
		case <-ticker.C:
		}
	}
}

// tailer reads complete records from a growing log file, remembering the
// offset of the last complete line so each wakeup only reads new bytes.
type tailer struct {
	path   string
	f      *os.File
	offset int64
	cursor uint64
}

// drain reads all complete records currently in the file beyond the
// tailer's offset and hands those newer than the cursor to fn.
func (t *tailer) drain(fn func(Message) error) error {
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("opening log for tail: %w", err)
		}
		t.f = f
	}

	if _, err := t.f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking log: %w", err)
	}

	r := bufio.NewReader(t.f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Partial line: leave the offset where it is and wait for
				// the rest.
				return nil
			}
			return fmt.Errorf("reading log: %w: %w", err, ErrPersistence)
		}
		t.offset += int64(len(line))

		if len(line) == 1 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			return fmt.Errorf("decoding log record at offset %d: %w: %w", t.offset, err, ErrPersistence)
		}
		if m.Seq <= t.cursor {
			continue
		}
		t.cursor = m.Seq
		if err := fn(m); err != nil {
			return err
		}
	}
}

func (t *tailer) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}
