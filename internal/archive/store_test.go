package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/hive/internal/queue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordTaskRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	rec := TaskRecord{
		ID:         "t1",
		Target:     "worker1",
		Source:     "president",
		Payload:    "review the branch",
		State:      queue.TaskQueued,
		EnqueuedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.RecordTask(rec); err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetTask() = nil for existing task")
	}
	if got.Target != "worker1" || got.State != queue.TaskQueued || got.Payload != "review the branch" {
		t.Errorf("GetTask() = %+v, want the recorded task", got)
	}
}

func TestRecordTaskUpsertsState(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	rec := TaskRecord{ID: "t1", Target: "w", Payload: "x", State: queue.TaskQueued, EnqueuedAt: time.Now()}
	if err := s.RecordTask(rec); err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}

	rec.State = queue.TaskDelivered
	rec.FinishedAt = time.Now().UTC()
	rec.LogSeq = 17
	if err := s.RecordTask(rec); err != nil {
		t.Fatalf("second RecordTask() error = %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.State != queue.TaskDelivered || got.LogSeq != 17 {
		t.Errorf("GetTask() state = %s logSeq = %d, want delivered and 17", got.State, got.LogSeq)
	}
}

func TestGetTaskMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.GetTask("nope")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetTask() = %+v for missing id, want nil", got)
	}
}

func TestListTasksFilters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	base := time.Now().UTC()
	tasks := []TaskRecord{
		{ID: "t1", Target: "w1", Payload: "a", State: queue.TaskDelivered, EnqueuedAt: base},
		{ID: "t2", Target: "w2", Payload: "b", State: queue.TaskFailed, EnqueuedAt: base.Add(time.Second)},
		{ID: "t3", Target: "w1", Payload: "c", State: queue.TaskFailed, EnqueuedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range tasks {
		if err := s.RecordTask(rec); err != nil {
			t.Fatalf("RecordTask(%s) error = %v", rec.ID, err)
		}
	}

	all, err := s.ListTasks("", "", 0)
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTasks() returned %d, want 3", len(all))
	}
	if all[0].ID != "t3" {
		t.Errorf("ListTasks() newest first: got %s, want t3", all[0].ID)
	}

	w1, err := s.ListTasks("w1", "", 0)
	if err != nil {
		t.Fatalf("ListTasks(w1) error = %v", err)
	}
	if len(w1) != 2 {
		t.Errorf("ListTasks(w1) returned %d, want 2", len(w1))
	}

	failed, err := s.ListTasks("w1", queue.TaskFailed, 0)
	if err != nil {
		t.Fatalf("ListTasks(w1, failed) error = %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t3" {
		t.Errorf("ListTasks(w1, failed) = %v, want [t3]", failed)
	}
}

func TestSessionHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	started := time.Now().UTC().Add(-time.Minute)
	id, err := s.RecordSessionStart("worker1", started)
	if err != nil {
		t.Fatalf("RecordSessionStart() error = %v", err)
	}
	if id == 0 {
		t.Fatal("RecordSessionStart() returned id 0")
	}

	if err := s.RecordSessionEnd(id, "terminated", "idle timeout", 5, 1); err != nil {
		t.Fatalf("RecordSessionEnd() error = %v", err)
	}

	rows, err := s.ListSessionHistory("worker1", 0)
	if err != nil {
		t.Fatalf("ListSessionHistory() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ListSessionHistory() returned %d rows, want 1", len(rows))
	}
	rec := rows[0]
	if rec.EndState != "terminated" || rec.StopReason != "idle timeout" || rec.Delivered != 5 || rec.Failed != 1 {
		t.Errorf("ListSessionHistory() = %+v, want the ended session", rec)
	}
}

func TestRecordSessionEndMissingRow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.RecordSessionEnd(999, "terminated", "", 0, 0); err == nil {
		t.Error("RecordSessionEnd() succeeded for a missing row")
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.RecordTask(TaskRecord{ID: "t1", Target: "w", Payload: "x", State: queue.TaskDelivered, EnqueuedAt: time.Now()}); err != nil {
		t.Fatalf("RecordTask() error = %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	got, err := s2.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got == nil || got.State != queue.TaskDelivered {
		t.Errorf("GetTask() after reopen = %+v, want the recorded task", got)
	}
}
