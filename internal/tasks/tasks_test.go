package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"boorukeep/internal/core"
)

func waitForTerminal(t *testing.T, m *Manager, id string) core.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := m.Get(id)
		if !ok {
			t.Fatalf("task %s disappeared", id)
		}
		if task.Status == core.TaskCompleted || task.Status == core.TaskFailed {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", id)
	return core.Task{}
}

func TestStartCompletesWithResult(t *testing.T) {
	m := NewManager()
	defer m.Shutdown(time.Second)

	id := m.Start("scan", func(ctx context.Context, h *Handle) (any, error) {
		h.Progress(50, "halfway")
		return 42, nil
	})
	if !strings.HasPrefix(id, "scan_") {
		t.Errorf("id = %q, want scan_ prefix", id)
	}

	task := waitForTerminal(t, m, id)
	if task.Status != core.TaskCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if task.Progress != 100 {
		t.Errorf("progress = %d, want 100", task.Progress)
	}
	if task.Result != 42 {
		t.Errorf("result = %v, want 42", task.Result)
	}
}

func TestStartFailureRecordsError(t *testing.T) {
	m := NewManager()
	defer m.Shutdown(time.Second)

	id := m.Start("rebuild", func(ctx context.Context, h *Handle) (any, error) {
		return nil, errors.New("catalog unavailable")
	})

	task := waitForTerminal(t, m, id)
	if task.Status != core.TaskFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "catalog unavailable") {
		t.Errorf("error = %q, want it to mention the cause", task.Error)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	m := NewManager()
	defer m.Shutdown(time.Second)

	id := m.Start("scan", func(ctx context.Context, h *Handle) (any, error) {
		panic("boom")
	})

	task := waitForTerminal(t, m, id)
	if task.Status != core.TaskFailed {
		t.Errorf("status = %q, want failed after panic", task.Status)
	}
}

func TestActiveCountExcludesTerminal(t *testing.T) {
	m := NewManager()
	defer m.Shutdown(time.Second)

	release := make(chan struct{})
	running := m.Start("scan", func(ctx context.Context, h *Handle) (any, error) {
		<-release
		return nil, nil
	})
	done := m.Start("scan", func(ctx context.Context, h *Handle) (any, error) {
		return nil, nil
	})
	waitForTerminal(t, m, done)

	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}
	close(release)
	waitForTerminal(t, m, running)
	if got := m.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after drain = %d, want 0", got)
	}
}

func TestGetUnknownID(t *testing.T) {
	m := NewManager()
	defer m.Shutdown(time.Second)
	if _, ok := m.Get("scan_deadbeef"); ok {
		t.Error("Get on unknown id should report not found")
	}
}
