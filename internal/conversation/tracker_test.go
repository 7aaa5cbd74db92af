package conversation

import (
	"testing"
	"time"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(300 * time.Second)

	st := tr.Start("$evt1", "!room:x", "agent-1", "what time is it")
	if st.Status != StatusPending {
		t.Fatalf("fresh conversation status = %s, want pending", st.Status)
	}

	// addRun activates and records the tools.
	st, ok := tr.AddRun("agent-1", "run-1", "tool_attachment", []string{"send_matrix_message"})
	if !ok {
		t.Fatal("AddRun failed for tracked agent")
	}
	if st.Status != StatusActive {
		t.Errorf("status after AddRun = %s, want active", st.Status)
	}
	if len(st.ToolsAttached) != 1 {
		t.Errorf("tools not recorded: %+v", st.ToolsAttached)
	}

	// A second run supersedes the first.
	st, ok = tr.AddRun("agent-1", "run-2", "tool_attachment", nil)
	if !ok {
		t.Fatal("second AddRun failed")
	}
	if got := st.activeRunID(); got != "run-2" {
		t.Errorf("active run = %q, want run-2", got)
	}
	if st.Runs[0].Status != StatusCompleted {
		t.Errorf("previous run status = %s, want completed", st.Runs[0].Status)
	}
	if st.Runs[1].ParentRunID != "run-1" {
		t.Errorf("parent run = %q, want run-1", st.Runs[1].ParentRunID)
	}

	// Run index resolves to the same conversation.
	byRun, ok := tr.GetByRun("run-2")
	if !ok || byRun.EventID != "$evt1" {
		t.Errorf("GetByRun = %+v, %v", byRun, ok)
	}

	// First Complete wins; the second loses the compare-and-set.
	if _, won := tr.Complete("$evt1"); !won {
		t.Fatal("first Complete should win")
	}
	if _, won := tr.Complete("$evt1"); won {
		t.Fatal("second Complete should lose")
	}

	// Terminal conversations block further runs.
	if _, ok := tr.AddRun("agent-1", "run-3", "tool_attachment", nil); ok {
		t.Fatal("AddRun succeeded on a completed conversation")
	}
}

func TestTrackerEvictsOlderConversationForAgent(t *testing.T) {
	tr := NewTracker(300 * time.Second)

	tr.Start("$old", "!room:x", "agent-1", "first")
	tr.Start("$new", "!room:x", "agent-1", "second")

	st, ok := tr.GetByAgent("agent-1")
	if !ok || st.EventID != "$new" {
		t.Fatalf("agent index points at %q, want $new", st.EventID)
	}
	// The evicted conversation is gone entirely.
	if _, ok := tr.Get("$old"); ok {
		t.Error("evicted conversation still retrievable")
	}
}

func TestTrackerStartIsIdempotentPerEvent(t *testing.T) {
	tr := NewTracker(300 * time.Second)
	first := tr.Start("$evt", "!room:x", "agent-1", "query")
	second := tr.Start("$evt", "!room:x", "agent-1", "query again")
	if first.CreatedAt != second.CreatedAt {
		t.Error("restarting the same event id created a new conversation")
	}
}

func TestTrackerSweepTimesOutOldConversations(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)

	tr.Start("$stale", "!room:x", "agent-1", "hello")
	time.Sleep(80 * time.Millisecond)

	timedOut := tr.Sweep()
	if len(timedOut) != 1 || timedOut[0] != "$stale" {
		t.Fatalf("Sweep returned %v, want [$stale]", timedOut)
	}
	st, ok := tr.Get("$stale")
	if !ok || st.Status != StatusTimeout {
		t.Errorf("status after sweep = %+v", st)
	}

	// A later sweep garbage-collects the terminal record.
	time.Sleep(80 * time.Millisecond)
	tr.Sweep()
	if _, ok := tr.Get("$stale"); ok {
		t.Error("terminal conversation not garbage-collected")
	}
}

func TestTrackerTimeoutLosesAgainstComplete(t *testing.T) {
	tr := NewTracker(300 * time.Second)
	tr.Start("$evt", "!room:x", "agent-1", "q")

	if _, won := tr.Complete("$evt"); !won {
		t.Fatal("Complete should win")
	}
	if _, won := tr.MarkTimeout("$evt"); won {
		t.Fatal("MarkTimeout must not override completed")
	}
}
