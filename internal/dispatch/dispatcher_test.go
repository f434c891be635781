package dispatch

import (
	"bytes"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"flowwatch/internal/protocol"
)

func taskUpdate(taskID, status string, seq int) []byte {
	return []byte(fmt.Sprintf(`{"type":"task_update","task_id":%q,"status":%q,"details":{"seq":%d}}`, taskID, status, seq))
}

func TestDispatcher_PreservesPerTaskOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		d := New(nil)
		var got []string
		d.OnTask("T1", func(u protocol.Update) { got = append(got, string(u.Details)) })

		order := rng.Perm(10)
		for _, seq := range order {
			d.HandleRaw(taskUpdate("T1", "running", seq))
		}
		if len(got) != len(order) {
			t.Fatalf("round %d: expected %d deliveries, got %d", round, len(order), len(got))
		}
		for i, seq := range order {
			if want := fmt.Sprintf(`{"seq":%d}`, seq); got[i] != want {
				t.Fatalf("round %d: position %d expected %s, got %s", round, i, want, got[i])
			}
		}
	}
}

func TestDispatcher_RoutesByTaskAndKind(t *testing.T) {
	d := New(nil)
	var t1, t2, completed int
	d.OnTask("T1", func(protocol.Update) { t1++ })
	d.OnTask("T2", func(protocol.Update) { t2++ })
	d.OnKind(protocol.KindCompleted, func(protocol.Update) { completed++ })

	d.HandleRaw(taskUpdate("T1", "running", 1))
	d.HandleRaw(taskUpdate("T2", "completed", 2))
	d.HandleRaw(taskUpdate("T1", "completed", 3))

	if t1 != 2 || t2 != 1 || completed != 2 {
		t.Fatalf("unexpected counts t1=%d t2=%d completed=%d", t1, t2, completed)
	}
	if !d.HasTask("T1") || d.HasTask("T3") {
		t.Fatal("unexpected HasTask result")
	}
}

func TestDispatcher_PanickingListenerIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	d := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	delivered := 0
	d.OnTask("T1", func(protocol.Update) { panic("boom") })
	d.OnTask("T1", func(protocol.Update) { delivered++ })

	d.HandleRaw(taskUpdate("T1", "running", 1))
	if delivered != 1 {
		t.Fatalf("expected second listener to run, got %d", delivered)
	}
	if !strings.Contains(buf.String(), "update listener panicked") {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}

func TestDispatcher_DropsMalformedAndUnknown(t *testing.T) {
	var buf bytes.Buffer
	d := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	calls := 0
	d.OnTask("T1", func(protocol.Update) { calls++ })

	d.HandleRaw([]byte(`{{{`))
	d.HandleRaw([]byte(`{"type":"heartbeat","task_id":"T1"}`))
	d.Dispatch(protocol.Update{TaskID: "T1", Kind: protocol.Kind("mystery")})

	if calls != 0 {
		t.Fatalf("expected no deliveries, got %d", calls)
	}
	if strings.Count(buf.String(), "dropping") != 3 {
		t.Fatalf("expected three drop logs, got %s", buf.String())
	}
}

func TestDispatcher_UntrackedTaskIsDiscarded(t *testing.T) {
	d := New(nil)
	calls := 0
	d.OnTask("T1", func(protocol.Update) { calls++ })
	d.HandleRaw(taskUpdate("ghost", "completed", 1))
	if calls != 0 {
		t.Fatalf("expected no deliveries, got %d", calls)
	}
}

func TestDispatcher_CancelDetachesListener(t *testing.T) {
	d := New(nil)
	calls := 0
	cancel := d.OnTask("T1", func(protocol.Update) { calls++ })
	d.HandleRaw(taskUpdate("T1", "running", 1))
	cancel()
	cancel()
	d.HandleRaw(taskUpdate("T1", "running", 2))
	if calls != 1 {
		t.Fatalf("expected 1 delivery, got %d", calls)
	}
	if d.HasTask("T1") {
		t.Fatal("expected task listener removed")
	}
}

func TestDispatcher_UntargetedApprovalGoesToKindListeners(t *testing.T) {
	d := New(nil)
	var got protocol.Update
	d.OnKind(protocol.KindApprovalRequired, func(u protocol.Update) { got = u })
	d.HandleRaw([]byte(`{"type":"workflow_approval_required","workflow_run_id":"R1","data_to_approve":{"step":"launch"}}`))
	if got.Approval == nil || got.Approval.WorkflowRunID != "R1" {
		t.Fatalf("expected approval delivered, got %+v", got)
	}
}
