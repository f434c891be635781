package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestDecode_TaskUpdateCompleted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	raw := []byte(`{"type":"task_update","taskId":"T1","status":"completed","result":{"url":"http://x"}}`)
	u, err := Decode(raw, now)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if u.TaskID != "T1" || u.Kind != KindCompleted {
		t.Fatalf("unexpected update: %+v", u)
	}
	if string(u.Result) != `{"url":"http://x"}` {
		t.Fatalf("unexpected result: %s", string(u.Result))
	}
	if !u.ReceivedAt.Equal(now) {
		t.Fatalf("unexpected receivedAt: %v", u.ReceivedAt)
	}
}

func TestDecode_StatusMapping(t *testing.T) {
	cases := map[string]Kind{
		"running":     KindProgress,
		"":            KindProgress,
		"in_progress": KindProgress,
		"COMPLETED":   KindCompleted,
		"success":     KindCompleted,
		"failed":      KindFailed,
		"canceled":    KindFailed,
	}
	for status, want := range cases {
		if got := KindFromStatus(status); got != want {
			t.Fatalf("status %q: expected %s, got %s", status, want, got)
		}
	}
}

func TestDecode_FailedKeepsErrorPayloadVerbatim(t *testing.T) {
	raw := []byte(`{"type":"task_update","task_id":"T9","status":"failed","error":{"code":"E1","message":"quota exceeded"}}`)
	u, err := Decode(raw, time.Now())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if u.Kind != KindFailed {
		t.Fatalf("expected failed, got %s", u.Kind)
	}
	if string(u.Error) != `{"code":"E1","message":"quota exceeded"}` {
		t.Fatalf("unexpected error payload: %s", string(u.Error))
	}
}

func TestDecode_ApprovalRequired(t *testing.T) {
	raw := []byte(`{"type":"workflow_approval_required","workflow_run_id":"R1","data_to_approve":{"step":"launch"}}`)
	u, err := Decode(raw, time.Now())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if u.Kind != KindApprovalRequired || u.Approval == nil {
		t.Fatalf("unexpected update: %+v", u)
	}
	if u.Approval.WorkflowRunID != "R1" {
		t.Fatalf("unexpected run id: %s", u.Approval.WorkflowRunID)
	}
	if string(u.Approval.DataToApprove) != `{"step":"launch"}` {
		t.Fatalf("unexpected data: %s", string(u.Approval.DataToApprove))
	}
	if u.TaskID != "" {
		t.Fatalf("expected no task id, got %s", u.TaskID)
	}
}

func TestDecode_RejectsUnroutableMessages(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: `not-json`, want: ErrMalformed},
		{name: "array", raw: `[1,2]`, want: ErrMalformed},
		{name: "missing type", raw: `{"task_id":"T1"}`, want: ErrMalformed},
		{name: "unknown type", raw: `{"type":"pong"}`, want: ErrUnknownType},
		{name: "update without task", raw: `{"type":"task_update","status":"running"}`, want: ErrMalformed},
		{name: "approval without run id", raw: `{"type":"workflow_approval_required"}`, want: ErrMalformed},
	}
	for _, tc := range cases {
		_, err := Decode([]byte(tc.raw), time.Now())
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
