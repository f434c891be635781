package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

type Kind string

const (
	KindProgress         Kind = "progress"
	KindCompleted        Kind = "completed"
	KindFailed           Kind = "failed"
	KindApprovalRequired Kind = "approval-required"
)

func (k Kind) Valid() bool {
	switch k {
	case KindProgress, KindCompleted, KindFailed, KindApprovalRequired:
		return true
	default:
		return false
	}
}

func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed
}

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

type ApprovalRequest struct {
	WorkflowRunID string          `json:"workflow_run_id"`
	DataToApprove json.RawMessage `json:"data_to_approve,omitempty"`
}

// Update is an inbound event. It is never mutated after Decode returns.
type Update struct {
	TaskID     string
	Kind       Kind
	Status     string
	Result     json.RawMessage
	Error      json.RawMessage
	Details    json.RawMessage
	Approval   *ApprovalRequest
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// WithTaskID returns a copy of u addressed to taskID.
func (u Update) WithTaskID(taskID string) Update {
	u.TaskID = taskID
	return u
}

func Decode(raw []byte, receivedAt time.Time) (Update, error) {
	if !gjson.ValidBytes(raw) {
		return Update{}, ErrMalformed
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return Update{}, ErrMalformed
	}

	u := Update{
		TaskID:     firstString(doc, "task_id", "taskId"),
		Raw:        append(json.RawMessage(nil), raw...),
		ReceivedAt: receivedAt,
	}

	typ := strings.TrimSpace(doc.Get("type").String())
	switch typ {
	case TypeTaskUpdate:
		u.Status = strings.TrimSpace(doc.Get("status").String())
		u.Kind = KindFromStatus(u.Status)
		u.Result = rawField(doc, "result")
		u.Error = rawField(doc, "error")
		u.Details = rawField(doc, "details")
	case TypeApprovalRequired:
		runID := firstString(doc, "workflow_run_id", "workflowRunId")
		if runID == "" {
			return Update{}, fmt.Errorf("%w: approval request without workflow_run_id", ErrMalformed)
		}
		u.Kind = KindApprovalRequired
		u.Approval = &ApprovalRequest{
			WorkflowRunID: runID,
			DataToApprove: firstRaw(doc, "data_to_approve", "dataToApprove"),
		}
	case "":
		return Update{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Update{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	if u.Kind == KindProgress || u.Kind.Terminal() {
		if u.TaskID == "" {
			return Update{}, fmt.Errorf("%w: task_update without task id", ErrMalformed)
		}
	}
	return u, nil
}

func KindFromStatus(status string) Kind {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "succeeded", "success":
		return KindCompleted
	case "failed", "error", "cancelled", "canceled":
		return KindFailed
	default:
		return KindProgress
	}
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(doc.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(doc gjson.Result, paths ...string) json.RawMessage {
	for _, p := range paths {
		if v := rawField(doc, p); v != nil {
			return v
		}
	}
	return nil
}

func rawField(doc gjson.Result, path string) json.RawMessage {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(v.Raw)
}
