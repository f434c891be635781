package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeTaskUpdate       = "task_update"
	TypeApprovalRequired = "workflow_approval_required"
)

// ControlMessage is sent by the client to express interest in a task stream.
type ControlMessage struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func NewJoin(taskID string) ControlMessage {
	return newControl(TypeJoin, taskID)
}

func NewLeave(taskID string) ControlMessage {
	return newControl(TypeLeave, taskID)
}

func newControl(typ, taskID string) ControlMessage {
	return ControlMessage{
		ID:     "ctl_" + uuid.NewString(),
		Type:   typ,
		TaskID: strings.TrimSpace(taskID),
	}
}

func (m ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}
