package task

import (
	"context"

	"flowwatch/internal/protocol"
)

func (t *Task) Approve(ctx context.Context) error {
	return t.ResolveApproval(ctx, protocol.DecisionApproved)
}

func (t *Task) Reject(ctx context.Context) error {
	return t.ResolveApproval(ctx, protocol.DecisionRejected)
}

// PendingApproval returns the live approval request, if any.
func (t *Task) PendingApproval() (protocol.ApprovalRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateAwaitingApproval || t.pending == nil {
		return protocol.ApprovalRequest{}, false
	}
	return *t.pending, true
}

// acceptApprovalLocked parks u as the pending approval. A repeat of the
// pending run id is dropped; a different run id replaces the stale request.
func (t *Task) acceptApprovalLocked(u protocol.Update) bool {
	if u.Approval == nil || u.Approval.WorkflowRunID == "" {
		t.logger.Warn("ignoring approval request without workflow run id", "task_id", t.id)
		return false
	}
	req := *u.Approval
	if t.state == StateAwaitingApproval && t.pending != nil {
		if t.pending.WorkflowRunID == req.WorkflowRunID {
			t.logger.Debug("ignoring duplicate approval request", "task_id", t.id, "workflow_run_id", req.WorkflowRunID)
			return false
		}
		t.logger.Warn("approval request superseded", "task_id", t.id,
			"stale_workflow_run_id", t.pending.WorkflowRunID, "workflow_run_id", req.WorkflowRunID)
	}
	t.log = append(t.log, u)
	t.pending = &req
	t.state = StateAwaitingApproval
	t.logger.Info("task awaiting approval", "task_id", t.id, "workflow_run_id", req.WorkflowRunID)
	return true
}
