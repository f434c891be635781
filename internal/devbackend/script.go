package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowwatch/internal/protocol"
)

// Script parameters recognised in a submission:
//
//	steps            number of progress updates, default 2
//	require_approval pause for a decision before finishing
//	fail             finish with this error message instead of a result
type script struct {
	steps           int
	requireApproval bool
	fail            string
}

func scriptFor(params map[string]any) script {
	sc := script{steps: 2}
	if v, ok := params["steps"].(float64); ok && v >= 0 {
		sc.steps = int(v)
	}
	if v, ok := params["require_approval"].(bool); ok {
		sc.requireApproval = v
	}
	if v, ok := params["fail"].(string); ok {
		sc.fail = v
	}
	return sc
}

func (s *Server) runScript(t *simTask) {
	defer func() {
		s.mu.Lock()
		delete(s.tasks, t.id)
		s.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(s.ctx, s.opts.JoinTimeout)
	joined := s.hub.WaitSubscribed(waitCtx, t.id)
	cancel()
	if !joined {
		s.logger.Warn("no subscriber joined task; abandoning script", "task_id", t.id)
		return
	}

	sc := scriptFor(t.params)
	for i := 1; i <= sc.steps; i++ {
		if !s.sleep() {
			return
		}
		s.publish(t.id, map[string]any{
			"type":    protocol.TypeTaskUpdate,
			"task_id": t.id,
			"status":  "running",
			"details": map[string]any{"step": i, "of": sc.steps},
		})
	}

	decision := protocol.DecisionApproved
	if sc.requireApproval {
		if !s.sleep() {
			return
		}
		runID := "run_" + uuid.NewString()
		s.mu.Lock()
		s.runs[runID] = t
		s.mu.Unlock()
		msg := map[string]any{
			"type":            protocol.TypeApprovalRequired,
			"workflow_run_id": runID,
			"data_to_approve": map[string]any{"goal": t.goal, "step": "launch"},
		}
		if !s.opts.UntargetedApprovals {
			msg["task_id"] = t.id
		}
		s.publish(t.id, msg)
		select {
		case <-s.ctx.Done():
			return
		case decision = <-t.decisions:
		}
	}

	if !s.sleep() {
		return
	}
	switch {
	case decision == protocol.DecisionRejected:
		s.publish(t.id, map[string]any{
			"type":    protocol.TypeTaskUpdate,
			"task_id": t.id,
			"status":  "failed",
			"error":   map[string]any{"code": "REJECTED", "message": "workflow rejected by reviewer"},
		})
	case sc.fail != "":
		s.publish(t.id, map[string]any{
			"type":    protocol.TypeTaskUpdate,
			"task_id": t.id,
			"status":  "failed",
			"error":   map[string]any{"code": "SCRIPTED_FAILURE", "message": sc.fail},
		})
	default:
		s.publish(t.id, map[string]any{
			"type":    protocol.TypeTaskUpdate,
			"task_id": t.id,
			"status":  "completed",
			"result":  map[string]any{"goal": t.goal, "url": fmt.Sprintf("http://dev.local/%s", t.id)},
		})
	}
}

func (s *Server) publish(taskID string, msg map[string]any) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode scripted update failed", "task_id", taskID, "err", err)
		return
	}
	if s.hub.Publish(taskID, raw) == 0 {
		s.logger.Debug("scripted update had no subscribers", "task_id", taskID)
	}
}

func (s *Server) sleep() bool {
	timer := time.NewTimer(s.opts.StepDelay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
