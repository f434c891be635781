package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"flowwatch/internal/conn"
	"flowwatch/internal/protocol"
	"flowwatch/internal/task"
	"flowwatch/internal/tracker"
)

var (
	errTaskFailed        = errors.New("task failed")
	errConnectionLost    = errors.New("connection lost: reconnect attempts exhausted")
	errConnectionRefused = errors.New("connection rejected: credential not accepted")
)

// decider answers a pending approval. An empty decision leaves it pending.
type decider func(ctx context.Context, req protocol.ApprovalRequest) (protocol.Decision, error)

func fixedDecision(d protocol.Decision) decider {
	return func(context.Context, protocol.ApprovalRequest) (protocol.Decision, error) {
		return d, nil
	}
}

type promptLine struct {
	text string
	err  error
}

// promptDecision asks on in/out. EOF leaves the approval pending. Lines are
// read on a background goroutine so a canceled ctx ends the prompt at once.
func promptDecision(in io.Reader, out io.Writer) decider {
	var (
		once  sync.Once
		lines = make(chan promptLine, 1)
	)
	start := func() {
		go func() {
			defer close(lines)
			reader := bufio.NewReader(in)
			for {
				text, err := reader.ReadString('\n')
				lines <- promptLine{text: text, err: err}
				if err != nil {
					return
				}
			}
		}()
	}
	return func(ctx context.Context, req protocol.ApprovalRequest) (protocol.Decision, error) {
		once.Do(start)
		for {
			fmt.Fprintf(out, "approve workflow run %s? [y/n] ", req.WorkflowRunID)
			var line promptLine
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case l, ok := <-lines:
				if !ok {
					return "", nil
				}
				line = l
			}
			switch strings.ToLower(strings.TrimSpace(line.text)) {
			case "y", "yes", "approve", "approved":
				return protocol.DecisionApproved, nil
			case "n", "no", "reject", "rejected":
				return protocol.DecisionRejected, nil
			}
			if line.err != nil {
				if errors.Is(line.err, io.EOF) {
					return "", nil
				}
				return "", line.err
			}
		}
	}
}

// follow prints t's log as it grows and returns once t is terminal.
func follow(ctx context.Context, out io.Writer, client *tracker.Client, t *task.Task, decide decider) error {
	wake := make(chan struct{}, 1)
	poke := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	stopWatch := t.Watch(func(task.Snapshot) { poke() })
	defer stopWatch()

	connErr := make(chan error, 1)
	stopConn := client.OnConnectionEvent(func(ev conn.Event) {
		switch {
		case ev.Type == conn.EventStatus && ev.Status == conn.StatusReconnecting:
			fmt.Fprintf(out, "[connection] reconnecting\n")
		case ev.Type == conn.EventConnected:
			fmt.Fprintf(out, "[connection] connected\n")
		case ev.Type == conn.EventExhausted:
			select {
			case connErr <- errConnectionLost:
			default:
			}
		case ev.Type == conn.EventDisconnected && ev.Reason == conn.ReasonAuth:
			select {
			case connErr <- errConnectionRefused:
			default:
			}
		}
	})
	defer stopConn()

	printed := 0
	prompted := ""
	for {
		snap := t.Snapshot()
		for ; printed < len(snap.Log); printed++ {
			printUpdate(out, snap.Log[printed])
		}
		switch snap.State {
		case task.StateCompleted:
			fmt.Fprintf(out, "task %s completed: %s\n", snap.ID, compact(snap.Result))
			return nil
		case task.StateFailed:
			msg := ""
			if snap.Failure != nil {
				msg = snap.Failure.Message
				if len(snap.Failure.Raw) > 0 {
					msg = compact(snap.Failure.Raw)
				}
			}
			fmt.Fprintf(out, "task %s failed: %s\n", snap.ID, msg)
			return fmt.Errorf("%w: %s", errTaskFailed, msg)
		case task.StateAwaitingApproval:
			if req := snap.PendingApproval; req != nil && req.WorkflowRunID != prompted && decide != nil {
				prompted = req.WorkflowRunID
				d, err := decide(ctx, *req)
				if err != nil {
					return err
				}
				if d != "" {
					if err := t.ResolveApproval(ctx, d); err != nil {
						fmt.Fprintf(out, "decision for %s not delivered: %v\n", req.WorkflowRunID, err)
						prompted = ""
					} else {
						fmt.Fprintf(out, "sent %s for workflow run %s\n", d, req.WorkflowRunID)
					}
					continue
				}
				fmt.Fprintf(out, "workflow run %s is waiting; resolve it with: flowwatch approve %s\n", req.WorkflowRunID, req.WorkflowRunID)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-connErr:
			return err
		case <-wake:
		}
	}
}

func printUpdate(out io.Writer, u protocol.Update) {
	switch u.Kind {
	case protocol.KindApprovalRequired:
		data := ""
		if u.Approval != nil {
			data = compact(u.Approval.DataToApprove)
		}
		fmt.Fprintf(out, "[%s] approval required: %s\n", u.TaskID, data)
	default:
		line := fmt.Sprintf("[%s] %s", u.TaskID, u.Kind)
		if u.Status != "" && u.Status != string(u.Kind) {
			line += " (" + u.Status + ")"
		}
		if len(u.Details) > 0 {
			line += " " + compact(u.Details)
		}
		fmt.Fprintf(out, "%s\n", line)
	}
}

func compact(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "{}"
	}
	return s
}
