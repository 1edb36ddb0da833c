package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/pipeline"
)

// Solver produces the result for a slot.
type Solver interface {
	Solve(ctx context.Context, slot *pipeline.NextSlot) (Completion, error)
}

// SolverFunc adapts a function to Solver.
type SolverFunc func(ctx context.Context, slot *pipeline.NextSlot) (Completion, error)

func (f SolverFunc) Solve(ctx context.Context, slot *pipeline.NextSlot) (Completion, error) {
	return f(ctx, slot)
}

// ExecSolver runs a command per slot. The NextSlot is written to its stdin
// as JSON and a Completion is read back from its stdout.
type ExecSolver struct {
	Command string
	Args    []string
}

func (s ExecSolver) Solve(ctx context.Context, slot *pipeline.NextSlot) (Completion, error) {
	in, err := json.Marshal(slot)
	if err != nil {
		return Completion{}, fmt.Errorf("marshal slot: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Completion{}, fmt.Errorf("run %s: %w: %s", s.Command, err, bytes.TrimSpace(stderr.Bytes()))
	}
	var c Completion
	if err := json.Unmarshal(out, &c); err != nil {
		return Completion{}, fmt.Errorf("decode %s output: %w", s.Command, err)
	}
	return c, nil
}

// Worker polls for open slots and works them one at a time.
type Worker struct {
	client *Client
	solver Solver
	filter pipeline.SlotFilter
	poll   time.Duration
	log    *zap.Logger
}

// NewWorker creates a worker that sleeps poll between empty polls.
func NewWorker(c *Client, solver Solver, filter pipeline.SlotFilter, poll time.Duration, logger *zap.Logger) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Worker{client: c, solver: solver, filter: filter, poll: poll, log: logger}
}

// Run works slots until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		worked, err := w.WorkOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.Warn("work slot", zap.Error(err))
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.poll):
		}
	}
}

// WorkOnce finds, takes and completes one slot. It reports false when no
// slot was available. A slot lost to another agent between find and take is
// not an error.
func (w *Worker) WorkOnce(ctx context.Context) (bool, error) {
	next, err := w.client.NextSlot(ctx, w.filter)
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}
	slotID := next.Slot.ID

	if _, err := w.client.Take(ctx, slotID); err != nil {
		if IsCode(err, pipeline.CodeSlotNotOpen) || IsCode(err, pipeline.CodeAgentAlreadyHoldsSlot) {
			w.log.Debug("slot taken elsewhere", zap.String("slot", slotID))
			return true, nil
		}
		return false, err
	}

	c, err := w.solver.Solve(ctx, next)
	if err != nil {
		if _, rerr := w.client.Release(context.WithoutCancel(ctx)); rerr != nil {
			w.log.Warn("release after failed solve", zap.Error(rerr))
		}
		return true, fmt.Errorf("solve slot %s: %w", slotID, err)
	}

	res, err := w.client.Complete(ctx, slotID, c)
	if err != nil {
		if rejected(err) {
			if _, rerr := w.client.Release(context.WithoutCancel(ctx)); rerr != nil {
				w.log.Warn("release after rejected completion", zap.Error(rerr))
			}
		}
		return true, fmt.Errorf("complete slot %s: %w", slotID, err)
	}
	w.log.Info("slot completed",
		zap.String("slot", slotID),
		zap.String("claim", res.ClaimID),
		zap.Int("layer", res.Layer),
		zap.String("transition", string(res.Transition.Kind)))
	return true, nil
}

// rejected reports whether the server refused a completion outright, so
// retrying with the same answer cannot succeed.
func rejected(err error) bool {
	return IsCode(err, pipeline.CodeInvalidOutput) ||
		IsCode(err, pipeline.CodeConfidenceRequired) ||
		IsCode(err, pipeline.CodeConfidenceOutOfRange)
}
