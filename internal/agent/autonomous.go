package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jsarkisian/PTBudgetBuster/internal/sessions"
	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// stepOutcome is the result of one autonomous step.
type stepOutcome int

const (
	// stepAdvance: the step ran to completion; the loop moves on.
	stepAdvance stepOutcome = iota
	// stepPhaseComplete: the model declared the current goal achieved.
	stepPhaseComplete
	// stepHalted: the run ended inside the step. Whoever halted it has
	// already broadcast the reason; callers just unwind.
	stepHalted
)

// RunFreeform drives an objective-based autonomous run until the objective
// is met, the step budget is spent, or something halts the run. Call it on
// its own goroutine after StartAuto; it owns the session's autonomous
// conversation for its whole life.
func (d *Driver) RunFreeform(ctx context.Context, sess *sessions.Session) {
	auto := sess.Auto()
	d.logger.Info("autonomous run starting",
		"session_id", sess.ID(),
		"objective", auto.Objective,
		"max_steps", auto.MaxSteps,
	)
	d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   "Starting autonomous testing: " + auto.Objective,
		"step":      0,
		"max_steps": auto.MaxSteps,
	})

	conv := []Turn{UserText(freeformPrompt(auto.Objective, auto.MaxSteps))}
	completed := false
	for {
		step, ok := sess.AdvanceAutoStep()
		if !ok {
			// Budget spent while still armed counts as a finished run;
			// a dropped flag means the operator stopped it.
			completed = sess.AutoActive()
			break
		}
		switch d.runStep(ctx, sess, &conv, step, auto.MaxSteps) {
		case stepHalted:
			return
		case stepPhaseComplete:
			completed = true
		case stepAdvance:
			conv = append(conv, UserText(continuePrompt(step, auto.MaxSteps)))
			continue
		}
		break
	}
	if !completed {
		return
	}

	state := sess.StopAuto()
	d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   "Autonomous testing completed",
		"step":      state.CurrentStep,
		"max_steps": state.MaxSteps,
	})
	d.bus.Publish(sess.ID(), models.EventAutoModeChanged, map[string]any{
		"enabled": false,
	})
	d.logger.Info("autonomous run completed", "session_id", sess.ID(), "steps", state.CurrentStep)
}

// RunPlaybook drives a playbook-based autonomous run: one conversation
// spanning every phase, each phase bounded by its own step budget and ended
// early when the model declares the phase goal achieved.
func (d *Driver) RunPlaybook(ctx context.Context, sess *sessions.Session, pb models.Playbook) {
	auto := sess.Auto()
	d.logger.Info("playbook run starting",
		"session_id", sess.ID(),
		"playbook", pb.ID,
		"phases", len(pb.Phases),
		"max_steps", auto.MaxSteps,
	)
	d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   "Starting playbook: " + pb.Name,
		"step":      0,
		"max_steps": auto.MaxSteps,
	})

	conv := []Turn{UserText(playbookPrompt(pb, auto.MaxSteps))}
phases:
	for i, phase := range pb.Phases {
		if !sess.AutoActive() {
			return
		}
		d.bus.Publish(sess.ID(), models.EventAutoPhaseChanged, map[string]any{
			"phase_number": i + 1,
			"phase_count":  len(pb.Phases),
			"phase_name":   phase.Name,
			"phase_goal":   phase.Goal,
		})
		conv = append(conv, UserText(phasePrompt(phase, i+1, len(pb.Phases))))

		budget := phase.MaxSteps
		if budget <= 0 {
			budget = 1
		}
		for s := 0; s < budget; s++ {
			step, ok := sess.AdvanceAutoStep()
			if !ok {
				if !sess.AutoActive() {
					return
				}
				break phases
			}
			switch d.runStep(ctx, sess, &conv, step, auto.MaxSteps) {
			case stepHalted:
				return
			case stepPhaseComplete:
				continue phases
			case stepAdvance:
				if s < budget-1 {
					conv = append(conv, UserText(continuePrompt(step, auto.MaxSteps)))
				}
			}
		}
	}

	state := sess.StopAuto()
	d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   "Playbook completed: " + pb.Name,
		"step":      state.CurrentStep,
		"max_steps": state.MaxSteps,
	})
	d.bus.Publish(sess.ID(), models.EventAutoModeChanged, map[string]any{
		"enabled": false,
	})
	d.logger.Info("playbook run completed", "session_id", sess.ID(), "playbook", pb.ID, "steps", state.CurrentStep)
}

// runStep executes one propose / approve / execute cycle on the shared
// autonomous conversation.
func (d *Driver) runStep(ctx context.Context, sess *sessions.Session, conv *[]Turn, step, maxSteps int) stepOutcome {
	if !sess.AutoActive() {
		return stepHalted
	}
	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceAutonomousStep(ctx, sess.ID(), step)
		defer span.End()
	}

	// Propose. Tools are withheld so the model must describe the action
	// before it can take it.
	resp, err := d.complete(ctx, sess, *conv, nil)
	if err != nil {
		d.abortAuto(sess, fmt.Sprintf("AI error: %v - stopping autonomous mode", err), step, maxSteps)
		return stepHalted
	}
	proposal := resp.Text()
	if proposal != "" {
		*conv = append(*conv, AssistantText(proposal))
	}
	if strings.Contains(proposal, PhaseCompleteMarker) {
		return stepPhaseComplete
	}
	if !sess.AutoActive() {
		return stepHalted
	}

	approval := sess.CreateStepApproval(step, proposal, nil)
	if !d.awaitStepDecision(ctx, sess, conv, approval, step, maxSteps) {
		return stepHalted
	}

	// Execute. Tools are on the table now; the loop runs until the model
	// stops calling them. The hook only interrupts approval waits: a
	// subprocess that already started runs to completion even when the
	// operator stops the run, and its result is logged before the halt.
	*conv = append(*conv, UserText(executeInstruction))
	cancelled := func() bool { return !sess.AutoActive() }
	stepCalls := []models.ProposedCall{}
	summary := ""
	for {
		if !sess.AutoActive() {
			return stepHalted
		}
		resp, err := d.complete(ctx, sess, *conv, toolSchemas(d.tools.Names()))
		if err != nil {
			d.abortAuto(sess, fmt.Sprintf("AI error: %v - stopping autonomous mode", err), step, maxSteps)
			return stepHalted
		}

		assistant := Turn{Role: RoleAssistant}
		var results []Block
		for _, block := range resp.Blocks {
			switch block.Type {
			case BlockText:
				assistant.Blocks = append(assistant.Blocks, block)
				if text := strings.TrimSpace(block.Text); text != "" {
					summary = text
					d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
						"message":   text,
						"step":      step,
						"max_steps": maxSteps,
					})
				}
			case BlockToolUse:
				assistant.Blocks = append(assistant.Blocks, block)
				// Checked before dispatch so a stop prevents new work,
				// and after so a stop during the call halts the step
				// once the in-flight tool has finished and logged.
				if !sess.AutoActive() {
					return stepHalted
				}
				result := d.executeToolCall(ctx, sess, block, cancelled)
				if !sess.AutoActive() {
					return stepHalted
				}
				stepCalls = append(stepCalls, models.ProposedCall{
					Tool:          block.Name,
					Input:         block.Input,
					ResultPreview: clip(result, previewLimit),
				})
				results = append(results, ToolResultBlock(block.ID, result, false))
			}
		}

		if len(assistant.Blocks) > 0 {
			*conv = append(*conv, assistant)
		}
		if len(results) == 0 {
			break
		}
		*conv = append(*conv, Turn{Role: RoleUser, Blocks: results})
	}

	if summary == "" {
		summary = proposal
	}
	d.bus.Publish(sess.ID(), models.EventAutoStepComplete, map[string]any{
		"step_id":     approval.StepID,
		"step_number": step,
		"summary":     clip(summary, previewLimit),
		"tool_calls":  stepCalls,
	})
	return stepAdvance
}

// awaitStepDecision runs the human-in-the-loop gate for one proposed step.
// It returns true when the step may execute. On rejection, timeout, or a
// failed drain completion it stops the run itself; on an operator stop or
// context cancel it just reports false.
//
// While waiting it drains operator chat messages into the autonomous
// conversation so the tester can steer the plan mid-gate: each message gets
// a tool-less model reply broadcast as auto_ai_reply.
func (d *Driver) awaitStepDecision(ctx context.Context, sess *sessions.Session, conv *[]Turn, approval models.PendingApproval, step, maxSteps int) bool {
	pending := map[string]any{
		"step_id":     approval.StepID,
		"step_number": step,
		"description": approval.Description,
		"tool_calls":  []models.ProposedCall{},
	}

	if d.approvalMode() == models.ApprovalAuto {
		pending["auto_approved"] = true
		d.bus.Publish(sess.ID(), models.EventAutoStepPending, pending)
		sess.ResolveStepApproval(approval.StepID, true)
		sess.ClearStepApproval()
		if d.metrics != nil {
			d.metrics.RecordApproval("step", "auto")
		}
		return true
	}

	d.bus.Publish(sess.ID(), models.EventAutoStepPending, pending)
	d.logger.Info("step awaiting approval",
		"session_id", sess.ID(),
		"step_id", approval.StepID,
		"step", step,
	)

	waited := time.Duration(0)
	for waited < d.stepApprovalTimeout {
		if !sess.AutoActive() {
			sess.ClearStepApproval()
			return false
		}

		for _, msg := range sess.DrainOperatorMessages() {
			*conv = append(*conv, UserText(msg))
			reply, err := d.complete(ctx, sess, *conv, nil)
			if err != nil {
				sess.ClearStepApproval()
				d.abortAuto(sess, fmt.Sprintf("AI error: %v - stopping autonomous mode", err), step, maxSteps)
				return false
			}
			text := reply.Text()
			if text != "" {
				*conv = append(*conv, AssistantText(text))
			}
			d.bus.Publish(sess.ID(), models.EventAutoAIReply, map[string]any{
				"message": text,
			})
		}

		if current, ok := sess.StepApproval(); ok && current.Resolved {
			sess.ClearStepApproval()
			if current.Approved != nil && *current.Approved {
				if d.metrics != nil {
					d.metrics.RecordApproval("step", "approved")
				}
				return true
			}
			if d.metrics != nil {
				d.metrics.RecordApproval("step", "rejected")
			}
			d.abortAuto(sess, fmt.Sprintf("Step %d rejected by tester - stopping autonomous mode", step), step, maxSteps)
			return false
		}

		select {
		case <-ctx.Done():
			sess.ClearStepApproval()
			sess.StopAuto()
			return false
		case <-time.After(d.pollInterval):
			waited += d.pollInterval
		}
	}

	sess.ClearStepApproval()
	if d.metrics != nil {
		d.metrics.RecordApproval("step", "timeout")
	}
	d.abortAuto(sess, "Approval timeout - stopping autonomous mode", step, maxSteps)
	return false
}

// abortAuto stops the run and tells the stream why.
func (d *Driver) abortAuto(sess *sessions.Session, message string, step, maxSteps int) {
	sess.StopAuto()
	d.bus.Publish(sess.ID(), models.EventAutoStatus, map[string]any{
		"message":   message,
		"step":      step,
		"max_steps": maxSteps,
	})
	d.bus.Publish(sess.ID(), models.EventAutoModeChanged, map[string]any{
		"enabled": false,
	})
	d.logger.Warn("autonomous mode stopped",
		"session_id", sess.ID(),
		"step", step,
		"reason", message,
	)
}
