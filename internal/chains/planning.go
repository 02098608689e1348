// Package chains composes the agents, state, action, screenshot, and
// stagnation packages into the three glue stages the step loop runs in
// order every iteration: plan, execute, reflect. Each stage owns the
// skip/validate/remap rules the bare agents don't know about — the agents
// only build prompts and parse responses; the chains decide when to call
// them and what to do with the result.
package chains

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// numCurrentSubgoals bounds how many of the plan's numbered steps become
// the executor's current subgoal — the executor only ever works one step
// ahead even when the planner emits a longer plan.
const numCurrentSubgoals = 1

// PlanningResult is what PlanningChain hands back to the orchestrator.
type PlanningResult struct {
	Plan     string
	Finished bool
	Skipped  bool // true when planning was skipped because the last action was invalid
	Usage    llm.Usage
}

// PlanningChain wraps the Planner agent.
type PlanningChain struct {
	planner plannerAgent
}

// NewPlanningChain binds a PlanningChain to a Planner agent.
func NewPlanningChain(p *agents.Planner) *PlanningChain { return &PlanningChain{planner: p} }

// Run invokes the planner unless the previous step's outcome was invalid
// (N) — replanning against a screen the last action never actually
// reached just wastes a call, so the orchestrator is told to retry the
// same subgoal instead. On a real planner turn it updates state's
// completed-subgoal history and current subgoal, including clearing the
// subgoal entirely once the plan text reports "Finished".
func (c *PlanningChain) Run(ctx context.Context, s *state.State, screenshot llm.Image) (PlanningResult, error) {
	if outcome, ok := lastReflectionOutcome(s); ok && outcome == types.OutcomeInvalid {
		return PlanningResult{Plan: s.CompletedPlan(), Skipped: true}, nil
	}

	res, usage, err := c.planner.Run(ctx, s, screenshot)
	if err != nil {
		return PlanningResult{}, fmt.Errorf("chains: planning: %w", err)
	}

	s.AppendCompletedSubgoal(res.CompletedSubgoal)

	finished := agents.IsFinished(res.Plan)
	if finished {
		s.SetCurrentSubgoal("")
	} else {
		s.SetCurrentSubgoal(extractCurrentSubgoal(res.Plan, numCurrentSubgoals))
	}

	s.AppendPlanning(types.PlanningRecord{
		Plan:                 res.Plan,
		CompletedPlan:        s.CompletedPlan(),
		CompletedPlanSummary: s.CompletedPlanSummary(),
		CurrentSubgoal:       s.CurrentSubgoal(),
		ErrorFlagPlan:        s.ErrorFlagPlan(),
		ErrorDescriptionPlan: s.ErrorDescriptionPlan(),
	})

	return PlanningResult{Plan: res.Plan, Finished: finished, Usage: usage}, nil
}

// inlineStepMarker matches a "<digits>. " step marker that follows other
// text on the same line, as in a plan the planner's section parser has
// already collapsed onto one line.
var inlineStepMarker = regexp.MustCompile(`(\S)\s+(\d+\.\s)`)

// extractCurrentSubgoal splits a numbered plan ("1. Open Settings\n2. Tap
// Wi-Fi", or the same steps on one line) on its "N. " markers and joins the
// first n items back together, so the executor sees only the step(s) it
// should act on next rather than the planner's full remaining plan.
func extractCurrentSubgoal(plan string, n int) string {
	lines := splitNumberedSteps(inlineStepMarker.ReplaceAllString(plan, "$1\n$2"))
	if len(lines) == 0 {
		return strings.TrimSpace(plan)
	}
	if n > len(lines) {
		n = len(lines)
	}
	return strings.Join(lines[:n], " ")
}

// splitNumberedSteps recognizes "<digits>. " at the start of a line (after
// trimming) as a new step marker; text before the first marker, if any, is
// discarded as preamble.
func splitNumberedSteps(plan string) []string {
	var steps []string
	var cur strings.Builder
	started := false
	for _, line := range strings.Split(plan, "\n") {
		trimmed := strings.TrimSpace(line)
		if isNumberedMarker(trimmed) {
			if started {
				steps = append(steps, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			started = true
			cur.WriteString(trimmed)
			continue
		}
		if started && trimmed != "" {
			cur.WriteString(" ")
			cur.WriteString(trimmed)
		}
	}
	if started {
		steps = append(steps, strings.TrimSpace(cur.String()))
	}
	return steps
}

func isNumberedMarker(s string) bool {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i < len(s) && s[i] == '.' && i+1 < len(s) && s[i+1] == ' '
}

// lastReflectionOutcome reports the most recent reflection outcome, if
// any have been recorded yet.
func lastReflectionOutcome(s *state.State) (types.Outcome, bool) {
	recent := s.RecentOutcomes(1)
	if len(recent) == 0 {
		return "", false
	}
	return recent[0], true
}
