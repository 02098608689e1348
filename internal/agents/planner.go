package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
)

const plannerSystemPrompt = "You are an intelligent agent that can operate Android phones on behalf of users. Your goal is to understand the user's ultimate true intent, strictly track task progress, and create a high-level plan that starts from the current page, is executable, and can achieve the goal."

// errToPlannerThreshold is the default window size for the "recent failure
// logs" section injected once error_flag_plan is set; spec §7 names this
// the same window CheckErrorThreshold uses.
const errToPlannerThreshold = 2

// PlannerResult is the Planner agent's parsed turn.
type PlannerResult struct {
	Thought         string
	CompletedSubgoal string
	Plan            string
}

// Planner is the first stage of the step loop: it decomposes or revises the
// task plan based on the current screenshot and execution history so far.
type Planner struct {
	llm *llm.Client
}

// NewPlanner binds a Planner to a multimodal LLM client.
func NewPlanner(c *llm.Client) *Planner { return &Planner{llm: c} }

// BuildPrompt renders the planning prompt for the current state. The first
// call (empty Plan) gets the initial-decomposition shape; every later call
// gets the revise-or-copy shape with completed-subgoal history and, when
// ErrorFlagPlan is set, a recent-failures digest.
func (p *Planner) BuildPrompt(s *state.State) string {
	var b strings.Builder
	b.WriteString("### User Instruction ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.Instruction())

	if s.CompletedPlan() == "" && s.CurrentSubgoal() == "" {
		b.WriteString("---\n")
		b.WriteString("Please create a high-level plan to complete the user's request. If the request is complex, break it down into several subgoals. The current screenshot shows the initial state of the phone.\n")
		b.WriteString("Important: For requests that clearly require an answer, you must add 'Execute the `answer` action' as the last step of the plan! All step descriptions in the plan must be in English.\n\n")
		if s.AdditionalKnowledgePlanner() != "" {
			fmt.Fprintf(&b, "### Guidelines ###\n%s\n\n", s.AdditionalKnowledgePlanner())
		}
		b.WriteString("Please output in the following format, containing two parts:\n")
		b.WriteString("### Thought ###\n")
		b.WriteString("Use English to explain in detail the reasoning behind your plan and the breakdown of subgoals.\n\n")
		b.WriteString("### Plan ###\n")
		b.WriteString("Use a numbered list starting from 1. Each step should be on a separate line, formatted as 'n. step'.\n")
		return b.String()
	}

	if s.CompletedPlanSummary() != "" && s.CompletedPlanSummary() != "No completed subgoal." {
		b.WriteString("### Completed Subgoals ###\n")
		b.WriteString("Completed operation records:\n")
		fmt.Fprintf(&b, "%s\n\n", s.CompletedPlanSummary())
		b.WriteString("**CRITICAL**: If the above history contains [Explored Component: \"component_name\", \"operation_description\"] markers, this indicates that entry point has been explored but did not reach the goal. You must NOT include it as an entry point again.\n\n")
	}

	b.WriteString("### Plan-Guard (must obey, temporary) ###\n")
	b.WriteString("If the task appears stuck on the same page (repeated failures), revise the plan to change approach (search, go back, different menu) instead of repeating the same entry step.\n\n")

	b.WriteString("### Plan ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.CurrentSubgoal())

	last, ok := s.LastExecution()
	b.WriteString("### Last Action ###\n")
	if ok {
		fmt.Fprintf(&b, "%s\n\n", last.Summary)
	} else {
		b.WriteString("None\n\n")
	}

	b.WriteString("### Important Notes ###\n")
	b.WriteString("No important notes currently.\n\n")

	if s.AdditionalKnowledgePlanner() != "" {
		fmt.Fprintf(&b, "### Guidelines ###\n%s\n\n", s.AdditionalKnowledgePlanner())
	}

	if s.ErrorFlagPlan() {
		b.WriteString("### Task Potentially Stuck! ###\n")
		b.WriteString("You have encountered consecutive failures.\n")
		fmt.Fprintf(&b, "%s\n\n", s.ErrorDescriptionPlan())
	}

	b.WriteString("---\n")
	b.WriteString("Please carefully evaluate the current state and the provided screenshot, and check whether the existing plan needs revision. If you are certain no further actions are needed, mark the plan as \"Finished\" — strictly in English.\n\n")
	b.WriteString("Please output in the following format, containing three parts:\n\n")
	b.WriteString("### Thought ###\n")
	b.WriteString("Explain your reasoning for the updated plan and current subgoal.\n\n")
	b.WriteString("### Completed Subgoals ###\n")
	b.WriteString("Only the newly completed subgoal from the previous round. If none, output exactly: \"No completed subgoal.\"\n\n")
	b.WriteString("### Plan ###\n")
	b.WriteString("Update or copy the existing plan based on current page and progress.\n")
	return b.String()
}

// ParseResponse tolerantly extracts the three sections from a planner
// response. A missing "Completed Subgoals" section defaults to the
// sentinel "No completed subgoal." — the same default the original parser
// falls back to.
func (p *Planner) ParseResponse(response string) PlannerResult {
	var res PlannerResult
	if hasSection(response, "Completed Subgoals") {
		res.Thought = section(response, "Thought", "### Completed Subgoals ###")
		res.CompletedSubgoal = section(response, "Completed Subgoals", "### Plan ###")
	} else {
		res.Thought = section(response, "Thought", "### Plan ###")
		res.CompletedSubgoal = "No completed subgoal."
	}
	if res.CompletedSubgoal == "" {
		res.CompletedSubgoal = "No completed subgoal."
	}
	res.Plan = section(response, "Plan")
	return res
}

// Run builds the prompt, invokes the LLM with the current screenshot, and
// parses the result.
func (p *Planner) Run(ctx context.Context, s *state.State, screenshot llm.Image) (PlannerResult, llm.Usage, error) {
	prompt := p.BuildPrompt(s)
	raw, usage, err := p.llm.ChatWithImages(ctx, plannerSystemPrompt, prompt, []llm.Image{screenshot})
	if err != nil {
		return PlannerResult{}, usage, fmt.Errorf("agents: planner: %w", err)
	}
	return p.ParseResponse(llm.StripThinkBlocks(raw)), usage, nil
}

// IsFinished reports whether a plan marks the task complete — spec §7's
// exact rule: the trimmed plan contains "Finished" and is short (under 15
// characters), so a plan that merely mentions "Finished" in passing text
// does not trigger early termination.
func IsFinished(plan string) bool {
	trimmed := strings.TrimSpace(plan)
	return strings.Contains(trimmed, "Finished") && len(trimmed) < 15
}
