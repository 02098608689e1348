package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

const reflectorSystemPrompt = "You are an intelligent agent that can operate Android phones on behalf of users. Your goal is to verify whether the previous operation produced the expected behavior and track overall progress."

// ReflectorResult is the Reflector agent's parsed turn, already remapped
// from the model's raw S/B/C letters to the types.Outcome grammar (A/B/C).
type ReflectorResult struct {
	Outcome        types.Outcome
	ErrorDesc      string
	ProgressStatus string
}

// Reflector is the third stage of the step loop: given before/after
// screenshots, it judges whether the last action advanced the subgoal.
type Reflector struct {
	llm *llm.Client
}

// NewReflector binds a Reflector to a multimodal LLM client.
func NewReflector(c *llm.Client) *Reflector { return &Reflector{llm: c} }

// BuildPrompt renders the reflection prompt. The caller supplies
// before/after screenshots separately to Run; BuildPrompt only needs the
// last action's summary from state.
func (r *Reflector) BuildPrompt(s *state.State) string {
	var b strings.Builder
	b.WriteString("### User Request ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.Instruction())

	b.WriteString("### Progress Status ###\n")
	if s.CompletedPlanSummary() != "" {
		fmt.Fprintf(&b, "%s\n\n", s.CompletedPlanSummary())
	} else {
		b.WriteString("No progress yet.\n\n")
	}

	b.WriteString("---\n")
	b.WriteString("The two attached images are screenshots of the phone before and after your previous operation.\n\n")

	b.WriteString("### Latest Operation ###\n")
	last, ok := s.LastExecution()
	if ok {
		fmt.Fprintf(&b, "Action: %s\n", last.Command)
		fmt.Fprintf(&b, "Expectation: %s\n\n", last.Summary)
	} else {
		b.WriteString("None\n\n")
	}

	b.WriteString("---\n")
	b.WriteString("Please carefully examine the above information to determine whether the previous operation produced the expected behavior.\n")
	b.WriteString("Note: for a swipe whose before/after content is identical, treat it as success — the content may already be at its scroll limit.\n")
	b.WriteString("Note: for an 'answer' action that meets expectations, mark it as success since it usually does not change the screen.\n\n")

	b.WriteString("Please output in the following format containing two parts:\n")
	b.WriteString("### Outcome ###\n")
	b.WriteString("One English letter: \"S\" (success/partial success), \"B\" (wrong page, needs to return), or \"C\" (no change at all).\n\n")
	b.WriteString("### Error Description ###\n")
	b.WriteString("Describe the failure and its likely cause; \"None\" if the operation succeeded.\n")
	return b.String()
}

// remapOutcome converts the model's raw outcome letter into the
// types.Outcome grammar: S -> A (advance), B and C pass through unchanged,
// anything unrecognized becomes N (invalid).
func remapOutcome(raw string) types.Outcome {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "S":
		return types.OutcomeAdvance
	case "B":
		return types.OutcomeRecoverable
	case "C":
		return types.OutcomeNoProgress
	default:
		return types.OutcomeInvalid
	}
}

// ParseResponse tolerantly extracts the outcome and error description.
func (r *Reflector) ParseResponse(response string) ReflectorResult {
	var res ReflectorResult
	var rawOutcome string
	if hasSection(response, "Error Description") {
		rawOutcome = section(response, "Outcome", "### Error Description ###")
		res.ErrorDesc = section(response, "Error Description")
	} else {
		rawOutcome = section(response, "Outcome")
	}
	res.Outcome = remapOutcome(rawOutcome)
	return res
}

// Run builds the prompt, invokes the LLM with before/after screenshots, and
// parses the result.
func (r *Reflector) Run(ctx context.Context, s *state.State, before, after llm.Image) (ReflectorResult, llm.Usage, error) {
	prompt := r.BuildPrompt(s)
	raw, usage, err := r.llm.ChatWithImages(ctx, reflectorSystemPrompt, prompt, []llm.Image{before, after})
	if err != nil {
		return ReflectorResult{}, usage, fmt.Errorf("agents: reflector: %w", err)
	}
	return r.ParseResponse(llm.StripThinkBlocks(raw)), usage, nil
}
