package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
)

const executorSystemPrompt = "You are a mobile execution agent that can strictly execute operations according to user requirements and the current interface state. Your sole goal is: based on the subgoal, choose the most reasonable, effective, and precise next atomic action."

// actionSignature is one entry in the atomic-action reference table shown
// to the executor; arguments and description vary by perception mode.
type actionSignature struct {
	name        string
	arguments   string
	description string
}

var vllmActionSignatures = []actionSignature{
	{"answer", "text", `Answer the user's question. Example: {"action": "answer", "text": "answer_content"}`},
	{"click", "coordinate", `Click a point at (x, y). Example: {"action": "click", "coordinate": [x, y]}`},
	{"type", "text", `Input text in the currently activated field. Example: {"action": "type", "text": "text_to_type"}`},
	{"delete", "count", `Delete text backwards count times. Example: {"action": "delete", "count": 1}`},
	{"wait", "", `Wait for 2 seconds. Example: {"action": "wait"}`},
	{"system_button", "button", `Press a system button: Back or Home. Example: {"action": "system_button", "button": "Home"}`},
	{"swipe", "coordinate, coordinate2, duration", `Swipe from one point to another. Example: {"action": "swipe", "coordinate": [x1, y1], "coordinate2": [x2, y2], "duration": 0.5}`},
}

var somActionSignatures = []actionSignature{
	{"answer", "text", `Answer the user's question. Example: {"action": "answer", "text": "answer_content"}`},
	{"click", "coordinate", `Click an element using its mark number from the marked overlay. Example: {"action": "click", "coordinate": "5"}`},
	{"type", "text", `Input text in the currently activated field. Example: {"action": "type", "text": "text_to_type"}`},
	{"delete", "count", `Delete text backwards count times. Example: {"action": "delete", "count": 1}`},
	{"wait", "", `Wait for 2 seconds. Example: {"action": "wait"}`},
	{"system_button", "button", `Press a system button: Back or Home. Example: {"action": "system_button", "button": "Home"}`},
	{"swipe", "target, direction, distance, duration", `Swipe inside a marked scrollable area. Example: {"action": "swipe", "target": "3", "direction": "up", "distance": 0.6}`},
}

// ExecutorResult is the Executor agent's parsed turn.
type ExecutorResult struct {
	Thought     string
	ActionJSON  string
	Description string
}

// Executor is the second stage of the step loop: it chooses and describes
// the next atomic action given the plan, subgoal, and recent history.
type Executor struct {
	llm *llm.Client
}

// NewExecutor binds an Executor to a multimodal LLM client.
func NewExecutor(c *llm.Client) *Executor { return &Executor{llm: c} }

// BuildPrompt renders the execution prompt, switching the atomic-action
// table and marked-element guidance between "vllm" and "som" perception
// modes.
func (e *Executor) BuildPrompt(s *state.State) string {
	som := s.PerceptionMode() == "som"
	var b strings.Builder

	if som {
		b.WriteString("**IMPORTANT - MARKED ELEMENTS**: the screenshot has marked elements:\n")
		b.WriteString("- RED boxes with numbers: CLICKABLE elements, use the number to click them.\n")
		b.WriteString("- GREEN boxes with numbers: SCROLLABLE areas, use the number to swipe them.\n\n")
	}

	b.WriteString("### User Instruction ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.Instruction())

	b.WriteString("### Current Subgoal ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.CurrentSubgoal())

	b.WriteString("### Progress Status ###\n")
	if s.CompletedPlanSummary() != "" {
		fmt.Fprintf(&b, "%s\n\n", s.CompletedPlanSummary())
	} else {
		b.WriteString("No progress yet.\n\n")
	}

	if s.AdditionalKnowledgeExecutor() != "" {
		fmt.Fprintf(&b, "### Guidelines ###\n%s\n\n", s.AdditionalKnowledgeExecutor())
	}

	b.WriteString("### Failure Rules (must obey, temporary) ###\n")
	b.WriteString("If your next action exactly matches a recent failed attempt (same type and parameters), choose a different action or adjust parameters.\n\n")

	b.WriteString("#### Atomic Actions ####\n")
	sigs := vllmActionSignatures
	if som {
		sigs = somActionSignatures
	}
	for _, sig := range sigs {
		fmt.Fprintf(&b, "- %s(%s): %s\n", sig.name, sig.arguments, sig.description)
	}
	b.WriteString("\n")

	b.WriteString("Please output in the following format (containing three parts):\n")
	b.WriteString("### Thought ###\n")
	b.WriteString("Describe in detail your reasoning for choosing this action.\n\n")
	b.WriteString("### Action ###\n")
	b.WriteString("A single valid JSON object specifying the action and its parameters.\n\n")
	b.WriteString("### Description ###\n")
	b.WriteString("A brief description of the selected action, not the expected result.\n")
	return b.String()
}

// ParseResponse tolerantly extracts the three executor sections.
func (e *Executor) ParseResponse(response string) ExecutorResult {
	var res ExecutorResult
	if !hasSection(response, "Thought") {
		return res
	}
	if hasSection(response, "Action") {
		res.Thought = section(response, "Thought", "### Action ###")
		if hasSection(response, "Description") {
			res.ActionJSON = section(response, "Action", "### Description ###")
			res.Description = section(response, "Description")
		} else {
			res.ActionJSON = section(response, "Action")
		}
	} else {
		res.Thought = section(response, "Thought")
	}
	return res
}

// Run builds the prompt, invokes the LLM with the current screenshot, and
// parses the result.
func (e *Executor) Run(ctx context.Context, s *state.State, screenshot llm.Image) (ExecutorResult, llm.Usage, error) {
	prompt := e.BuildPrompt(s)
	raw, usage, err := e.llm.ChatWithImages(ctx, executorSystemPrompt, prompt, []llm.Image{screenshot})
	if err != nil {
		return ExecutorResult{}, usage, fmt.Errorf("agents: executor: %w", err)
	}
	return e.ParseResponse(llm.StripThinkBlocks(raw)), usage, nil
}
