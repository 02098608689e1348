package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
)

const pathSummarizerSystemPrompt = "You are a mobile automation path analysis expert. Based on the completed goal history, generate a concise summary while preserving key details."

// PathSummarizer condenses the full completed-plan history into the
// rolling summary injected into future planner prompts — spec §7's
// progressive-memory requirement, including the "Explored Component"
// marking convention that tells the planner not to revisit a dead end.
type PathSummarizer struct {
	llm *llm.Client
}

// NewPathSummarizer binds a PathSummarizer to an LLM client (text-only —
// it works from the recorded history, not a screenshot).
func NewPathSummarizer(c *llm.Client) *PathSummarizer { return &PathSummarizer{llm: c} }

// BuildPrompt renders the summarization prompt from the full completed-plan
// history.
func (p *PathSummarizer) BuildPrompt(completedPlan string) string {
	var b strings.Builder
	b.WriteString("### Completed Goal History ###\n")
	fmt.Fprintf(&b, "%s\n\n", completedPlan)

	b.WriteString("### Core Instructions ###\n")
	b.WriteString("1. Merge consecutive identical/similar operations (e.g. multiple 'scroll down' -> 'scroll down multiple times').\n")
	b.WriteString("2. Summarize a completed unsuccessful exploration path (enter page -> operations -> target not found -> return) into one sentence.\n")
	b.WriteString(`3. Critical: mark explored-but-unsuccessful entry points using [Explored Component: "component_name", "summary of operation description"].` + "\n")
	b.WriteString("4. Only process completely finished paths (already returned); keep ongoing explorations unchanged.\n")
	b.WriteString("5. Preserve normal navigation and successful operations without modification.\n\n")

	b.WriteString("Please output in the following format:\n")
	b.WriteString("### Summary ###\n")
	b.WriteString("A concise summary of the completed goal history generated following the above instructions.\n")
	return b.String()
}

// ParseResponse extracts the summary, falling back to the full trimmed
// response when the section marker is absent — the same fallback the
// original parser uses.
func (p *PathSummarizer) ParseResponse(response string) string {
	if hasSection(response, "Summary") {
		return section(response, "Summary")
	}
	return strings.TrimSpace(response)
}

// Run builds the prompt, invokes the LLM, and returns the condensed
// summary.
func (p *PathSummarizer) Run(ctx context.Context, completedPlan string) (string, llm.Usage, error) {
	prompt := p.BuildPrompt(completedPlan)
	raw, usage, err := p.llm.Chat(ctx, pathSummarizerSystemPrompt, prompt)
	if err != nil {
		return "", usage, fmt.Errorf("agents: path summarizer: %w", err)
	}
	return p.ParseResponse(llm.StripThinkBlocks(raw)), usage, nil
}
