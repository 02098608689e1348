package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
)

const recorderSystemPrompt = "You are an AI assistant capable of operating phones. Your goal is to record important content related to the user's request."

// Recorder is an optional step-loop stage that accumulates durable notes —
// text or values observed on screen that later steps or the final answer
// need — distinct from the rolling plan summary.
type Recorder struct {
	llm *llm.Client
}

// NewRecorder binds a Recorder to a multimodal LLM client.
func NewRecorder(c *llm.Client) *Recorder { return &Recorder{llm: c} }

// BuildPrompt renders the note-taking prompt from the current progress
// status and any existing notes.
func (r *Recorder) BuildPrompt(s *state.State, progressStatus, existingNotes string) string {
	var b strings.Builder
	b.WriteString("### User Request ###\n")
	fmt.Fprintf(&b, "%s\n\n", s.Instruction())

	b.WriteString("### Progress Status ###\n")
	fmt.Fprintf(&b, "%s\n\n", progressStatus)

	b.WriteString("### Existing Important Notes ###\n")
	if existingNotes != "" {
		fmt.Fprintf(&b, "%s\n\n", existingNotes)
	} else {
		b.WriteString("No important notes currently.\n\n")
	}

	b.WriteString("---\n")
	b.WriteString("Please carefully examine the above information to identify any important content on the current screen that needs to be recorded.\n")
	b.WriteString("Important: do not record low-level operations; only track key text or visual information related to the user's request. Do not fabricate content you are uncertain about.\n\n")

	b.WriteString("Please output in the following format:\n")
	b.WriteString("### Important Notes ###\n")
	b.WriteString("Updated important notes, combining old notes and new content. If there is nothing new, copy the existing notes.\n")
	return b.String()
}

// ParseResponse extracts the updated notes, falling back to "" when the
// section is missing (the caller then keeps the previous notes unchanged).
func (r *Recorder) ParseResponse(response string) string {
	return section(response, "Important Notes")
}

// Run builds the prompt, invokes the LLM with the current screenshot, and
// returns the updated notes text.
func (r *Recorder) Run(ctx context.Context, s *state.State, progressStatus, existingNotes string, screenshot llm.Image) (string, llm.Usage, error) {
	prompt := r.BuildPrompt(s, progressStatus, existingNotes)
	raw, usage, err := r.llm.ChatWithImages(ctx, recorderSystemPrompt, prompt, []llm.Image{screenshot})
	if err != nil {
		return "", usage, fmt.Errorf("agents: recorder: %w", err)
	}
	notes := r.ParseResponse(llm.StripThinkBlocks(raw))
	if notes == "" {
		return existingNotes, usage, nil
	}
	return notes, usage, nil
}
