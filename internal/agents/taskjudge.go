package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

const taskJudgeSystemPrompt = "You are an expert evaluator for mobile automation tasks. Analyze the full execution history and determine whether the task succeeded or failed."

// validTrickTypes is the closed set of trick categories the prompt asks
// for; an item with any other type is kept but its Type is cleared rather
// than rejected outright, matching the original's permissive normalization.
var validTrickTypes = map[string]bool{
	"Misclick risk":   true,
	"Hidden entry":    true,
	"Critical step":   true,
	"Counterintuitive": true,
}

// TaskJudge runs once at the end of a task run to produce the final
// completion verdict and extract reusable per-app tips for the trick
// store.
type TaskJudge struct {
	llm *llm.Client
}

// NewTaskJudge binds a TaskJudge to an LLM client.
func NewTaskJudge(c *llm.Client) *TaskJudge { return &TaskJudge{llm: c} }

// BuildPrompt renders the final-evaluation prompt from the full task
// state.
func (j *TaskJudge) BuildPrompt(s *state.State) string {
	snap := s.Snapshot()
	var b strings.Builder
	b.WriteString("### User's Original Request ###\n")
	fmt.Fprintf(&b, "%s\n\n", snap.Instruction)

	b.WriteString("### Original Plan ###\n")
	if snap.CompletedPlan != "" {
		fmt.Fprintf(&b, "%s\n\n", snap.CompletedPlan)
	} else {
		b.WriteString("No plan information.\n\n")
	}

	b.WriteString("### Execution History ###\n")
	if len(snap.Execution) == 0 {
		b.WriteString("No actions executed.\n\n")
	} else {
		b.WriteString("The following are all executed operations:\n")
		for i, exec := range snap.Execution {
			fmt.Fprintf(&b, "%d. Action: %s\n   Description: %s\n", i+1, exec.Command, exec.Summary)
			var outcome types.Outcome
			if i < len(snap.Reflection) {
				outcome = snap.Reflection[i].Outcome
			}
			if outcome == types.OutcomeAdvance {
				b.WriteString("   Result: Success\n\n")
			} else {
				var errDesc string
				if i < len(snap.Reflection) {
					errDesc = snap.Reflection[i].ErrorDesc
				}
				fmt.Fprintf(&b, "   Result: Fail (%s)\n", outcome)
				if errDesc != "" && strings.ToLower(errDesc) != "none" {
					fmt.Fprintf(&b, "   Error: %s\n", errDesc)
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString("### Current Progress ###\n")
	if snap.CompletedPlanSummary != "" {
		fmt.Fprintf(&b, "%s\n\n", snap.CompletedPlanSummary)
	} else {
		b.WriteString("No progress records.\n\n")
	}

	b.WriteString("---\n")
	b.WriteString("Based on the above information, evaluate whether the user's request has been successfully completed.\n\n")
	b.WriteString("Output a single JSON object only, no markdown, no extra text.\n")
	b.WriteString("Required keys: task_status, status_reason, app_tricks.\n")
	b.WriteString(`task_status must be "Success" or "Failed" only.` + "\n")
	b.WriteString("status_reason must be a concise English analysis.\n")
	b.WriteString("app_tricks must be a JSON array (or [] if none). Each item: {\"type\":..., \"title\":..., \"content\":...}, type one of Misclick risk / Hidden entry / Critical step / Counterintuitive.\n")
	return b.String()
}

// rawJudgeResponse mirrors the wire shape the model emits before
// canonicalization into types.TaskJudgeResult.
type rawJudgeResponse struct {
	TaskStatus   string          `json:"task_status"`
	StatusReason string          `json:"status_reason"`
	AppTricks    []rawTrickEntry `json:"app_tricks"`
}

type rawTrickEntry struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ParseResponse parses the model's JSON verdict, normalizing task_status
// to "Success"/"Failed" and canonicalizing app_tricks to the
// []types.Trick{Type, Title, Content} shape (DESIGN.md Open Question (c)).
// A response the model wrapped in prose or fences is tolerated by
// extracting the outermost {...} span first.
func (j *TaskJudge) ParseResponse(response string) types.TaskJudgeResult {
	candidate := stripFencesAndBraces(response)

	var raw rawJudgeResponse
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return types.TaskJudgeResult{Explanation: strings.TrimSpace(response)}
	}

	completed := strings.EqualFold(strings.TrimSpace(raw.TaskStatus), "success") ||
		strings.EqualFold(strings.TrimSpace(raw.TaskStatus), "completed")

	tricks := make([]types.Trick, 0, len(raw.AppTricks))
	for _, t := range raw.AppTricks {
		title := strings.TrimSpace(t.Title)
		content := strings.TrimSpace(t.Content)
		if title == "" && content == "" {
			continue
		}
		if title == "" {
			title = content
			if len(title) > 32 {
				title = title[:32]
			}
		}
		typ := strings.TrimSpace(t.Type)
		if !validTrickTypes[typ] {
			typ = ""
		}
		tricks = append(tricks, types.Trick{Type: typ, Title: title, Content: content})
	}

	return types.TaskJudgeResult{
		Completed:   completed,
		Explanation: strings.TrimSpace(raw.StatusReason),
		AppTricks:   tricks,
	}
}

// Run builds the prompt, invokes the LLM (text-only — the judge reasons
// over the recorded history, not a fresh screenshot), and parses the
// verdict.
func (j *TaskJudge) Run(ctx context.Context, s *state.State) (types.TaskJudgeResult, llm.Usage, error) {
	prompt := j.BuildPrompt(s)
	raw, usage, err := j.llm.Chat(ctx, taskJudgeSystemPrompt, prompt)
	if err != nil {
		return types.TaskJudgeResult{}, usage, fmt.Errorf("agents: task judge: %w", err)
	}
	return j.ParseResponse(llm.StripThinkBlocks(raw)), usage, nil
}
