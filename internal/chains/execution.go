package chains

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/scenagent/mobiletaskctl/internal/action"
	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// firstStepSettleDelay gives a freshly-launched app's first-run dialogs
// (permission prompts, update nags) time to render before the next
// screenshot is taken — only applied after step 0.
const firstStepSettleDelay = 8 * time.Second

// postStepDelay is the flat settle time after every step, first included.
const postStepDelay = 2 * time.Second

// ExecutionResult is what ExecutionChain hands back to the orchestrator.
type ExecutionResult struct {
	Thought     string
	Description string
	Command     string
	Action      types.Action
	Answer      string // non-empty only for action type "answer"
	MarkUsed    string
	Invalid     bool // true when the model's action could not be parsed/executed
	Usage       llm.Usage
}

// ExecutionChain wraps the Executor agent and the Action Service.
type ExecutionChain struct {
	executor executorAgent
	actions  *action.Service
}

// NewExecutionChain binds an ExecutionChain to an Executor agent and the
// Action Service that will dispatch its output.
func NewExecutionChain(e *agents.Executor, a *action.Service) *ExecutionChain {
	return &ExecutionChain{executor: e, actions: a}
}

// Run loads the current screenshot's SoM mapping (when in "som" mode),
// calls the executor, validates the parsed action, dispatches it, and
// sleeps the fixed settle delays (8s after step 0 specifically, 2s after
// every step). step is 0-indexed.
func (c *ExecutionChain) Run(ctx context.Context, s *state.State, step int, markedPNGPath string, screenshot llm.Image, screenW, screenH int) (ExecutionResult, error) {
	if s.PerceptionMode() == "som" {
		som, err := loadSoMMapping(markedPNGPath)
		if err != nil {
			return ExecutionResult{}, fmt.Errorf("chains: execution: %w", err)
		}
		c.actions.SetSoM(som)
	}

	res, usage, err := c.executor.Run(ctx, s, screenshot)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("chains: execution: %w", err)
	}

	if strings.TrimSpace(res.Thought) == "" || strings.TrimSpace(res.ActionJSON) == "" {
		out := c.recordInvalid(s, step, res, "invalid action format, do nothing.")
		out.Usage = usage
		return out, nil
	}

	parsed, err := action.ParseAction(res.ActionJSON)
	if err != nil {
		out := c.recordInvalid(s, step, res, "invalid action format, do nothing.")
		out.Usage = usage
		return out, nil
	}

	if parsed.Type == types.ActionAnswer {
		s.AppendExecution(types.ExecutionRecord{Step: step, Action: parsed, Summary: res.Description, Thought: res.Thought})
		return ExecutionResult{
			Thought: res.Thought, Description: res.Description, Action: parsed,
			Answer: parsed.Text, Usage: usage,
		}, nil
	}

	kind := action.CoordRelative
	command, err := c.actions.Execute(ctx, parsed, kind, screenW, screenH)
	if err != nil {
		out := c.recordInvalid(s, step, res, err.Error())
		out.Usage = usage
		return out, nil
	}

	if step == 0 {
		time.Sleep(firstStepSettleDelay)
	}
	time.Sleep(postStepDelay)

	s.AppendExecution(types.ExecutionRecord{
		Step: step, Action: parsed, Summary: res.Description, Thought: res.Thought, Command: command,
	})

	return ExecutionResult{
		Thought: res.Thought, Description: res.Description, Command: command,
		Action: parsed, MarkUsed: c.actions.LastUsedMark(), Usage: usage,
	}, nil
}

func (c *ExecutionChain) recordInvalid(s *state.State, step int, res agents.ExecutorResult, reason string) ExecutionResult {
	s.AppendExecution(types.ExecutionRecord{Step: step, Summary: reason, Thought: res.Thought})
	return ExecutionResult{Thought: res.Thought, Invalid: true, Description: reason}
}

// loadSoMMapping derives the mapping JSON path from a marked screenshot
// path (replacing the "_marked.png" suffix with "_mapping.json", matching
// screenshot.Result's own naming) and loads it.
func loadSoMMapping(markedPNGPath string) (types.SoMMap, error) {
	if markedPNGPath == "" {
		return types.SoMMap{}, nil
	}
	base := strings.TrimSuffix(markedPNGPath, "_marked.png")
	mappingPath := base + "_mapping.json"
	b, err := os.ReadFile(mappingPath)
	if err != nil {
		return nil, fmt.Errorf("load som mapping %s: %w", filepath.Base(mappingPath), err)
	}
	var som types.SoMMap
	if err := json.Unmarshal(b, &som); err != nil {
		return nil, fmt.Errorf("unmarshal som mapping: %w", err)
	}
	return som, nil
}
