package chains

import (
	"context"

	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/state"
)

// The chain structs depend on these narrow interfaces rather than the
// concrete *agents.X types so a test can substitute a fake agent without
// making a real LLM call. *agents.Planner etc. satisfy them as-is.

type plannerAgent interface {
	Run(ctx context.Context, s *state.State, screenshot llm.Image) (agents.PlannerResult, llm.Usage, error)
}

type executorAgent interface {
	Run(ctx context.Context, s *state.State, screenshot llm.Image) (agents.ExecutorResult, llm.Usage, error)
}

type reflectorAgent interface {
	Run(ctx context.Context, s *state.State, before, after llm.Image) (agents.ReflectorResult, llm.Usage, error)
}

type pathSummarizerAgent interface {
	Run(ctx context.Context, completedPlan string) (string, llm.Usage, error)
}

type recorderAgent interface {
	Run(ctx context.Context, s *state.State, progressStatus, existingNotes string, screenshot llm.Image) (string, llm.Usage, error)
}
