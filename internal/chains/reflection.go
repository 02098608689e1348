package chains

import (
	"context"
	"fmt"

	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/stagnation"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// pathSummaryInterval triggers the Path Summarizer every 5th step (step
// is 0-indexed, so (step+1)%5==0), keeping the rolling summary from
// growing without bound over a long task.
const pathSummaryInterval = 5

// ReflectionResult is what ReflectionChain hands back to the orchestrator.
type ReflectionResult struct {
	Outcome           types.Outcome
	ErrorDesc         string
	ProgressStatus    string
	ImportantNotes    string
	StagnationChecked bool
	StagnationReason  string // non-empty when the stagnation checker overrode the raw outcome
	Usage             llm.Usage
}

// ReflectionChain wraps the Reflector agent plus the stagnation checker,
// path summarizer, and recorder triggers that run after it.
type ReflectionChain struct {
	reflector      reflectorAgent
	stagnation     *stagnation.Checker
	stagnationOn   bool
	pathSummarizer pathSummarizerAgent
	recorder       recorderAgent
	notesEnabled   bool
}

// NewReflectionChain binds a ReflectionChain. stagnationOn/notesEnabled
// gate the two optional sub-stages; pathSummarizer/recorder may be nil
// when the corresponding feature is disabled.
func NewReflectionChain(r *agents.Reflector, checker *stagnation.Checker, stagnationOn bool, ps *agents.PathSummarizer, rec *agents.Recorder, notesEnabled bool) *ReflectionChain {
	c := &ReflectionChain{
		reflector: r, stagnation: checker, stagnationOn: stagnationOn,
		notesEnabled: notesEnabled,
	}
	// Assigned only when non-nil: a nil *agents.PathSummarizer stored
	// directly in the interface field would compare != nil (a typed-nil
	// interface), defeating the "pathSummarizer == nil disables the stage"
	// check below.
	if ps != nil {
		c.pathSummarizer = ps
	}
	if rec != nil {
		c.recorder = rec
	}
	return c
}

// Run invokes the reflector with the before/after screenshots, then:
//   - when the raw outcome is "no progress" (C) and stagnation checking is
//     enabled, compares the before/after hierarchy dumps directly and
//     remaps the outcome per the checker's verdict (spec §7);
//   - triggers the Path Summarizer every pathSummaryInterval-th step, but
//     only following a successful (A) outcome;
//   - triggers the Recorder following a successful outcome, when note
//     taking is enabled and an after-screenshot is available.
//
// step is 0-indexed. beforeXMLPath/afterXMLPath are the hierarchy dumps
// sibling to the before/after screenshots (see stagnation.ResolveXMLPath);
// either may be empty, which simply skips the stagnation check.
func (c *ReflectionChain) Run(
	ctx context.Context,
	s *state.State,
	step int,
	before, after llm.Image,
	beforeXMLPath, afterXMLPath string,
	existingNotes string,
) (ReflectionResult, error) {
	res, usage, err := c.reflector.Run(ctx, s, before, after)
	if err != nil {
		return ReflectionResult{}, fmt.Errorf("chains: reflection: %w", err)
	}

	out := ReflectionResult{
		Outcome: res.Outcome, ErrorDesc: res.ErrorDesc, ProgressStatus: s.CompletedPlanSummary(), Usage: usage,
	}

	if out.Outcome == types.OutcomeNoProgress && c.stagnationOn && c.stagnation != nil && beforeXMLPath != "" && afterXMLPath != "" {
		sim, confirmed, serr := c.stagnation.Confirm(beforeXMLPath, afterXMLPath)
		if serr == nil {
			out.StagnationChecked = true
			if confirmed {
				out.Outcome = types.OutcomeInvalid
				out.StagnationReason = fmt.Sprintf("ui tree unchanged (similarity %.2f) — giving up on this subgoal", sim)
			} else {
				out.Outcome = types.OutcomeAdvance
				out.StagnationReason = fmt.Sprintf("ui tree changed (similarity %.2f) despite visual read of no progress", sim)
			}
		}
	}

	s.AppendReflection(types.ReflectionRecord{
		Step: step, Outcome: out.Outcome, ProgressStatus: out.ProgressStatus, ErrorDesc: out.ErrorDesc,
	})

	if out.Outcome != types.OutcomeAdvance {
		out.ImportantNotes = existingNotes
		return out, nil
	}

	if c.pathSummarizer != nil && (step+1)%pathSummaryInterval == 0 {
		summary, _, serr := c.pathSummarizer.Run(ctx, s.CompletedPlan())
		if serr == nil && summary != "" {
			s.SetCompletedPlanSummary(summary)
			out.ProgressStatus = summary
		}
	}

	out.ImportantNotes = existingNotes
	if c.recorder != nil && c.notesEnabled && after.PNGBase64 != "" {
		notes, _, rerr := c.recorder.Run(ctx, s, out.ProgressStatus, existingNotes, after)
		if rerr == nil {
			out.ImportantNotes = notes
		}
	}

	return out, nil
}
