// Package orchestrator runs the outer step loop — screenshot, plan,
// execute, reflect, repeat — until the planner reports "Finished", the
// step budget is exhausted, or the device stops responding. It owns the
// cross-cutting bookkeeping the chains don't: the error-threshold replan
// trigger, Finished-token detection, result persistence, and trick-memory
// injection.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/chains"
	"github.com/scenagent/mobiletaskctl/internal/device"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/runlog"
	"github.com/scenagent/mobiletaskctl/internal/screenshot"
	"github.com/scenagent/mobiletaskctl/internal/stagnation"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/trickstore"
	"github.com/scenagent/mobiletaskctl/internal/types"
)

// DefaultMaxStep bounds the step loop when Config.MaxStep is unset.
const DefaultMaxStep = 25

// errorThresholdWindow is the last-k-outcomes window CheckErrorThreshold
// scans before forcing a replan — the planner's "recent failures" digest
// shares this same window (spec §7).
const errorThresholdWindow = 2

// maxInjectedTricks caps how many persisted tips are offered to the
// planner/executor for a fresh run against an app, newest first.
const maxInjectedTricks = 10

// Config controls one orchestrator run.
type Config struct {
	MaxStep              int
	RunDir               string
	PerceptionMode       string // "vllm" | "som"
	EnableTaskJudge      bool
	ErrorThresholdWindow int // last-k-outcomes window for the replan trigger; defaults to errorThresholdWindow when zero
}

// StepLog is a terse per-step audit trail entry, useful for CLI progress
// output and the final report.
type StepLog struct {
	Step        int
	Plan        string
	Thought     string
	Command     string
	Outcome     types.Outcome
	Description string
}

// Result is what Run returns once the loop ends.
type Result struct {
	Completed   bool   // planner reported Finished within the step budget
	FailureNote string // non-empty when the loop terminated early on a device/capture fault rather than budget exhaustion or Finished
	Steps       []StepLog
	TaskJudge   types.TaskJudgeResult
	FinalState  state.Snapshot
}

// Orchestrator wires together one task run's agents, chains, device
// driver, and trick store.
type Orchestrator struct {
	Driver     device.Driver
	Planning   *chains.PlanningChain
	Execution  *chains.ExecutionChain
	Reflection *chains.ReflectionChain
	TaskJudge  *agents.TaskJudge
	Tricks     *trickstore.Store
	Log        *runlog.Writer // nil-safe; Run skips artifact persistence when unset
	Config     Config
}

// New constructs an Orchestrator from its already-built chains and
// dependencies. judge/tricks/log may be nil when the
// corresponding feature is disabled.
func New(drv device.Driver, planning *chains.PlanningChain, execution *chains.ExecutionChain, reflection *chains.ReflectionChain, judge *agents.TaskJudge, tricks *trickstore.Store, log *runlog.Writer, cfg Config) *Orchestrator {
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = DefaultMaxStep
	}
	if cfg.ErrorThresholdWindow <= 0 {
		cfg.ErrorThresholdWindow = errorThresholdWindow
	}
	return &Orchestrator{
		Driver: drv, Planning: planning, Execution: execution, Reflection: reflection,
		TaskJudge: judge, Tricks: tricks, Log: log, Config: cfg,
	}
}

// pathSet is the set of file paths one step's screenshot/dump/overlay
// occupies under Config.RunDir.
type pathSet struct {
	png, xml, markedDir string
}

func (o *Orchestrator) stepPaths(step int) pathSet {
	return pathSet{
		png:       fmt.Sprintf("%s/images/step_%d.png", o.Config.RunDir, step),
		xml:       fmt.Sprintf("%s/images/step_%d.xml", o.Config.RunDir, step),
		markedDir: fmt.Sprintf("%s/images/marked", o.Config.RunDir),
	}
}

// Run executes the full step loop for one task.
//
// Expectations:
//   - Stops as soon as the planner's plan text satisfies agents.IsFinished
//   - Stops after Config.MaxStep steps (or DefaultMaxStep if unset) even if never finished
//   - Reuses the previous step's post-action screenshot as the next step's pre-action screenshot (one capture per step, not two)
//   - On a screenshot capture failure, sends the device home, persists task_results.json with step_limit=1.0, and returns the capture error
func (o *Orchestrator) Run(ctx context.Context, s *state.State, appName string) (Result, error) {
	var result Result
	var importantNotes string
	startTime := time.Now()

	knowledge := o.buildTrickKnowledge(s.Instruction(), appName)
	if knowledge != "" {
		s.SetAdditionalKnowledge("", knowledge)
	}

	var prevAfter screenshot.Result
	for step := 0; step < o.Config.MaxStep; step++ {
		var before screenshot.Result
		var err error
		if step == 0 {
			before, err = screenshot.Capture(ctx, o.Driver, o.stepPaths(step).png, o.stepPaths(step).xml, o.stepPaths(step).markedDir, o.Config.PerceptionMode)
			if err != nil {
				return o.finalizeOnCaptureFailure(ctx, s, result, startTime, step, err)
			}
		} else {
			before = prevAfter
		}

		s.SetErrorFlagPlan(s.CheckErrorThreshold(o.Config.ErrorThresholdWindow), "")

		beforeImg, err := encodePNG(before.PNGPath)
		if err != nil {
			return result, fmt.Errorf("orchestrator: step %d: %w", step, err)
		}

		planRes, perr := o.Planning.Run(ctx, s, beforeImg)
		if perr != nil {
			return result, fmt.Errorf("orchestrator: step %d: planning: %w", step, perr)
		}
		result.Steps = append(result.Steps, StepLog{Step: step, Plan: planRes.Plan})
		o.Log.Chat(step, "planner", planRes.Plan)
		o.Log.Printf("step %d: plan=%q", step, planRes.Plan)

		if planRes.Finished {
			result.Completed = true
			if o.Config.EnableTaskJudge && o.TaskJudge != nil {
				verdict, _, jerr := o.TaskJudge.Run(ctx, s)
				if jerr == nil {
					result.TaskJudge = verdict
					o.persistTricks(s, appName, verdict)
					o.Log.Chat(step, "task_judge", verdict.Explanation)
				}
			}
			break
		}

		execRes, err := o.Execution.Run(ctx, s, step, before.MarkedPNGPath, beforeImg, before.ScreenWidth, before.ScreenHeight)
		if err != nil {
			return result, fmt.Errorf("orchestrator: step %d: execution: %w", step, err)
		}
		o.Log.Chat(step, "executor", execRes.Description)
		o.Log.Printf("step %d: command=%s", step, execRes.Command)
		if execRes.Invalid {
			s.AppendReflection(types.ReflectionRecord{Step: step, Outcome: types.OutcomeInvalid, ErrorDesc: execRes.Description})
			prevAfter = before // nothing ran on the device, so the screen is unchanged
			continue
		}

		after, err := screenshot.Capture(ctx, o.Driver, o.stepPaths(step+1).png, o.stepPaths(step+1).xml, o.stepPaths(step+1).markedDir, o.Config.PerceptionMode)
		if err != nil {
			return o.finalizeOnCaptureFailure(ctx, s, result, startTime, step, err)
		}
		afterImg, err := encodePNG(after.PNGPath)
		if err != nil {
			return result, fmt.Errorf("orchestrator: step %d: %w", step, err)
		}

		beforeXML := stagnation.ResolveXMLPath(before.PNGPath)
		afterXML := stagnation.ResolveXMLPath(after.PNGPath)
		reflRes, err := o.Reflection.Run(ctx, s, step, beforeImg, afterImg, beforeXML, afterXML, importantNotes)
		if err != nil {
			return result, fmt.Errorf("orchestrator: step %d: reflection: %w", step, err)
		}
		importantNotes = reflRes.ImportantNotes
		o.Log.Chat(step, "reflector", string(reflRes.Outcome)+": "+reflRes.ProgressStatus)

		result.Steps = append(result.Steps, StepLog{
			Step: step, Thought: execRes.Thought, Command: execRes.Command,
			Outcome: reflRes.Outcome, Description: execRes.Description,
		})

		prevAfter = after
	}

	result.FinalState = s.Snapshot()
	o.persistArtifacts(s, result, startTime)
	return result, nil
}

// finalizeOnCaptureFailure ends the run early when a screenshot capture
// fails outright (device unreachable, uiautomator wedged). Per spec §4.9/§7
// this is treated the same as budget exhaustion: send the device home,
// persist task_results.json with step_limit=1.0, and surface the capture
// error to the caller.
func (o *Orchestrator) finalizeOnCaptureFailure(ctx context.Context, s *state.State, result Result, startTime time.Time, step int, captureErr error) (Result, error) {
	_, _ = o.Driver.Home(ctx)
	result.FailureNote = fmt.Sprintf("screenshot failure at step %d: %v", step, captureErr)
	result.FinalState = s.Snapshot()
	o.Log.Printf("step %d: %s, going home and terminating", step, result.FailureNote)
	o.persistArtifacts(s, result, startTime)
	return result, fmt.Errorf("orchestrator: step %d: screenshot capture: %w", step, captureErr)
}

// persistArtifacts writes task_results.json, script.json, and
// infopool.json under Config.RunDir once the step loop ends. It is a
// no-op when RunDir is unset (tests construct an Orchestrator directly
// without a run directory).
func (o *Orchestrator) persistArtifacts(s *state.State, result Result, startTime time.Time) {
	if o.Config.RunDir == "" {
		return
	}
	snap := result.FinalState

	status := "not_completed"
	switch {
	case result.Completed && result.TaskJudge.Completed:
		status = "completed"
	case result.Completed:
		status = "finished"
	case result.FailureNote != "":
		status = "failed"
	}

	// step_limit is binary, not a progress fraction: 0.0 means the task
	// finished within budget, 1.0 means the run ended on budget exhaustion
	// or a fatal device/capture failure (spec §4.9, §7).
	stepLimit := 0.0
	if !result.Completed {
		stepLimit = 1.0
	}

	testStatusReport := result.TaskJudge.Explanation
	if result.FailureNote != "" {
		testStatusReport = result.FailureNote
	}

	_ = runlog.SaveTaskResults(o.Config.RunDir, runlog.TaskResults{
		Goal:             s.Instruction(),
		StartDTime:       startTime.UTC().Format(time.RFC3339),
		FinishDTime:      time.Now().UTC().Format(time.RFC3339),
		StepLimit:        stepLimit,
		TaskStatus:       status,
		TestStatusReport: testStatusReport,
		ExecutionSteps:   len(result.Steps),
	})

	var subgoals []runlog.ScriptSubgoal
	for _, p := range snap.Planning {
		if p.CurrentSubgoal != "" {
			subgoals = append(subgoals, runlog.ScriptSubgoal{Subgoal: p.CurrentSubgoal})
		}
	}
	_ = runlog.SaveScript(o.Config.RunDir, runlog.Script{
		TotalPlan: snap.CompletedPlan,
		Subgoals:  subgoals,
	})

	var plans, progress []string
	for _, p := range snap.Planning {
		plans = append(plans, p.Plan)
	}
	for _, r := range snap.Reflection {
		progress = append(progress, r.ProgressStatus)
	}
	_ = runlog.SaveInfopool(o.Config.RunDir, runlog.Infopool{
		Plans:                    plans,
		CompletedSubgoals:        []string{snap.CompletedPlan},
		CompletedSubgoalsSummary: []string{snap.CompletedPlanSummary},
		Progress:                 progress,
		TotalPlan:                snap.CompletedPlan,
	})
}

// encodePNG reads path and wraps it as the base64 payload a chain's LLM
// call expects.
func encodePNG(path string) (llm.Image, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return llm.Image{}, fmt.Errorf("read screenshot: %w", err)
	}
	return llm.Image{PNGBase64: base64.StdEncoding.EncodeToString(b)}, nil
}

// persistTricks writes the task judge's app_tricks to the trick store,
// keyed by appName, when persistence is configured.
func (o *Orchestrator) persistTricks(s *state.State, appName string, verdict types.TaskJudgeResult) {
	if o.Tricks == nil || len(verdict.AppTricks) == 0 {
		return
	}
	status := "Failed"
	if verdict.Completed {
		status = "Success"
	}
	_ = o.Tricks.Persist(appName, verdict.AppTricks, o.Config.RunDir, s.Instruction(), status, time.Now().Format("2006-01-02 15:04:05"))
}

// buildTrickKnowledge renders up to maxInjectedTricks persisted tips for
// appName into the executor additional-knowledge hint, newest first,
// filtered to ones whose content shares a keyword with instruction — the
// same sort/cap/keyword-filter shape as the teacher's memory calibration,
// applied to app tricks instead of task memory entries.
func (o *Orchestrator) buildTrickKnowledge(instruction, appName string) string {
	if o.Tricks == nil {
		return ""
	}
	entries, err := o.Tricks.Top(appName, maxInjectedTricks)
	if err != nil || len(entries) == 0 {
		return ""
	}

	kw := tokenize(instruction)
	var relevant []string
	for _, e := range entries {
		haystack := strings.ToLower(e.Title + " " + e.Content)
		for _, k := range kw {
			if strings.Contains(haystack, k) {
				relevant = append(relevant, fmt.Sprintf("  - [%s] %s: %s", e.Type, e.Title, e.Content))
				break
			}
		}
	}
	if len(relevant) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known app tips from prior runs:\n")
	for _, line := range relevant {
		b.WriteString(line + "\n")
	}
	return b.String()
}

// tokenize splits s into lowercase keywords of length >= 3, matching the
// teacher's memTokenize threshold for "meaningful" keyword overlap.
func tokenize(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]{}")
		if len(w) >= 3 {
			out = append(out, w)
		}
	}
	return out
}
