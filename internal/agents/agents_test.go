package agents

import (
	"testing"

	"github.com/scenagent/mobiletaskctl/internal/types"
)

func TestPlannerParseResponse_InitialPlan(t *testing.T) {
	p := &Planner{}
	resp := "### Thought ###\nDecompose the task.\n\n### Plan ###\n1. Open Settings\n2. Tap Wi-Fi"
	res := p.ParseResponse(resp)
	if res.CompletedSubgoal != "No completed subgoal." {
		t.Errorf("expected default sentinel, got %q", res.CompletedSubgoal)
	}
	if res.Plan != "1. Open Settings 2. Tap Wi-Fi" {
		t.Errorf("got plan %q", res.Plan)
	}
}

func TestPlannerParseResponse_WithCompletedSubgoal(t *testing.T) {
	p := &Planner{}
	resp := "### Thought ###\nreasoning\n\n### Completed Subgoals ###\nOpened settings\n\n### Plan ###\n1. Tap Wi-Fi"
	res := p.ParseResponse(resp)
	if res.CompletedSubgoal != "Opened settings" {
		t.Errorf("got %q", res.CompletedSubgoal)
	}
}

func TestPlannerIsFinished(t *testing.T) {
	if !IsFinished("Finished") {
		t.Error("expected bare Finished to be terminal")
	}
	if IsFinished("The plan is Finished after doing many more things") {
		t.Error("expected long plan containing Finished to not be terminal")
	}
	if IsFinished("1. Open app") {
		t.Error("unexpected terminal plan")
	}
}

func TestExecutorParseResponse_AllSections(t *testing.T) {
	e := &Executor{}
	resp := "### Thought ###\nI should tap\n\n### Action ###\n{\"action\":\"click\",\"coordinate\":[1,2]}\n\n### Description ###\ntap button"
	res := e.ParseResponse(resp)
	if res.ActionJSON != `{"action":"click","coordinate":[1,2]}` {
		t.Errorf("got %q", res.ActionJSON)
	}
	if res.Description != "tap button" {
		t.Errorf("got %q", res.Description)
	}
}

func TestExecutorParseResponse_MissingThoughtReturnsZeroValue(t *testing.T) {
	e := &Executor{}
	res := e.ParseResponse("no sections here")
	if res != (ExecutorResult{}) {
		t.Errorf("expected zero value, got %+v", res)
	}
}

func TestReflectorParseResponse_RemapsSToAdvance(t *testing.T) {
	r := &Reflector{}
	res := r.ParseResponse("### Outcome ###\nS\n\n### Error Description ###\nNone")
	if res.Outcome != types.OutcomeAdvance {
		t.Errorf("expected A, got %q", res.Outcome)
	}
}

func TestReflectorParseResponse_PassesThroughBAndC(t *testing.T) {
	r := &Reflector{}
	if res := r.ParseResponse("### Outcome ###\nB"); res.Outcome != types.OutcomeRecoverable {
		t.Errorf("expected B, got %q", res.Outcome)
	}
	if res := r.ParseResponse("### Outcome ###\nC"); res.Outcome != types.OutcomeNoProgress {
		t.Errorf("expected C, got %q", res.Outcome)
	}
}

func TestReflectorParseResponse_UnknownLetterIsInvalid(t *testing.T) {
	r := &Reflector{}
	res := r.ParseResponse("### Outcome ###\nZ")
	if res.Outcome != types.OutcomeInvalid {
		t.Errorf("expected N, got %q", res.Outcome)
	}
}

func TestRecorderParseResponse(t *testing.T) {
	r := &Recorder{}
	notes := r.ParseResponse("### Important Notes ###\nUser's balance is $42.50")
	if notes != "User's balance is $42.50" {
		t.Errorf("got %q", notes)
	}
}

func TestPathSummarizerParseResponse_FallsBackToFullText(t *testing.T) {
	p := &PathSummarizer{}
	summary := p.ParseResponse("no section marker, just prose")
	if summary != "no section marker, just prose" {
		t.Errorf("got %q", summary)
	}
}

func TestPathSummarizerParseResponse_ExtractsSection(t *testing.T) {
	p := &PathSummarizer{}
	summary := p.ParseResponse("### Summary ###\nExplored settings, returned.")
	if summary != "Explored settings, returned." {
		t.Errorf("got %q", summary)
	}
}

func TestTaskJudgeParseResponse_NormalizesStatusAndTricks(t *testing.T) {
	j := &TaskJudge{}
	raw := `{"task_status":"success","status_reason":"reached final state","app_tricks":[{"type":"Hidden entry","title":"Long-press icon","content":"Long-press the icon to reveal shortcuts."}]}`
	res := j.ParseResponse(raw)
	if !res.Completed {
		t.Error("expected Completed=true")
	}
	if len(res.AppTricks) != 1 || res.AppTricks[0].Type != "Hidden entry" {
		t.Errorf("got %+v", res.AppTricks)
	}
}

func TestTaskJudgeParseResponse_UnknownTrickTypeIsCleared(t *testing.T) {
	j := &TaskJudge{}
	raw := `{"task_status":"Failed","status_reason":"blocked","app_tricks":[{"type":"Something Else","title":"t","content":"c"}]}`
	res := j.ParseResponse(raw)
	if res.Completed {
		t.Error("expected Completed=false for Failed status")
	}
	if res.AppTricks[0].Type != "" {
		t.Errorf("expected unknown type cleared, got %q", res.AppTricks[0].Type)
	}
}

func TestTaskJudgeParseResponse_StripsFencesAroundJSON(t *testing.T) {
	j := &TaskJudge{}
	raw := "```json\n{\"task_status\":\"Success\",\"status_reason\":\"ok\",\"app_tricks\":[]}\n```"
	res := j.ParseResponse(raw)
	if !res.Completed || res.Explanation != "ok" {
		t.Errorf("got %+v", res)
	}
}

func TestTaskJudgeParseResponse_MalformedJSONFallsBackToRawText(t *testing.T) {
	j := &TaskJudge{}
	res := j.ParseResponse("The task succeeded because the screen shows the final balance.")
	if res.Completed {
		t.Error("expected Completed=false on parse failure")
	}
	if res.Explanation == "" {
		t.Error("expected raw text preserved as explanation")
	}
}
