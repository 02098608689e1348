// Command taskctl runs exactly one task to completion: build the agent
// pipeline, drive the step loop, persist artifacts, exit 0 on success or 1
// otherwise. It is invoked two ways — directly, for one-shot ad hoc runs,
// and as the job service's supervised child process (see
// internal/jobservice), which captures this process's stderr for the job's
// error message and sends SIGTERM, then SIGKILL, to cancel it. The run's
// terminallog is written by this process's own runlog.Writer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/scenagent/mobiletaskctl/internal/action"
	"github.com/scenagent/mobiletaskctl/internal/agents"
	"github.com/scenagent/mobiletaskctl/internal/chains"
	"github.com/scenagent/mobiletaskctl/internal/device"
	"github.com/scenagent/mobiletaskctl/internal/llm"
	"github.com/scenagent/mobiletaskctl/internal/obslog"
	"github.com/scenagent/mobiletaskctl/internal/orchestrator"
	"github.com/scenagent/mobiletaskctl/internal/runlog"
	"github.com/scenagent/mobiletaskctl/internal/stagnation"
	"github.com/scenagent/mobiletaskctl/internal/state"
	"github.com/scenagent/mobiletaskctl/internal/trickstore"
)

type taskFlags struct {
	userID               string
	instruction          string
	appName              string
	runDir               string
	deviceID             string
	adbPath              string
	hdcPath              string
	platform             string
	perceptionMode       string
	maxStep              int
	stagnationThreshold  float64
	errorThresholdWindow int
	enableTaskJudge      bool
	tricksPath           string
}

func main() {
	_ = godotenv.Load(".env")

	var f taskFlags
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Run one mobile-automation task to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	flags := root.Flags()
	flags.StringVar(&f.userID, "user-id", "", "submitting user's ID (for logging only)")
	flags.StringVar(&f.instruction, "instruction", "", "natural-language task instruction (required)")
	flags.StringVar(&f.appName, "app-name", "", "target app name (required)")
	flags.StringVar(&f.runDir, "run-dir", "", "run directory artifacts are written under (required)")
	flags.StringVar(&f.deviceID, "device-id", "", "ADB device serial")
	flags.StringVar(&f.adbPath, "adb-path", "adb", "path to the adb binary")
	flags.StringVar(&f.hdcPath, "hdc-path", "hdc", "path to the hdc binary")
	flags.StringVar(&f.platform, "platform", "android", "\"android\" or \"harmonyos\"")
	flags.StringVar(&f.perceptionMode, "perception-mode", "vllm", "\"vllm\" or \"som\"")
	flags.IntVar(&f.maxStep, "max-step", orchestrator.DefaultMaxStep, "step budget before the run is abandoned")
	flags.Float64Var(&f.stagnationThreshold, "stagnation-threshold", stagnation.DefaultThreshold, "UI-tree similarity at/above which two screens are considered unchanged")
	flags.IntVar(&f.errorThresholdWindow, "error-threshold-window", 2, "last-k-outcomes window that forces a replan")
	flags.BoolVar(&f.enableTaskJudge, "enable-task-judge", true, "run the Task Judge agent once the planner reports Finished")
	flags.StringVar(&f.tricksPath, "tricks-path", "", "path to the shared app-tricks JSON store (empty disables trick memory)")

	_ = root.MarkFlagRequired("instruction")
	_ = root.MarkFlagRequired("app-name")
	_ = root.MarkFlagRequired("run-dir")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f taskFlags) error {
	if err := os.MkdirAll(f.runDir+"/images", 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	if dbgFile, err := obslog.RedirectToFile(f.runDir + "/debug.log"); err == nil {
		defer dbgFile.Close()
	}

	var drv device.Driver
	if f.platform == "harmonyos" {
		drv = device.NewHarmonyOSDriver(f.hdcPath, false)
	} else {
		drv = device.NewAndroidDriver(f.adbPath, f.deviceID, false)
	}

	llmClient := llm.New()
	planner := agents.NewPlanner(llmClient)
	executor := agents.NewExecutor(llmClient)
	reflector := agents.NewReflector(llmClient)
	pathSummarizer := agents.NewPathSummarizer(llmClient)
	recorder := agents.NewRecorder(llmClient)
	judge := agents.NewTaskJudge(llmClient)

	actionSvc := action.NewService(drv, f.perceptionMode)
	stagnationChecker := stagnation.NewChecker(f.stagnationThreshold)

	planningChain := chains.NewPlanningChain(planner)
	executionChain := chains.NewExecutionChain(executor, actionSvc)
	reflectionChain := chains.NewReflectionChain(reflector, stagnationChecker, true, pathSummarizer, recorder, true)

	var tricks *trickstore.Store
	if f.tricksPath != "" {
		tricks = trickstore.New(f.tricksPath)
	}

	log, err := runlog.New(f.runDir)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer log.Close()

	taskID := os.Getenv("TASKCTL_TASK_ID")
	if taskID == "" {
		taskID = f.userID + "-" + f.appName
	}
	st := state.New(taskID, f.instruction, f.appName, f.perceptionMode)

	orch := orchestrator.New(drv, planningChain, executionChain, reflectionChain, judge, tricks, log, orchestrator.Config{
		MaxStep:              f.maxStep,
		RunDir:               f.runDir,
		PerceptionMode:       f.perceptionMode,
		EnableTaskJudge:      f.enableTaskJudge,
		ErrorThresholdWindow: f.errorThresholdWindow,
	})

	log.Printf("starting task %q for user %q against app %q", f.instruction, f.userID, f.appName)
	result, err := orch.Run(ctx, st, f.appName)
	if err != nil {
		log.Printf("task failed: %v", err)
		return err
	}

	log.Printf("task finished: completed=%v steps=%d", result.Completed, len(result.Steps))
	if !result.Completed {
		os.Exit(1)
	}
	return nil
}
