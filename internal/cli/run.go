package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/output"
	"github.com/Dicklesworthstone/hive/internal/robot"
)

var (
	runTeamFile  string
	runTasks     []string
	runTasksFile string
	runTimeout   int
)

// RunOutput is the JSON output for the run command.
type RunOutput struct {
	robot.RobotResponse
	Submitted int      `json:"submitted"`
	Delivered uint64   `json:"delivered"`
	Failed    uint64   `json:"failed"`
	LastSeq   uint64   `json:"last_seq"`
	TaskIDs   []string `json:"task_ids"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Spawn a team, deliver a batch of tasks, and stop",
	Long: `Run is the batch front end: it starts the roster's sessions, submits
every task, waits for the backlog to drain, then stops all sessions.

Tasks are written as "target: payload", one per --task flag or one per
line of --tasks-file (use "-" for stdin). Roster members with a prompt
get it submitted before the batch.

Exit status: 0 when every task delivered, 1 when at least one failed,
2 on a fatal persistence or configuration error.`,
	Example: `  hive run --team team.yaml --task "worker1: collect the data"
  hive run --team team.yaml --tasks-file batch.txt`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTeamFile, "team", "", "roster YAML to spawn (default from config)")
	runCmd.Flags().StringArrayVar(&runTasks, "task", nil, `task spec "target: payload" (repeatable)`)
	runCmd.Flags().StringVar(&runTasksFile, "tasks-file", "", `file of task specs, one per line ("-" for stdin)`)
	runCmd.Flags().IntVar(&runTimeout, "timeout", 300, "seconds to wait for the batch to drain")
	rootCmd.AddCommand(runCmd)
}

// taskSpec is one parsed "target: payload" line.
type taskSpec struct {
	Target  string
	Payload string
}

// parseTaskSpec splits "target: payload" on the first colon.
func parseTaskSpec(raw string) (taskSpec, error) {
	target, payload, ok := strings.Cut(raw, ":")
	target = strings.TrimSpace(target)
	payload = strings.TrimSpace(payload)
	if !ok || target == "" || payload == "" {
		return taskSpec{}, fmt.Errorf("invalid task spec %q (want \"target: payload\")", raw)
	}
	return taskSpec{Target: target, Payload: payload}, nil
}

// collectTasks gathers task specs from flags and the tasks file. Blank
// lines and # comments in the file are skipped.
func collectTasks(flagged []string, file string) ([]taskSpec, error) {
	var specs []taskSpec
	for _, raw := range flagged {
		spec, err := parseTaskSpec(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	if file != "" {
		var r *bufio.Scanner
		if file == "-" {
			r = bufio.NewScanner(os.Stdin)
		} else {
			f, err := os.Open(file)
			if err != nil {
				return nil, fmt.Errorf("opening tasks file: %w", err)
			}
			defer f.Close()
			r = bufio.NewScanner(f)
		}
		for r.Scan() {
			line := strings.TrimSpace(r.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			spec, err := parseTaskSpec(line)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("reading tasks file: %w", err)
		}
	}
	return specs, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	team, err := loadTeam(cfg, runTeamFile)
	if err != nil {
		return err
	}
	if team == nil {
		return fmt.Errorf("%w: run needs a roster (--team or roster in config)", errConfig)
	}

	specs, err := collectTasks(runTasks, runTasksFile)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no tasks given (use --task or --tasks-file)")
	}
	for _, spec := range specs {
		if _, ok := team.Member(spec.Target); !ok {
			return fmt.Errorf("task target %q is not in the roster", spec.Target)
		}
	}

	rt, err := buildRuntime(cfg, team)
	if err != nil {
		return err
	}
	defer rt.Close()

	startSeq := rt.log.LastSeq()

	if err := rt.disp.Start(context.Background()); err != nil {
		return err
	}
	if err := rt.disp.Prestart(team.Identities()...); err != nil {
		stopDispatcher(rt)
		return err
	}

	var taskIDs []string
	for _, m := range team.Members {
		if m.Prompt == "" {
			continue
		}
		id, err := rt.disp.Submit(m.Identity, m.Prompt)
		if err != nil {
			stopDispatcher(rt)
			return err
		}
		taskIDs = append(taskIDs, id)
	}
	for _, spec := range specs {
		id, err := rt.disp.Submit(spec.Target, spec.Payload)
		if err != nil {
			stopDispatcher(rt)
			return err
		}
		taskIDs = append(taskIDs, id)
	}

	drainCtx, cancel := context.WithTimeout(ctx, time.Duration(runTimeout)*time.Second)
	defer cancel()
	if err := rt.disp.Drain(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if err := rt.disp.Err(); err != nil {
		return err
	}

	delivered, failed, lastSeq, err := tallyBatch(rt, startSeq, taskIDs)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := RunOutput{
			RobotResponse: robot.NewRobotResponse(failed == 0),
			Submitted:     len(taskIDs),
			Delivered:     delivered,
			Failed:        failed,
			LastSeq:       lastSeq,
			TaskIDs:       taskIDs,
		}
		if err := robot.Print(out); err != nil {
			return err
		}
	} else {
		fmt.Printf("Submitted %s, %d delivered, %d failed (log seq %d)\n",
			output.CountStr(len(taskIDs), "task", "tasks"), delivered, failed, lastSeq)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(taskIDs))
	}
	return nil
}

// tallyBatch folds the log records this run appended and counts terminal
// outcomes for the submitted tasks. Earlier runs sharing the log file do
// not pollute the summary.
func tallyBatch(rt *runtime, startSeq uint64, taskIDs []string) (delivered, failed uint64, lastSeq uint64, err error) {
	mine := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		mine[id] = true
	}
	lastSeq = startSeq
	err = rt.log.ReadFrom(startSeq, func(m msglog.Message) error {
		lastSeq = m.Seq
		if !mine[m.TaskID] {
			return nil
		}
		switch m.Outcome {
		case msglog.OutcomeSent, msglog.OutcomeAcknowledged:
			delivered++
		case msglog.OutcomeFailed:
			failed++
		}
		return nil
	})
	return delivered, failed, lastSeq, err
}
