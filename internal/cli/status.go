package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/output"
	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/status"
)

// StatusOutput is the JSON output for the status command.
type StatusOutput struct {
	robot.RobotResponse
	Live     bool                  `json:"live"` // true when read from a running server
	Snapshot status.SystemSnapshot `json:"snapshot"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions, queue depth, and delivery counters",
	Long: `Status asks the running hive server for a snapshot. When no server
answers, it folds the message log on disk instead; session and queue
figures are then absent because only the dispatcher knows them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		client := apiClient()
		snap, err := client.Status(ctx)
		live := err == nil
		if !live {
			snap, err = localSnapshot()
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			return robot.Print(StatusOutput{
				RobotResponse: robot.NewRobotResponse(true),
				Live:          live,
				Snapshot:      snap,
			})
		}
		printSnapshot(snap, live)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// localSnapshot folds the on-disk log without a dispatcher attached.
func localSnapshot() (status.SystemSnapshot, error) {
	log, err := msglog.Open(cfg.Log.Path)
	if err != nil {
		return status.SystemSnapshot{}, fmt.Errorf("opening message log: %w", err)
	}
	defer log.Close()
	return status.NewReporter(log, nil).Snapshot()
}

func printSnapshot(snap status.SystemSnapshot, live bool) {
	mode := "live"
	if !live {
		mode = "log only, no server"
	}
	fmt.Printf("hive status (%s)\n", mode)
	fmt.Printf("  delivered %d, failed %d, log seq %d\n", snap.Delivered, snap.Failed, snap.LastSeq)
	if live {
		fmt.Printf("  sessions %d/%d, queued %d, in flight %d\n",
			len(snap.Sessions), snap.Capacity, snap.Queued, snap.InFlight)
	}

	if len(snap.Sessions) > 0 {
		fmt.Println()
		t := output.NewTable(os.Stdout, "IDENTITY", "STATE", "PID", "DELIVERED", "FAILED", "LAST ACTIVE")
		for _, s := range snap.Sessions {
			pid := ""
			if s.PID > 0 {
				pid = fmt.Sprintf("%d", s.PID)
			}
			t.AddRow(s.Identity, string(s.State), pid,
				fmt.Sprintf("%d", s.Delivered), fmt.Sprintf("%d", s.Failed),
				relativeTime(s.LastActiveAt))
		}
		t.Render()
	}

	if len(snap.PerIdentity) > 0 {
		ids := make([]string, 0, len(snap.PerIdentity))
		for id := range snap.PerIdentity {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Println()
		t := output.NewTable(os.Stdout, "TARGET", "DELIVERED", "FAILED", "QUEUED", "LAST SEQ", "LAST SEEN")
		for _, id := range ids {
			st := snap.PerIdentity[id]
			t.AddRow(id,
				fmt.Sprintf("%d", st.Delivered), fmt.Sprintf("%d", st.Failed),
				fmt.Sprintf("%d", snap.QueuedBy[id]),
				fmt.Sprintf("%d", st.LastSeq), relativeTime(st.LastActivity))
		}
		t.Render()
	}
}

// relativeTime renders a timestamp as a short age like "3m ago".
func relativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("2006-01-02")
	}
}
