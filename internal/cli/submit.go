package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/session"
)

var submitFrom string

var submitCmd = &cobra.Command{
	Use:   "submit TARGET PAYLOAD",
	Short: "Queue a task for one agent on a running hive server",
	Example: `  hive submit worker1 "summarize the inbox"
  hive submit boss1 "status report" --from president`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, payload := args[0], args[1]

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		source := submitFrom
		if source == "" {
			source = session.SystemIdentity
		}

		taskID, err := apiClient().Submit(ctx, source, target, payload)
		if err != nil {
			return err
		}

		if jsonOutput {
			return robot.Print(robot.SubmitOutput{
				RobotResponse: robot.NewRobotResponse(true),
				TaskID:        taskID,
				Target:        target,
				Source:        source,
			})
		}
		fmt.Printf("Queued task %s for %s\n", taskID, target)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFrom, "from", "", "source identity recorded in the log (default system)")
	rootCmd.AddCommand(submitCmd)
}
