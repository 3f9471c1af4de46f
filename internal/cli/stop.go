package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/robot"
)

var stopDrain bool

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all sessions on a running hive server",
	Long: `Stop asks the server to shut the dispatcher down. By default queued
tasks are failed and sessions stop immediately; with --drain the backlog
is delivered first. Stopping an already-stopped server is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		if err := apiClient().Stop(ctx, stopDrain); err != nil {
			return err
		}

		if jsonOutput {
			return robot.Print(robot.StopOutput{
				RobotResponse: robot.NewRobotResponse(true),
				Drained:       stopDrain,
				Graceful:      true,
			})
		}
		if stopDrain {
			fmt.Println("Draining and stopping all sessions")
		} else {
			fmt.Println("Stopping all sessions")
		}
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopDrain, "drain", false, "deliver the queued backlog before stopping")
	rootCmd.AddCommand(stopCmd)
}
