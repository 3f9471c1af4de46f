package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/robot"
)

var spawnTeamFile string

var spawnCmd = &cobra.Command{
	Use:   "spawn [IDENTITY...]",
	Short: "Register identities and prestart their sessions on a running server",
	Long: `Spawn eagerly starts sessions so the first task to each agent does not
pay the startup latency. Identities come from the arguments, from
--team, or from the roster named in config. Starts beyond the session
bound are deferred to on-demand.`,
	Example: `  hive spawn worker1 worker2
  hive spawn --team team.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		identities := args
		if len(identities) == 0 {
			team, err := loadTeam(cfg, spawnTeamFile)
			if err != nil {
				return err
			}
			if team == nil {
				return fmt.Errorf("no identities given (pass them as arguments or via --team)")
			}
			identities = team.Identities()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		if err := apiClient().Spawn(ctx, identities); err != nil {
			return err
		}

		if jsonOutput {
			return robot.Print(robot.SpawnOutput{
				RobotResponse: robot.NewRobotResponse(true),
				Identities:    identities,
			})
		}
		fmt.Printf("Spawning %s\n", strings.Join(identities, ", "))
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVar(&spawnTeamFile, "team", "", "roster YAML naming the identities to spawn")
	rootCmd.AddCommand(spawnCmd)
}
