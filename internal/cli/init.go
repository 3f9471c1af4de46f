package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/config"
	"github.com/Dicklesworthstone/hive/internal/robot"
	"github.com/Dicklesworthstone/hive/internal/roster"
)

var initForce bool

// InitOutput is the JSON output for the init command.
type InitOutput struct {
	robot.RobotResponse
	ConfigPath string `json:"config_path"`
	RosterPath string `json:"roster_path,omitempty"`
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config file and a sample team roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("%w: %v", errConfig, err)
		}

		rosterPath := filepath.Join(filepath.Dir(path), "team.yaml")
		if err := roster.WriteSample(rosterPath); err != nil {
			// An existing roster is not an error worth failing init over.
			rosterPath = ""
		}

		if jsonOutput {
			return robot.Print(InitOutput{
				RobotResponse: robot.NewRobotResponse(true),
				ConfigPath:    path,
				RosterPath:    rosterPath,
			})
		}
		fmt.Printf("Wrote config to %s\n", path)
		if rosterPath != "" {
			fmt.Printf("Wrote sample roster to %s\n", rosterPath)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
