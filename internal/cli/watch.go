package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live terminal dashboard for a running hive server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := apiClient()

		checkCtx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		healthy := client.Healthy(checkCtx)
		cancel()
		if !healthy {
			return fmt.Errorf("no hive server at %s (start one with \"hive serve\")", client.BaseURL())
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tui.Run(ctx, client, client.BaseURL())
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
