package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/output"
	"github.com/Dicklesworthstone/hive/internal/robot"
)

var (
	logsFrom   uint64
	logsLimit  int
	logsTarget string
	logsFollow bool
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Replay or tail the message log",
	Long: `Logs reads the append-only message log on disk. --from N skips
records up to sequence N, --target filters to one identity, and
--follow keeps tailing as new records are appended.`,
	Example: `  hive logs --from 120 --target worker1
  hive logs --follow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := msglog.Open(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("opening message log: %w", err)
		}
		defer log.Close()

		emit := func(m msglog.Message) error {
			if logsTarget != "" && m.Target != logsTarget {
				return nil
			}
			if jsonOutput {
				return robot.Print(m)
			}
			printMessage(m)
			return nil
		}

		if logsFollow {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := log.Follow(ctx, logsFrom, emit); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		}

		msgs, err := log.List(logsFrom, logsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			filtered := msgs[:0]
			for _, m := range msgs {
				if logsTarget == "" || m.Target == logsTarget {
					filtered = append(filtered, m)
				}
			}
			return robot.Print(robot.NewMessagesOutput(filtered))
		}
		for _, m := range msgs {
			if err := emit(m); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	logsCmd.Flags().Uint64Var(&logsFrom, "from", 0, "replay records with sequence numbers greater than this")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 0, "stop after this many records (0 = all)")
	logsCmd.Flags().StringVar(&logsTarget, "target", "", "only records addressed to this identity")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep tailing the log as it grows")
	rootCmd.AddCommand(logsCmd)
}

func printMessage(m msglog.Message) {
	task := ""
	if m.TaskID != "" {
		task = " task=" + m.TaskID
	}
	fmt.Fprintf(os.Stdout, "%6d  %s  %s -> %s  [%s]%s  %s\n",
		m.Seq, m.Timestamp.Format("15:04:05"), m.Source, m.Target,
		m.Outcome, task, output.Truncate(m.Payload, payloadWidth()))
}

// payloadWidth leaves room for the fixed log columns on the current
// terminal, falling back to 80 characters when stdout is not a tty.
func payloadWidth() int {
	const fixed = 50
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > fixed+20 {
		return w - fixed
	}
	return 80
}
