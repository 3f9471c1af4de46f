package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/hive/internal/config"
	"github.com/Dicklesworthstone/hive/internal/serve"
)

var serveTeamFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and HTTP API until interrupted",
	Long: `Serve runs the full stack in the foreground: the message log, the
dispatcher with its session pool, and the HTTP API (submit, status, log,
SSE events, WebSocket). Roster members are registered at startup and
their sessions prestarted. SIGINT or SIGTERM triggers a graceful stop.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTeamFile, "team", "", "roster YAML to register and prestart (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	team, err := loadTeam(cfg, serveTeamFile)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(cfg, team)
	if err != nil {
		return err
	}
	defer rt.Close()

	// The dispatcher outlives the signal context so an interrupt drains
	// through StopAll instead of cancelling in-flight deliveries.
	if err := rt.disp.Start(context.Background()); err != nil {
		return err
	}
	if team != nil {
		if err := rt.disp.Prestart(team.Identities()...); err != nil {
			return err
		}
	}

	srv := serve.New(serve.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Dispatcher: rt.disp,
		Reporter:   rt.rep,
		Log:        rt.log,
		Bus:        rt.bus,
		Auth:       authConfig(cfg),
	})

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Start(ctx) }()

	dispDone := make(chan error, 1)
	go func() { dispDone <- rt.disp.Wait() }()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			stopDispatcher(rt)
			return err
		}
	case err := <-dispDone:
		// The dispatcher halted on its own: a fatal persistence failure.
		stop()
		<-srvErr
		return err
	}

	stopDispatcher(rt)
	<-srvErr
	return rt.disp.Err()
}

// authConfig derives server auth from config: a configured API key
// switches from loopback-trusting local mode to api_key mode.
func authConfig(c *config.Config) serve.AuthConfig {
	if c.Server.APIKey != "" {
		return serve.AuthConfig{Mode: serve.AuthModeAPIKey, APIKey: c.Server.APIKey}
	}
	return serve.AuthConfig{Mode: serve.AuthModeLocal}
}

// stopDispatcher stops all sessions bounded by the configured shutdown
// timeout; leftovers are force-terminated by the session stop escalation.
func stopDispatcher(rt *runtime) {
	done := make(chan struct{})
	go func() {
		_ = rt.disp.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(cfg.Dispatcher.ShutdownTimeout) * time.Second):
	}
}
