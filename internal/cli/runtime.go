package cli

import (
	"fmt"
	"time"

	"github.com/Dicklesworthstone/hive/internal/archive"
	"github.com/Dicklesworthstone/hive/internal/config"
	"github.com/Dicklesworthstone/hive/internal/dispatch"
	"github.com/Dicklesworthstone/hive/internal/events"
	"github.com/Dicklesworthstone/hive/internal/msglog"
	"github.com/Dicklesworthstone/hive/internal/queue"
	"github.com/Dicklesworthstone/hive/internal/roster"
	"github.com/Dicklesworthstone/hive/internal/session"
	"github.com/Dicklesworthstone/hive/internal/status"
)

// runtime holds one wired-up dispatcher stack: log, queue, bus, optional
// archive, dispatcher, and reporter. Built by serve and run, torn down
// with Close.
type runtime struct {
	log  *msglog.Log
	q    *queue.Queue
	bus  *events.Bus
	arch *archive.Store
	disp *dispatch.Dispatcher
	rep  *status.Reporter
}

// buildRuntime wires a dispatcher stack from config. Roster members are
// registered; nothing is started yet.
func buildRuntime(cfg *config.Config, team *roster.Team) (*runtime, error) {
	log, err := msglog.Open(cfg.Log.Path)
	if err != nil {
		return nil, fmt.Errorf("opening message log: %w", err)
	}

	var arch *archive.Store
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.Archive.Path)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("opening archive: %w", err)
		}
	}

	rt := &runtime{
		log:  log,
		q:    queue.New(),
		bus:  events.NewBus(),
		arch: arch,
	}
	rt.disp = dispatch.New(rt.log, rt.q, rt.bus, rt.arch, hostFactory(cfg, team), dispatcherConfig(cfg))
	rt.rep = status.NewReporter(rt.log, rt.disp)

	if team != nil {
		for _, identity := range team.Identities() {
			if err := rt.disp.Register(identity); err != nil {
				rt.Close()
				return nil, err
			}
		}
	}
	return rt, nil
}

// Close releases the runtime's file-backed resources. The dispatcher must
// already be stopped.
func (rt *runtime) Close() {
	rt.bus.Close()
	if rt.arch != nil {
		rt.arch.Close()
	}
	rt.log.Close()
}

// dispatcherConfig converts the integer-seconds config section into
// dispatcher tuning.
func dispatcherConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		MaxConcurrentSessions: cfg.Dispatcher.MaxConcurrentSessions,
		IdleTimeout:           time.Duration(cfg.Dispatcher.IdleTimeout) * time.Second,
		ReadinessTimeout:      time.Duration(cfg.Dispatcher.ReadinessTimeout) * time.Second,
		SendTimeout:           time.Duration(cfg.Dispatcher.SendTimeout) * time.Second,
		StopGrace:             time.Duration(cfg.Host.StopGrace) * time.Second,
		PollInterval:          time.Duration(cfg.Dispatcher.PollInterval) * time.Second,
	}
}

// hostFactory builds hosts from the configured backend, letting roster
// members override the command per identity.
func hostFactory(cfg *config.Config, team *roster.Team) dispatch.HostFactory {
	return func(identity string) session.Host {
		command := cfg.Host.Command
		args := cfg.Host.Args
		if team != nil {
			if m, ok := team.Member(identity); ok && m.Command != "" {
				command = m.Command
				args = m.Args
			}
		}
		switch cfg.Host.Kind {
		case "pty":
			return &session.PtyHost{
				Command:      command,
				Args:         args,
				Dir:          cfg.Host.Dir,
				ReadyPattern: cfg.Host.ReadyPattern,
			}
		case "local":
			return &session.LocalHost{}
		default:
			return &session.ExecHost{
				Command:      command,
				Args:         args,
				Dir:          cfg.Host.Dir,
				ReadyPattern: cfg.Host.ReadyPattern,
			}
		}
	}
}

// loadTeam loads the roster named in config, or nil when none is set.
func loadTeam(cfg *config.Config, override string) (*roster.Team, error) {
	path := override
	if path == "" {
		path = cfg.Roster
	}
	if path == "" {
		return nil, nil
	}
	team, err := roster.Load(config.ExpandHome(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return team, nil
}
