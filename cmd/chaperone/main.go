// Copyright (c) 2021 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command chaperone is the PID-1 entry point: it loads a service plan,
// starts every configured service in dependency order, and stays up
// supervising them until told to shut down.
package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/canonical/go-flags"
	"golang.org/x/term"

	"github.com/garywiz/chaperone/internal/controller"
	"github.com/garywiz/chaperone/internal/controlplane"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/syslogd"
)

type options struct {
	Config          string `long:"config" description:"Path to a service config file or directory" default:"/etc/chaperone.d"`
	FIFO            string `long:"fifo" description:"Control-plane FIFO path" default:"/dev/chaperone"`
	Socket          string `long:"socket" description:"Control-plane Unix socket path" default:"/dev/chaperone.sock"`
	SyslogSocket    string `long:"syslog-socket" description:"Syslog ingestor socket path" default:"/dev/log"`
	DetectExit      bool   `long:"detect-exit" description:"Shut down once every non-scheduled service has exited"`
	ExitKills       bool   `long:"exitkills" description:"Treat this run as a one-shot: exit kills the whole system. Defaults to on when stdin is not a terminal."`
	NoExitKills     bool   `long:"no-exitkills" description:"Never tear the system down just because a service exited"`
	Task            bool   `long:"task" description:"Run as a short-lived task: no console log routing, exit kills the system"`
	LogLevel        string `long:"log-level" description:"Initial minimum syslog priority routed to sinks" default:"debug"`
	ShowDeps        bool   `long:"show-dependencies" description:"Print the service dependency histogram and exit"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" description:"How long to wait at each escalation step of shutdown" default:"5s"`
	StatusInterval  time.Duration `long:"status-interval" description:"How often to broadcast STATUS= to an outer notify socket" default:"30s"`
	Debug           bool   `long:"debug" description:"Enable debug logging (same as CHAPERONE_DEBUG=1)"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "chaperone:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return err
	}

	if opts.Debug {
		os.Setenv("CHAPERONE_DEBUG", "1")
	}
	logger.SetLogger(logger.New(os.Stderr, ""))

	// The source swaps --exitkills' default based on isatty: an interactive
	// terminal means a human is probably testing a single service by hand
	// (don't tear the whole tree down when that one process exits); a
	// non-interactive run is almost always a real container entrypoint.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	exitKills := !interactive
	if opts.Task || opts.ExitKills {
		exitKills = true
	}
	if opts.NoExitKills {
		exitKills = false
	}

	p, err := plan.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("cannot load service configuration: %w", err)
	}

	env := envexpand.FromOSEnviron()
	env.Set("_CHAP_CONFIG_DIR", opts.Config)
	env.Set("_CHAP_INTERACTIVE", boolVar(interactive))
	env.Set("_CHAP_TASK_MODE", boolVar(opts.Task))

	cfg := controller.Config{
		PlanPath:        opts.Config,
		DetectExit:      opts.DetectExit,
		ExitKills:       exitKills,
		ShutdownTimeout: opts.ShutdownTimeout,
		StatusInterval:  opts.StatusInterval,
		FIFOPath:        opts.FIFO,
		SocketPath:      opts.Socket,
		SyslogPath:      opts.SyslogSocket,
	}
	ctrl := controller.New(cfg, p, env)

	if opts.ShowDeps {
		deps, err := ctrl.Dependencies()
		if err != nil {
			return err
		}
		fmt.Println(deps)
		return nil
	}

	router := buildSyslogRouter(p, opts.Task)
	if pri, err := syslogd.ParsePriority(opts.LogLevel); err != nil {
		return err
	} else {
		router.SetMinPriority(pri)
	}
	if err := router.Listen(opts.SyslogSocket); err != nil {
		logger.Noticef("chaperone: syslog ingestor unavailable: %v", err)
	} else {
		go router.Serve()
		defer router.Close()
		// Fold chaperone's own log lines into the routed output too, the
		// same way the supervised services' syslog traffic flows.
		logger.SetLogger(syslogd.NewLoggerBridge(router, logger.New(os.Stderr, "")))
	}

	cp := buildControlPlane(ctrl, router)
	if err := cp.ListenFIFO(opts.FIFO); err != nil {
		logger.Noticef("chaperone: control FIFO unavailable: %v", err)
	}
	if err := cp.ListenSocket(opts.Socket); err != nil {
		logger.Noticef("chaperone: control socket unavailable: %v", err)
	}
	defer cp.Close()

	return ctrl.Run()
}

func boolVar(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// buildSyslogRouter compiles one routing rule per service that declares a
// log.selector, plus a catch-all console rule so unmatched records are
// never silently dropped. Task mode skips the catch-all: a short-lived
// task's own output is the console's job, not the syslog stream's.
func buildSyslogRouter(p *plan.Plan, task bool) *syslogd.Router {
	var rules []syslogd.Rule
	for _, name := range p.Names() {
		svc, _ := p.Get(name)
		if svc.Log.Selector == "" || !svc.Log.EnabledOrDefault() {
			continue
		}
		var sink syslogd.Sink
		switch {
		case svc.Log.File != "":
			sink = syslogd.NewFileSinkWithOptions(svc.Log.File, syslogd.FileSinkOptions{
				Overwrite: svc.Log.Overwrite,
				UID:       svc.Log.UID,
				GID:       svc.Log.GID,
			})
		case svc.Log.Remote != "":
			sink = syslogd.NewRemoteSink("udp", svc.Log.Remote, false)
		default:
			sink = syslogd.NewConsoleSink(os.Stdout)
		}
		rule, err := syslogd.NewRule(svc.Log.Selector, sink)
		if err != nil {
			logger.Noticef("chaperone: service %q has an invalid log selector %q: %v", name, svc.Log.Selector, err)
			continue
		}
		rules = append(rules, rule)
	}
	if !task {
		catchAll, _ := syslogd.NewRule("*.*", syslogd.NewConsoleSink(os.Stdout))
		rules = append(rules, catchAll)
	}
	return syslogd.NewRouter(rules)
}

// serviceVerbOptions carries the flags shared by start/stop/reset.
type serviceVerbOptions struct {
	Force   bool `long:"force" description:"Act even on a disabled service"`
	Wait    bool `long:"wait" description:"Block until the operation completes instead of queueing it"`
	Enable  bool `long:"enable" description:"Enable the service before acting"`
	Disable bool `long:"disable" description:"Disable the service after acting"`
}

func buildControlPlane(ctrl *controller.Controller, router *syslogd.Router) *controlplane.Server {
	cp := controlplane.New()

	cp.AddCommand(&controlplane.Command{
		Name: "status",
		Handler: func(_ any, _ []string) (string, error) {
			rows := [][]string{{"PID", "SERVICE", "ENABLED", "STATUS", "NOTE"}}
			for _, st := range ctrl.Status() {
				pid := "-"
				if st.Pid != 0 {
					pid = fmt.Sprintf("%d", st.Pid)
				}
				enabled := "enabled"
				if !st.Enabled {
					enabled = "disabled"
				}
				rows = append(rows, []string{pid, st.Name, enabled, st.Status, st.Note})
			}
			return controlplane.FormatStatus(rows), nil
		},
	})
	cp.AddCommand(&controlplane.Command{
		Name: "dependencies",
		Handler: func(_ any, _ []string) (string, error) {
			return ctrl.Dependencies()
		},
	})
	cp.AddCommand(&controlplane.Command{
		Name: "loglevel",
		Handler: func(_ any, positional []string) (string, error) {
			if len(positional) == 0 {
				cur := syslogd.Message{Priority: router.MinPriority()}
				return cur.PriorityName(), nil
			}
			pri, err := syslogd.ParsePriority(positional[0])
			if err != nil {
				return "", err
			}
			router.SetMinPriority(pri)
			return "log level set to " + positional[0], nil
		},
	})
	cp.AddCommand(&controlplane.Command{
		Name: "shutdown",
		Handler: func(_ any, positional []string) (string, error) {
			delay := time.Duration(0)
			if len(positional) > 0 {
				secs, err := time.ParseDuration(positional[0] + "s")
				if err != nil {
					return "", err
				}
				delay = secs
			}
			time.AfterFunc(delay, func() { ctrl.KillSystem("requested via control plane", false) })
			return "shutdown scheduled", nil
		},
	})
	serviceVerb := func(name string, act func(string) error) *controlplane.Command {
		return &controlplane.Command{
			Name:    name,
			Options: func() any { return &serviceVerbOptions{} },
			Handler: func(parsed any, positional []string) (string, error) {
				opts := parsed.(*serviceVerbOptions)
				apply := func() error {
					for _, n := range positional {
						if opts.Enable || opts.Force {
							if err := ctrl.SetEnabled(n, true); err != nil {
								return err
							}
						}
						if err := act(n); err != nil {
							return err
						}
						if opts.Disable {
							if err := ctrl.SetEnabled(n, false); err != nil {
								return err
							}
						}
					}
					return nil
				}
				if opts.Wait {
					if err := apply(); err != nil {
						return "", err
					}
					return "ok", nil
				}
				go func() {
					if err := apply(); err != nil {
						logger.Noticef("chaperone: queued %s failed: %v", name, err)
					}
				}()
				return "queued", nil
			},
		}
	}
	cp.AddCommand(serviceVerb("start", ctrl.StartNamed))
	cp.AddCommand(serviceVerb("stop", ctrl.StopNamed))
	cp.AddCommand(serviceVerb("reset", ctrl.ResetNamed))
	cp.AddCommand(&controlplane.Command{
		Name: "enable",
		Handler: func(_ any, positional []string) (string, error) {
			return applyToEach(positional, func(n string) error { return ctrl.SetEnabled(n, true) })
		},
	})
	cp.AddCommand(&controlplane.Command{
		Name: "disable",
		Handler: func(_ any, positional []string) (string, error) {
			return applyToEach(positional, func(n string) error { return ctrl.SetEnabled(n, false) })
		},
	})

	return cp
}

func applyToEach(names []string, fn func(string) error) (string, error) {
	for _, n := range names {
		if err := fn(n); err != nil {
			return "", err
		}
	}
	return "ok", nil
}
