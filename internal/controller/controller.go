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

// Package controller is chaperone's top-level PID-1 run loop: it starts
// every service in dependency order, installs SIGTERM/SIGINT handling,
// drives the reaper's "no processes left" auto-exit, and tears the whole
// tree down on request. Grounded on pebble's internals/overlord run-loop
// shape (a tomb.Tomb-driven goroutine plus a state-change notifier),
// generalised from "manage a bag of independently-managed services" to
// "own the whole container's process tree as PID 1."
package controller

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/notifysock"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/reaper"
	"github.com/garywiz/chaperone/internal/supervisor"
)

// scheduled is implemented by the two service kinds that run their own
// internal scheduling loop (cron, inetd) rather than being driven directly
// by Controller.Start/Stop.
type scheduled interface {
	Start() error
	Stop() error
}

// Config carries the process-wide knobs Controller owns: where the plan
// lives, how shutdown is detected and escalated, and the control-plane
// endpoints to open.
type Config struct {
	PlanPath        string
	DetectExit      bool
	ExitKills       bool
	ShutdownTimeout time.Duration
	StatusInterval  time.Duration
	FIFOPath        string
	SocketPath      string
	SyslogPath      string
}

func (c Config) shutdownTimeoutOrDefault() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return 5 * time.Second
}

func (c Config) statusIntervalOrDefault() time.Duration {
	if c.StatusInterval > 0 {
		return c.StatusInterval
	}
	return 30 * time.Second
}

type serviceEntry struct {
	config *plan.Service
	proc   *supervisor.Process // simple/oneshot/forking/notify
	sched  scheduled           // cron/inetd
	notify *notifysock.Server  // non-nil for notify-type services
	enabled bool
}

// Controller owns every running service, the reaper, and the signal path
// that tears the system down.
type Controller struct {
	cfg    Config
	plan   *plan.Plan
	env    *envexpand.Environment
	reaper *reaper.Reaper

	mu       sync.Mutex
	services map[string]*serviceEntry
	alive    bool
	killing  bool

	// failure records the first failed service's error, carried out of Run
	// so the process exit code reflects it.
	failure error

	// idleOnce gates the one-time startup pause for the first IDLE-group
	// service to reach its start point, per the plan's idle_delay setting.
	idleOnce sync.Once

	t tomb.Tomb
}

// New builds a Controller for the given plan and base environment. It does
// not start anything yet.
func New(cfg Config, p *plan.Plan, baseEnv *envexpand.Environment) *Controller {
	c := &Controller{
		cfg:      cfg,
		plan:     p,
		env:      baseEnv,
		services: make(map[string]*serviceEntry),
		alive:    true,
	}
	c.reaper = reaper.New(nil)
	c.reaper.OnNoProcesses = c.onNoProcesses
	return c
}

// Run installs signal handlers, starts every service in dependency order,
// signals readiness, then blocks until the system is torn down.
func (c *Controller) Run() error {
	signal.Ignore(unix.SIGPIPE)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)
	c.t.Go(func() error {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case unix.SIGTERM:
					logger.Noticef("controller: received SIGTERM")
					c.KillSystem("", false)
				case unix.SIGINT:
					logger.Noticef("controller: received SIGINT")
					c.KillSystem("", true)
				}
			case <-c.t.Dying():
				return nil
			}
		}
	})

	if err := c.reaper.Start(); err != nil {
		return fmt.Errorf("cannot start reaper: %w", err)
	}

	order, err := c.plan.StartOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		svc, _ := c.plan.Get(name)
		if err := c.startService(svc); err != nil {
			logger.Noticef("controller: service %q failed to start: %v", name, err)
			c.recordFailure(err)
			c.KillSystem(fmt.Sprintf("service %s failed to start: %v", name, err), false)
			break
		}
	}

	c.mu.Lock()
	stillAlive := c.alive
	c.mu.Unlock()
	if stillAlive {
		c.signalReady()
	}

	<-c.t.Dying()
	signal.Stop(sigCh)
	if err := c.t.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// recordFailure keeps the first failure only: later ones are consequences
// of the shutdown the first one triggered.
func (c *Controller) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
}

func (c *Controller) startService(svc *plan.Service) error {
	entry := &serviceEntry{config: svc, enabled: true}

	if !svc.EnabledOrDefault() {
		logger.Debugf("controller: service %q is disabled, not starting", svc.Name)
		entry.enabled = false
		c.mu.Lock()
		c.services[svc.Name] = entry
		c.mu.Unlock()
		return nil
	}

	if svc.EffectiveGroup() == plan.GroupIdle {
		c.idleOnce.Do(func() {
			delay := c.plan.IdleDelayOrDefault()
			logger.Debugf("controller: pausing %s before first idle-group service %q", delay, svc.Name)
			time.Sleep(delay)
		})
	}

	switch svc.Type {
	case plan.TypeCron:
		cs, err := supervisor.NewCronService(svc, c.env, c.reaper, c.serviceOutput(svc), c)
		if err == nil {
			err = cs.Start()
		}
		if err != nil {
			if !c.downgradeStartError(svc, err) {
				return err
			}
			entry.enabled = false
		} else {
			entry.sched = cs
		}

	case plan.TypeInetd:
		is := supervisor.NewInetdService(svc, c.env, c.reaper, c)
		if err := is.Start(); err != nil {
			if !c.downgradeStartError(svc, err) {
				return err
			}
			entry.enabled = false
		} else {
			entry.sched = is
		}

	default:
		proc := supervisor.NewProcess(svc, c.env, c.reaper, c.serviceOutput(svc), c)
		proc.SetExitKills(c.cfg.ExitKills)
		if svc.Type == plan.TypeNotify {
			srv, err := notifysock.Listen(svc.Name)
			if err != nil {
				return err
			}
			ready := make(chan error, 1)
			proc.SetNotifyChannel(ready)
			go srv.Serve(func(m notifysock.Message) {
				if m.HasPID {
					logger.Debugf("controller: service %q reported MAINPID=%d", svc.Name, m.MainPID)
					proc.AdoptPID(m.MainPID)
				}
				if m.Status != "" {
					proc.SetStatusNote(m.Status)
				}
				if m.Ready {
					select {
					case ready <- nil:
					default:
					}
				} else if m.HasErrno {
					select {
					case ready <- fmt.Errorf("service %q reported errno %d", svc.Name, m.Errno):
					default:
					}
				} else if m.BusError != "" {
					select {
					case ready <- fmt.Errorf("service %q reported bus error: %s", svc.Name, m.BusError):
					default:
					}
				}
			})
			entry.notify = srv
		}
		if err := proc.Start(); err != nil {
			if !c.downgradeStartError(svc, err) {
				return err
			}
			entry.enabled = false
		} else {
			entry.proc = proc
		}
	}

	c.mu.Lock()
	c.services[svc.Name] = entry
	c.mu.Unlock()
	return nil
}

// downgradeStartError reports whether a service's start failure should
// disable that one service rather than fail the whole system start. A
// ParameterError (malformed schedule, bad listen spec, bad uid/gid) is
// always downgraded: a configuration typo in one service is surfaced to
// the operator, it never kills the system. A NotFoundError (missing
// executable) is downgraded only when the service is marked optional.
func (c *Controller) downgradeStartError(svc *plan.Service, err error) bool {
	var paramErr *chaperrors.ParameterError
	if errors.As(err, &paramErr) {
		logger.Noticef("controller: service %q has an invalid configuration, disabling: %v", svc.Name, err)
		return true
	}
	var notFound *chaperrors.NotFoundError
	if svc.Optional && errors.As(err, &notFound) {
		logger.Noticef("controller: service %q not found, disabling (optional): %v", svc.Name, err)
		return true
	}
	return false
}

// serviceOutput is where a service's ring-buffered output is copied to.
// Every service's log also lands in its own ring buffer regardless; this is
// the additional live-tail destination (nil = no live tail, just capture).
func (c *Controller) serviceOutput(svc *plan.Service) io.Writer {
	if svc.Log.Console {
		return os.Stdout
	}
	return nil
}

// RequestShutdown implements supervisor.Restarter: a service's on-exit
// action asked for the whole system to go down.
func (c *Controller) RequestShutdown(reason string, failure bool) {
	logger.Noticef("controller: shutdown requested: %s", reason)
	if failure {
		c.recordFailure(chaperrors.Processf("%s", reason))
	}
	c.KillSystem(reason, false)
}

func (c *Controller) onNoProcesses() {
	c.mu.Lock()
	stillScheduled := false
	for _, e := range c.services {
		if e.sched != nil {
			stillScheduled = true
			break
		}
	}
	killing := c.killing
	c.mu.Unlock()

	if killing {
		return
	}
	if !c.cfg.DetectExit {
		return
	}
	if stillScheduled {
		logger.Debugf("controller: no processes running, but cron/inetd services are still scheduled")
		return
	}
	logger.Noticef("controller: no processes remain, shutting down")
	c.KillSystem("", false)
}

// KillSystem begins (or, if force, re-drives) the shutdown sequence:
// final_stop on every service, escalating kill(-1) signal broadcasts to
// whatever processes remain, then letting Run return.
//
// The kill(-1, sig) broadcasts assume chaperone is PID 1 of its own PID
// namespace (the normal container arrangement), where -1 addresses only
// the container's processes. Run on the host's init namespace, they would
// reach every process on the machine.
func (c *Controller) KillSystem(reason string, force bool) {
	c.mu.Lock()
	if c.killing && !force {
		c.mu.Unlock()
		return
	}
	c.killing = true
	c.alive = false
	c.mu.Unlock()

	if reason != "" {
		logger.Noticef("controller: killing system: %s", reason)
	}
	if notifysock.Available() {
		_ = notifysock.Notify("STOPPING=1")
	}

	c.mu.Lock()
	entries := make([]*serviceEntry, 0, len(c.services))
	for _, e := range c.services {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	order, err := c.plan.StopOrder()
	if err != nil {
		order = nil
		for _, e := range entries {
			order = append(order, e.config.Name)
		}
	}
	for _, name := range order {
		c.mu.Lock()
		e, ok := c.services[name]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.stopEntry(e)
	}

	timeout := c.cfg.shutdownTimeoutOrDefault()
	time.Sleep(timeout)

	if err := unix.Kill(-1, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		logger.Debugf("controller: broadcast SIGTERM failed: %v", err)
	}
	time.Sleep(timeout)
	if err := unix.Kill(-1, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		logger.Debugf("controller: broadcast SIGKILL failed: %v", err)
	}

	c.t.Kill(nil)
}

func (c *Controller) stopEntry(e *serviceEntry) {
	if e.sched != nil {
		if err := e.sched.Stop(); err != nil {
			logger.Debugf("controller: stopping %q: %v", e.config.Name, err)
		}
		return
	}
	if e.notify != nil {
		e.notify.Close()
	}
	if e.proc != nil {
		if err := e.proc.Stop(); err != nil {
			logger.Debugf("controller: stopping %q: %v", e.config.Name, err)
		}
	}
}

// signalReady sends READY=1 to an outer notify socket (if any) and starts
// the periodic status broadcaster, once every configured service has been
// launched.
func (c *Controller) signalReady() {
	if notifysock.Available() {
		if err := notifysock.Notify("READY=1"); err != nil {
			logger.Debugf("controller: cannot notify parent of readiness: %v", err)
		}
	}
	interval := c.cfg.statusIntervalOrDefault()
	c.t.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if notifysock.Available() {
					_ = notifysock.Notify("STATUS=" + c.statusSummary())
				}
			case <-c.t.Dying():
				return nil
			}
		}
	})
}

func (c *Controller) statusSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	active, total := 0, len(c.services)
	for _, e := range c.services {
		if e.proc != nil && e.proc.Status() == supervisor.StatusActive {
			active++
		}
		if e.sched != nil {
			active++
		}
	}
	return fmt.Sprintf("%d/%d services active", active, total)
}

// ServiceStatus is one row of the `telchap status` table.
type ServiceStatus struct {
	Pid     int
	Name    string
	Enabled bool
	Status  string
	Note    string
}

// Status returns one row per known service: pid (if applicable), name,
// enabled, status, and a short note, sorted by name.
func (c *Controller) Status() []ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.services))
	for n := range c.services {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := make([]ServiceStatus, 0, len(names))
	for _, n := range names {
		e := c.services[n]
		row := ServiceStatus{Name: n, Enabled: e.enabled, Status: "scheduled"}
		if e.proc != nil {
			row.Status = string(e.proc.Status())
			row.Note = e.proc.StatusNote()
			row.Pid = e.proc.Pid()
		}
		rows = append(rows, row)
	}
	return rows
}

// Start/Stop/Reset/Enable/Disable implement the control plane's per-service
// verbs. name is looked up as a service name only; group names are not
// resolved, and any name not in the service table is an unknown service.

func (c *Controller) StartNamed(name string) error {
	c.mu.Lock()
	e, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	if !e.enabled {
		return fmt.Errorf("service %q is disabled", name)
	}
	if e.proc != nil {
		return e.proc.Start()
	}
	return nil
}

func (c *Controller) StopNamed(name string) error {
	c.mu.Lock()
	e, ok := c.services[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	c.stopEntry(e)
	return nil
}

func (c *Controller) ResetNamed(name string) error {
	if err := c.StopNamed(name); err != nil {
		return err
	}
	return c.StartNamed(name)
}

func (c *Controller) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.services[name]
	if !ok {
		return fmt.Errorf("unknown service %q", name)
	}
	e.enabled = enabled
	return nil
}

// Dependencies renders the start order as an ASCII histogram, one row per
// service in start order, its bar offset by dependency depth so a root
// service's bar sits leftmost and each dependent's is pushed one column
// further right.
func (c *Controller) Dependencies() (string, error) {
	order, err := c.plan.StartOrder()
	if err != nil {
		return "", err
	}
	depths, err := c.plan.Depths()
	if err != nil {
		return "", err
	}
	width := 0
	for _, name := range order {
		if len(name) > width {
			width = len(name)
		}
	}
	var b strings.Builder
	for _, name := range order {
		fmt.Fprintf(&b, "%-*s  %s#\n", width, name, strings.Repeat(" ", depths[name]*2))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
