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

// Package supervisor runs and supervises one service's process: its
// state diagram, start/stop hooks, and the six process disciplines.
// The state machine itself is grounded on pebble's
// internals/overlord/servstate serviceData, generalised from pebble's single
// "run in foreground" discipline to chaperone's simple/oneshot/forking/
// notify/cron/inetd set via the discipline hooks in discipline.go.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/osutil"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/procstatus"
	"github.com/garywiz/chaperone/internal/reaper"
	"github.com/garywiz/chaperone/internal/servicelog"
)

// state is where a Process's state machine currently sits. Transitions are
// made by Start, handleExit, doBackoff, Stop and their timer callbacks.
type state string

const (
	stateInitial     state = "initial"
	stateStarting    state = "starting"
	stateRunning     state = "running"
	stateTerminating state = "terminating"
	stateKilling     state = "killing"
	stateStopped     state = "stopped"
	stateBackoff     state = "backoff"
	stateExited      state = "exited"
)

const (
	okayDelay    = 1 * time.Second
	failDelay    = 5 * time.Second
	maxLogBytes  = 100 * 1024
	lastLogLines = 20
)

var (
	osStdout io.Writer = os.Stdout
	osStderr io.Writer = os.Stderr
)

// Status is the coarse, user-facing status derived from the internal state
// (what `telchap status` prints).
type Status string

const (
	StatusActive  Status = "active"
	StatusBackoff Status = "backoff"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

func statusOf(s state) Status {
	switch s {
	case stateStarting, stateRunning:
		return StatusActive
	case stateBackoff:
		return StatusBackoff
	case stateExited:
		return StatusError
	default:
		return StatusStopped
	}
}

// Restarter lets a Process ask the controller to tear the whole system
// down, for services whose on-exit action is shutdown.
type Restarter interface {
	RequestShutdown(reason string, failure bool)
}

// Process supervises one running (or not-yet-running) service instance.
type Process struct {
	mu     sync.Mutex
	state  state
	config *plan.Service
	env    *envexpand.Environment
	reaper *reaper.Reaper

	discipline discipline

	logs    *servicelog.RingBuffer
	output  io.Writer
	started chan error
	stopped chan error

	doneOnce sync.Once
	doneCh   chan struct{}

	cmd         *exec.Cmd
	backoffNum  int
	backoffTime time.Duration
	resetTimer  *time.Timer
	startCount  int64

	// restartsLeft counts down restart_limit's remaining allowance;
	// restartsUnlimited is true when no restart_limit was configured.
	restartsLeft      int
	restartsUnlimited bool

	restarter Restarter

	// connStdin/connStdout, when set, wire the process's stdin/stdout to an
	// accepted network connection instead of the log ring buffer (inetd
	// discipline only).
	connStdin  io.Reader
	connStdout io.Writer

	// notifyReady, when set via SetNotifyChannel, receives nil once the
	// service sends READY=1 over its notify socket, or an error if it
	// instead reports ERRNO=n/BUSERROR (see internal/notifysock).
	notifyReady chan error

	// exitKills, when set via SetExitKills, turns an otherwise-quiet
	// ActionIgnore exit into a system shutdown request. Chaperone run as a
	// container entrypoint treats its one real service exiting as the
	// whole container's job being done.
	exitKills bool

	// adoptedPid is the detached pid taken over via AdoptPID (forking's
	// pidfile child, notify's MAINPID), reported by Pid in preference to
	// the exec'd launcher's own pid.
	adoptedPid int

	// awaitingHandoff is set while a forking service's launcher is expected
	// to exit on its own, having handed off to the real daemon pid via its
	// pid file, so that exit isn't mistaken for the service dying.
	awaitingHandoff bool

	// statusNote holds the most recent STATUS=s datagram reported by a
	// notify-type service, surfaced by Controller.Status().
	statusNote string

	randMu sync.Mutex
	rnd    *rand.Rand
}

// SetExitKills controls whether this process's otherwise-ignored exit
// should request a full system shutdown instead. Must be called before
// Start.
func (p *Process) SetExitKills(kills bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitKills = kills
}

// SetNotifyChannel wires up the channel a notify-type service's readiness
// datagrams are delivered on. Must be called before Start.
func (p *Process) SetNotifyChannel(ch chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyReady = ch
}

// AdoptPID re-homes exit tracking onto a different pid than the one this
// Process originally exec'd: a forking service's daemonized child
// (discovered via pid_file) or a notify service's MAINPID=n reassignment.
// Whichever pid the service ends up running as, its eventual exit still
// reaches handleExit.
func (p *Process) AdoptPID(pid int) {
	p.mu.Lock()
	oldPid := 0
	if p.cmd != nil && p.cmd.Process != nil {
		oldPid = p.cmd.Process.Pid
	}
	p.awaitingHandoff = false
	p.adoptedPid = pid
	p.mu.Unlock()

	if oldPid != 0 && oldPid != pid {
		p.reaper.RemoveChildHandler(oldPid)
	}
	p.reaper.AddChildHandler(pid, func(status procstatus.ProcStatus) {
		p.handleExit(status)
	})
}

// SetStatusNote records a service's most recent STATUS=s datagram.
func (p *Process) SetStatusNote(note string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusNote = note
}

// StatusNote returns the service's most recently reported status note, if
// any.
func (p *Process) StatusNote() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusNote
}

// NewProcess creates a Process in its initial (not started) state.
func NewProcess(config *plan.Service, env *envexpand.Environment, r *reaper.Reaper, output io.Writer, restarter Restarter) *Process {
	p := &Process{
		state:     stateInitial,
		config:    config.Copy(),
		env:       env,
		reaper:    r,
		logs:      servicelog.NewRingBuffer(maxLogBytes),
		output:    output,
		started:   make(chan error, 1),
		stopped:   make(chan error, 2),
		doneCh:    make(chan struct{}),
		restarter: restarter,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(len(config.Name)))),
	}
	p.discipline = disciplineFor(config.Type)
	p.restartsLeft, p.restartsUnlimited = p.config.RestartsAllowed()
	return p
}

// Name returns the service's name.
func (p *Process) Name() string { return p.config.Name }

// Status returns the current coarse status.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return statusOf(p.state)
}

// Pid returns the pid of the running process, or 0 if nothing is attached.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateStarting, stateRunning, stateTerminating, stateKilling:
		if p.adoptedPid != 0 {
			return p.adoptedPid
		}
		if p.cmd != nil && p.cmd.Process != nil {
			return p.cmd.Process.Pid
		}
	}
	return 0
}

// Logs returns the process's captured stdout/stderr ring buffer.
func (p *Process) Logs() *servicelog.RingBuffer { return p.logs }

// Start transitions the process from initial/backoff/stopped/exited into
// starting, launching the command. It blocks until the service either fails
// to start quickly or is considered up.
func (p *Process) Start() error {
	p.mu.Lock()
	switch p.state {
	case stateBackoff, stateStopped, stateExited:
		p.backoffNum = 0
		p.backoffTime = 0
		p.state = stateInitial
	case stateInitial:
	case stateStarting, stateRunning:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return chaperrors.Processf("cannot start service %q while %s", p.config.Name, p.state)
	}

	err := p.startInternal()
	if err != nil {
		p.state = stateStopped
		p.mu.Unlock()
		return err
	}
	p.state = stateStarting
	p.mu.Unlock()

	p.discipline.awaitStarted(p)
	return <-p.started
}

// startInternal execs the command and wires up reaping and log capture.
// Caller must hold p.mu.
func (p *Process) startInternal() error {
	base, extra, err := p.config.ParseCommand()
	if err != nil {
		return err
	}
	args := append(base, extra...)
	if len(args) == 0 {
		return chaperrors.Parameterf("service %q has an empty command", p.config.Name)
	}

	// Per-start environment: the service's variables plus the _CHAP_*
	// bookkeeping values. The underscore keys are visible to $(...)
	// expansion in the command line, then stripped before exec along with
	// every other underscore-prefixed key.
	p.startCount++
	startEnv, err := envexpand.Derive(p.env, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("cannot derive environment for service %q: %w", p.config.Name, err)
	}
	startEnv.Set("_CHAP_SERVICE", p.config.Name)
	startEnv.Set("_CHAP_SERVICE_SERIAL", strconv.FormatInt(p.startCount, 10))
	startEnv.Set("_CHAP_SERVICE_TIME", strconv.FormatInt(time.Now().Unix(), 10))

	args, err = startEnv.ExpandList(args)
	if err != nil {
		return fmt.Errorf("cannot expand command for service %q: %w", p.config.Name, err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	publicEnv, err := startEnv.PublicEnvironment()
	if err != nil {
		return fmt.Errorf("cannot expand environment for service %q: %w", p.config.Name, err)
	}
	cmd.Env = make([]string, 0, len(publicEnv))
	for k, v := range publicEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	uid, gid, err := osutil.NormalizeUidGid(p.config.UID, p.config.GID, p.config.User, "")
	if err != nil {
		return err
	}
	cmd.SysProcAttr = osutil.ApplyCredential(cmd.SysProcAttr, uid, gid)

	if p.config.Directory != "" {
		cmd.Dir = p.config.Directory
	} else if home, err := osutil.HomeDir(uid); err == nil {
		cmd.Dir = home
	} else {
		logger.Debugf("Service %q: cannot resolve home directory, leaving cwd unchanged: %v", p.config.Name, err)
	}

	logWriter := servicelog.NewFormatWriter(p.logs, p.config.Name)
	var stdout, stderr io.Writer = logWriter, logWriter
	if p.config.Stdio == plan.StdioInherit {
		stdout = io.MultiWriter(logWriter, osStdout)
		stderr = io.MultiWriter(logWriter, osStderr)
	}
	if p.connStdout != nil {
		stdout = p.connStdout
	}
	if p.connStdin != nil {
		cmd.Stdin = p.connStdin
	}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	logger.Noticef("Service %q starting: %s", p.config.Name, p.config.Command)

	end := p.reaper.BeginFork()
	err = cmd.Start()
	if err != nil {
		end()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return chaperrors.NotFoundf("cannot start service %q: %v", p.config.Name, err)
		}
		return fmt.Errorf("cannot start service %q: %w", p.config.Name, err)
	}
	p.cmd = cmd
	p.adoptedPid = 0
	pid := cmd.Process.Pid
	if p.config.Type == plan.TypeForking {
		p.awaitingHandoff = true
	}
	p.reaper.AddChildHandler(pid, func(status procstatus.ProcStatus) {
		// The reaper has already collected pid, so cmd.Wait only finishes
		// the output copying and closes cmd's pipes. handleExit runs on its
		// own goroutine because this callback can fire inline from
		// AddChildHandler, while p.mu is still held here.
		go func() {
			_ = cmd.Wait()
		}()
		go p.handleExit(status)
	})
	end()

	p.resetTimer = time.AfterFunc(p.config.BackoffLimitOrDefault(), func() { p.backoffResetElapsed() })

	if p.output != nil {
		iter := p.logs.HeadIterator()
		done := make(chan struct{})
		go func() {
			<-p.doneCh
			close(done)
		}()
		go func() {
			defer iter.Close()
			for iter.Next(done) {
				if _, err := iter.WriteTo(p.output); err != nil {
					logger.Debugf("Service %q: output copy stopped: %v", p.config.Name, err)
					return
				}
			}
		}()
	}

	return p.discipline.onStarted(p)
}

// handleExit is invoked from the reaper's callback (outside p.mu) when the
// process exits.
func (p *Process) handleExit(status procstatus.ProcStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.resetTimer != nil {
		p.resetTimer.Stop()
	}

	exitCode := status.ExitStatus()
	success := status.NormalExit()

	switch p.state {
	case stateStarting:
		if p.awaitingHandoff && success {
			logger.Debugf("Service %q: launcher process handed off normally", p.config.Name)
			return
		}
		if _, oneshot := p.discipline.(oneshotDiscipline); oneshot && success {
			// A oneshot counts as started once its run exits 0.
			p.started <- nil
		} else {
			action, _ := p.config.Action(success)
			p.started <- fmt.Errorf("exited quickly with code %d, will %s", exitCode, action)
		}
		fallthrough

	case stateRunning:
		logger.Noticef("Service %q stopped unexpectedly with code %d", p.config.Name, exitCode)
		p.applyExitAction(success, exitCode)

	case stateTerminating, stateKilling:
		logger.Noticef("Service %q stopped", p.config.Name)
		p.stopped <- nil
		p.transition(stateStopped)

	default:
		logger.Debugf("Service %q: exit in unexpected state %q", p.config.Name, p.state)
	}
}

func (p *Process) applyExitAction(success bool, exitCode int) {
	action, onType := p.config.Action(success)
	switch action {
	case plan.ActionIgnore:
		if p.exitKills {
			logger.Noticef("Service %q %s action is %q, but exitkills is set: triggering shutdown", p.config.Name, onType, action)
			if p.restarter != nil {
				p.restarter.RequestShutdown(fmt.Sprintf("service %s exited", p.config.Name), !success)
			}
			p.transition(stateExited)
			break
		}
		logger.Noticef("Service %q %s action is %q, not doing anything further", p.config.Name, onType, action)
		if success || p.config.IgnoreFailures {
			p.transition(stateStopped)
		} else {
			p.transition(stateExited)
		}

	case plan.ActionShutdown, plan.ActionFailureShutdown:
		logger.Noticef("Service %q %s action is %q, triggering shutdown", p.config.Name, onType, action)
		if p.restarter != nil {
			p.restarter.RequestShutdown(fmt.Sprintf("service %s exited", p.config.Name), !success)
		}
		p.transition(stateExited)

	case plan.ActionSuccessShutdown:
		logger.Noticef("Service %q %s action is %q, triggering shutdown", p.config.Name, onType, action)
		if p.restarter != nil {
			p.restarter.RequestShutdown(fmt.Sprintf("service %s exited", p.config.Name), false)
		}
		p.transition(stateExited)

	case plan.ActionRestart:
		p.doBackoff()

	default:
		logger.Noticef("Service %q: unexpected action %q", p.config.Name, action)
	}
}

func (p *Process) transition(to state) {
	logger.Debugf("Service %q transitioning to state %q", p.config.Name, to)
	p.state = to
	if to == stateStopped || to == stateExited {
		p.doneOnce.Do(func() { close(p.doneCh) })
	}
}

// Wait blocks until the process reaches a terminal state (stopped or
// exited), used by callers driving a oneshot run or a cron/inetd instance
// that must observe the run's completion rather than just its launch.
func (p *Process) Wait() {
	<-p.doneCh
}

// doBackoff enforces restart_limit before scheduling the next restart
// attempt: once the allowance is exhausted, the service is marked exited
// (or, with ignore_failures, quietly stopped) instead of retrying forever.
func (p *Process) doBackoff() {
	if !p.restartsUnlimited {
		if p.restartsLeft <= 0 {
			logger.Noticef("Service %q exhausted its restart_limit, not retrying further", p.config.Name)
			if p.config.IgnoreFailures {
				p.transition(stateStopped)
			} else {
				p.transition(stateExited)
			}
			return
		}
		p.restartsLeft--
	}

	p.backoffNum++
	var delay time.Duration
	if p.config.RestartDelay.IsSet {
		delay = p.config.RestartDelay.Value
	} else {
		p.backoffTime = nextBackoff(p.config, p.backoffTime)
		delay = p.backoffTime + p.jitter(p.backoffTime)
	}
	logger.Noticef("Service %q waiting ~%s before restart (attempt %d)", p.config.Name, delay, p.backoffNum)
	p.transition(stateBackoff)
	time.AfterFunc(delay, func() { p.backoffElapsed() })
}

func nextBackoff(config *plan.Service, current time.Duration) time.Duration {
	if current == 0 {
		return config.BackoffDelayOrDefault()
	}
	limit := config.BackoffLimitOrDefault()
	if current >= limit {
		return limit
	}
	next := time.Duration(current.Seconds() * config.BackoffFactorOrDefault() * float64(time.Second))
	if next > limit {
		next = limit
	}
	return next
}

func (p *Process) jitter(d time.Duration) time.Duration {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return time.Duration(p.rnd.Float64() * 0.1 * float64(d))
}

func (p *Process) backoffElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateBackoff {
		return
	}
	if err := p.startInternal(); err != nil {
		logger.Noticef("Service %q: restart failed: %v", p.config.Name, err)
		p.transition(stateStopped)
		return
	}
	p.transition(stateRunning)
}

func (p *Process) backoffResetElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	p.backoffNum = 0
	p.backoffTime = 0
	if limit, unlimited := p.config.RestartsAllowed(); !unlimited {
		p.restartsLeft = limit
	}
}

// markStarted is called by a discipline once it considers the process
// successfully up (after startup_pause for simple, after READY=1 for
// notify, once the pid file appears for forking). A oneshot run that exits
// 0 is reported as started by handleExit instead.
func (p *Process) markStarted(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateStarting {
		return
	}
	p.started <- err
	if err == nil {
		p.transition(stateRunning)
	}
}

// Stop asks the process to terminate, sending SIGTERM then SIGKILL
// (stop then kill-delay escalation).
func (p *Process) Stop() error {
	p.mu.Lock()

	switch p.state {
	case stateStarting:
		p.started <- fmt.Errorf("stopped before the %s okay delay", okayDelay)
		fallthrough
	case stateRunning:
		sig := p.config.StopSignal.Value
		if !p.config.StopSignal.IsSet {
			sig = syscall.SIGTERM
		}
		logger.Debugf("Stopping service %q by sending %v", p.config.Name, sig)
		if p.cmd != nil && p.cmd.Process != nil {
			if err := unix.Kill(-p.cmd.Process.Pid, sig); err != nil {
				logger.Noticef("Cannot signal process group for %q: %v", p.config.Name, err)
			}
		}
		if pid := p.adoptedPid; pid != 0 {
			// The detached pid (forking's daemon, notify's MAINPID) may have
			// left the launcher's process group; signal it directly too,
			// ignoring a lookup failure if it's already gone.
			if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
				logger.Noticef("Cannot signal detached pid %d for %q: %v", pid, p.config.Name, err)
			}
		}
		p.transition(stateTerminating)
		time.AfterFunc(p.config.KillDelayOrDefault(), func() { p.terminateElapsed() })
		p.mu.Unlock()
		err := <-p.stopped
		return err

	case stateBackoff:
		logger.Noticef("Service %q stopped while waiting for backoff", p.config.Name)
		p.stopped <- nil
		p.transition(stateStopped)
		p.mu.Unlock()
		return nil

	default:
		p.mu.Unlock()
		return nil
	}
}

func (p *Process) terminateElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateTerminating {
		return
	}
	logger.Debugf("Service %q still running, sending SIGKILL", p.config.Name)
	if p.cmd != nil && p.cmd.Process != nil {
		if err := unix.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			logger.Noticef("Cannot send SIGKILL to %q: %v", p.config.Name, err)
		}
	}
	if pid := p.adoptedPid; pid != 0 {
		if err := unix.Kill(pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
			logger.Noticef("Cannot send SIGKILL to detached pid %d for %q: %v", pid, p.config.Name, err)
		}
	}
	p.transition(stateKilling)
	time.AfterFunc(failDelay, func() { p.killElapsed() })
}

func (p *Process) killElapsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateKilling {
		return
	}
	logger.Noticef("Service %q still running after SIGTERM and SIGKILL", p.config.Name)
	p.stopped <- fmt.Errorf("process still running after SIGTERM and SIGKILL")
	p.transition(stateStopped)
}

// Signal sends an arbitrary signal to the exec'd process while the service
// is starting or running.
func (p *Process) Signal(sig unix.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateStarting, stateRunning:
		if p.cmd == nil || p.cmd.Process == nil {
			return chaperrors.Processf("service %q has no running process", p.config.Name)
		}
		return unix.Kill(p.cmd.Process.Pid, sig)
	default:
		return chaperrors.Processf("service %q is not running", p.config.Name)
	}
}
