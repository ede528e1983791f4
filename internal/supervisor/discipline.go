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

package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/plan"
)

// discipline captures the one or two hooks that vary across the six
// process types. Rather than deep per-type subclasses, each discipline is a
// small value composed into the generic Process state machine.
type discipline interface {
	// onStarted runs right after the process is exec'd, still holding
	// p.mu, so it must not call back into Process methods that also take
	// p.mu. Every discipline here returns at once; forking waits for its
	// pid file in awaitStarted instead.
	onStarted(p *Process) error

	// awaitStarted arranges for markStarted to eventually be called, once
	// the discipline considers the service up. Runs without p.mu held.
	awaitStarted(p *Process)
}

func disciplineFor(t plan.ServiceType) discipline {
	switch t {
	case plan.TypeOneshot:
		return oneshotDiscipline{}
	case plan.TypeForking:
		return forkingDiscipline{}
	case plan.TypeNotify:
		return notifyDiscipline{}
	case plan.TypeCron, plan.TypeInetd:
		// Cron and inetd services are driven externally (by the scheduler
		// or listener below), not by Process.Start directly; they reuse
		// the oneshot discipline for each individual run/connection.
		return oneshotDiscipline{}
	default:
		return simpleDiscipline{}
	}
}

// simpleDiscipline is the default: the process is considered started if it
// survives startup_pause without exiting.
type simpleDiscipline struct{}

func (simpleDiscipline) onStarted(p *Process) error { return nil }

func (simpleDiscipline) awaitStarted(p *Process) {
	time.AfterFunc(p.config.StartupPauseOrDefault(), func() {
		p.markStarted(nil)
	})
}

// oneshotDiscipline waits for the command to actually run to completion
// (exit 0) before the service counts as started, since a oneshot's whole
// point is the work it does before exiting, not staying resident. A run
// that overstays process_timeout is terminated, unless ignore_failures
// downgrades that into a quiet "consider it started anyway".
type oneshotDiscipline struct{}

func (oneshotDiscipline) onStarted(p *Process) error { return nil }

func (oneshotDiscipline) awaitStarted(p *Process) {
	timeout := p.config.ProcessTimeoutOrDefault()
	go func() {
		select {
		case <-p.doneCh:
			// The run already completed; handleExit has (or will have)
			// delivered its outcome on p.started.
		case <-time.After(timeout):
			logger.Noticef("Service %q did not finish within process_timeout %s", p.config.Name, timeout)
			if p.config.IgnoreFailures {
				p.markStarted(nil)
				return
			}
			_ = p.Stop()
		}
	}()
}

// forkingDiscipline expects the launched command to fork into the
// background and exit quickly, writing its real child's pid to pid_file.
// The supervisor re-homes its wait bookkeeping onto that pid once it shows
// up, matching forking's "the process we started is not the process we
// supervise" semantics.
type forkingDiscipline struct{}

func (forkingDiscipline) onStarted(p *Process) error { return nil }

func (forkingDiscipline) awaitStarted(p *Process) {
	go func() {
		pid, err := waitForPIDFile(p.config.PIDFile, p.config.ProcessTimeoutOrDefault())
		if err != nil {
			p.markStarted(fmt.Errorf("forking service %q never wrote a pid file: %w", p.config.Name, err))
			return
		}
		logger.Debugf("Forking service %q daemonized as pid %d", p.config.Name, pid)
		p.AdoptPID(pid)
		p.markStarted(nil)
	}()
}

// waitForPIDFile polls path with exponential backoff (starting at 20ms,
// capped at 3s) until a valid pid shows up or timeout elapses.
func waitForPIDFile(path string, timeout time.Duration) (int, error) {
	if path == "" {
		return 0, chaperrors.Processf("no pid_file configured")
	}
	deadline := time.Now().Add(timeout)
	delay := 20 * time.Millisecond
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			pid, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
			if convErr == nil && pid > 0 {
				return pid, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, chaperrors.Processf("timed out waiting for pid file %q: %v", path, syscall.ENOENT)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > 3*time.Second {
			delay = 3 * time.Second
		}
	}
}

// notifyDiscipline waits for a READY=1 datagram on the service's notify
// socket instead of using okayDelay, matching the sd_notify readiness
// protocol.
type notifyDiscipline struct{}

func (notifyDiscipline) onStarted(p *Process) error { return nil }

func (notifyDiscipline) awaitStarted(p *Process) {
	timeout := p.config.ReadyTimeout.Value
	if !p.config.ReadyTimeout.IsSet {
		timeout = 30 * time.Second
	}
	ready := p.notifyReady
	if ready == nil {
		// No notify wiring configured for this process; fall back to the
		// simple okay-delay behavior rather than hanging forever.
		time.AfterFunc(okayDelay, func() { p.markStarted(nil) })
		return
	}
	go func() {
		select {
		case err := <-ready:
			p.markStarted(err)
		case <-time.After(timeout):
			p.markStarted(fmt.Errorf("service %q did not send READY=1 within %s", p.config.Name, timeout))
		}
	}()
}
