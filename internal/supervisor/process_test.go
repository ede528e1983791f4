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

package supervisor_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/reaper"
	"github.com/garywiz/chaperone/internal/supervisor"
)

func Test(t *testing.T) { TestingT(t) }

type S struct {
	reaper *reaper.Reaper
	env    *envexpand.Environment
}

var _ = Suite(&S{})

func (s *S) SetUpTest(c *C) {
	s.reaper = reaper.New(nil)
	if err := s.reaper.Start(); err != nil {
		c.Fatalf("cannot start reaper: %v", err)
	}
	s.env = envexpand.New()
	s.env.Set("PATH", "/usr/bin:/bin")
}

func (s *S) TearDownTest(c *C) {
	s.reaper.Stop()
}

type captureRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *captureRestarter) RequestShutdown(reason string, failure bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *captureRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func (s *S) TestOneshotSuccessIgnoreStopsCleanly(c *C) {
	svc := &plan.Service{
		Name:      "work.service",
		Type:      plan.TypeOneshot,
		Command:   "true",
		OnSuccess: plan.ActionIgnore,
		OnFailure: plan.ActionIgnore,
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	err := proc.Start()
	c.Assert(err, IsNil)

	waitDone(c, proc)
	c.Check(proc.Status(), Equals, supervisor.StatusStopped)
}

func (s *S) TestOneshotFailureIgnoreReportsError(c *C) {
	svc := &plan.Service{
		Name:      "work.service",
		Type:      plan.TypeOneshot,
		Command:   "false",
		OnSuccess: plan.ActionIgnore,
		OnFailure: plan.ActionIgnore,
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	err := proc.Start()
	c.Assert(err, NotNil)

	waitDone(c, proc)
	c.Check(proc.Status(), Equals, supervisor.StatusError)
}

func (s *S) TestExitKillsTurnsIgnoreIntoShutdown(c *C) {
	restarter := &captureRestarter{}
	svc := &plan.Service{
		Name:      "work.service",
		Type:      plan.TypeOneshot,
		Command:   "true",
		OnSuccess: plan.ActionIgnore,
		OnFailure: plan.ActionIgnore,
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, restarter)
	proc.SetExitKills(true)
	err := proc.Start()
	c.Assert(err, IsNil)

	waitDone(c, proc)
	c.Check(restarter.count(), Equals, 1)
}

func (s *S) TestSimpleServiceRestartsAfterBackoff(c *C) {
	svc := &plan.Service{
		Name:         "flaky.service",
		Type:         plan.TypeSimple,
		Command:      "false",
		Restart:      true,
		BackoffDelay: plan.OptionalDuration{Value: 5 * time.Millisecond, IsSet: true},
		BackoffLimit: plan.OptionalDuration{Value: 20 * time.Millisecond, IsSet: true},
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	// The command fails immediately, so the first exit is observed while
	// still "starting"; Start returns the discipline's resulting error,
	// but the process keeps retrying in the background via backoff.
	_ = proc.Start()

	deadline := time.Now().Add(2 * time.Second)
	for proc.Status() != supervisor.StatusBackoff && proc.Status() != supervisor.StatusActive {
		if time.Now().After(deadline) {
			c.Fatalf("service never entered backoff/active, stuck at %v", proc.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *S) TestRestartLimitExhaustionStopsRetrying(c *C) {
	limit := 2
	svc := &plan.Service{
		Name:         "flaky.service",
		Type:         plan.TypeSimple,
		Command:      "false",
		Restart:      true,
		RestartLimit: &limit,
		RestartDelay: plan.OptionalDuration{Value: 0, IsSet: true},
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	_ = proc.Start()

	waitDone(c, proc)
	c.Check(proc.Status(), Equals, supervisor.StatusError)
}

func (s *S) TestRestartLimitIgnoreFailuresStopsQuietly(c *C) {
	limit := 1
	svc := &plan.Service{
		Name:           "flaky.service",
		Type:           plan.TypeSimple,
		Command:        "false",
		Restart:        true,
		RestartLimit:   &limit,
		RestartDelay:   plan.OptionalDuration{Value: 0, IsSet: true},
		IgnoreFailures: true,
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	_ = proc.Start()

	waitDone(c, proc)
	c.Check(proc.Status(), Equals, supervisor.StatusStopped)
}

func (s *S) TestMissingExecutableReturnsNotFoundError(c *C) {
	svc := &plan.Service{
		Name:    "ghost.service",
		Type:    plan.TypeSimple,
		Command: "/no/such/binary-chaperone-test",
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	err := proc.Start()
	c.Assert(err, NotNil)
	var notFound *chaperrors.NotFoundError
	c.Check(errors.As(err, &notFound), Equals, true)
}

func (s *S) TestSimpleServiceHonoursStartupPause(c *C) {
	svc := &plan.Service{
		Name:         "slow-start.service",
		Type:         plan.TypeSimple,
		Command:      "sleep 1",
		StartupPause: plan.OptionalDuration{Value: 30 * time.Millisecond, IsSet: true},
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	start := time.Now()
	err := proc.Start()
	c.Assert(err, IsNil)
	elapsed := time.Since(start)
	c.Check(elapsed >= 30*time.Millisecond, Equals, true)
	c.Check(proc.Status(), Equals, supervisor.StatusActive)
	_ = proc.Stop()
}

func (s *S) TestCommandExpandsServiceBookkeepingVariables(c *C) {
	out := filepath.Join(c.MkDir(), "out")
	svc := &plan.Service{
		Name:      "probe.service",
		Type:      plan.TypeOneshot,
		Command:   fmt.Sprintf(`sh -c 'printf %%s $(_CHAP_SERVICE):$(_CHAP_SERVICE_SERIAL) > %s'`, out),
		OnSuccess: plan.ActionIgnore,
		OnFailure: plan.ActionIgnore,
	}
	proc := supervisor.NewProcess(svc, s.env, s.reaper, nil, nil)
	c.Assert(proc.Start(), IsNil)
	waitDone(c, proc)

	data, err := os.ReadFile(out)
	c.Assert(err, IsNil)
	c.Check(string(data), Equals, "probe.service:1")
}

// waitDone blocks on proc.Wait() with a generous timeout so a hung test
// fails fast instead of stalling the suite.
func waitDone(c *C, proc *supervisor.Process) {
	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.Fatalf("process never reached a terminal state")
	}
}
