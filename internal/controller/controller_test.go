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

package controller

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/plan"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func newTestController(c *C) *Controller {
	env := envexpand.New()
	env.Set("PATH", "/usr/bin:/bin")
	ctrl := New(Config{}, &plan.Plan{}, env)
	err := ctrl.reaper.Start()
	c.Assert(err, IsNil)
	return ctrl
}

func (s *S) TestDisabledServiceIsMarkedWithoutSpawning(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	svc := &plan.Service{
		Name:    "disabled.service",
		Type:    plan.TypeSimple,
		Command: "/no/such/binary",
		Enabled: plan.OptionalBool{Value: false, IsSet: true},
	}
	err := ctrl.startService(svc)
	c.Assert(err, IsNil)

	ctrl.mu.Lock()
	entry, ok := ctrl.services[svc.Name]
	ctrl.mu.Unlock()
	c.Assert(ok, Equals, true)
	c.Check(entry.enabled, Equals, false)
	c.Check(entry.proc, IsNil)
}

func (s *S) TestOptionalServiceWithMissingExecutableIsDisabledNotFatal(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	svc := &plan.Service{
		Name:     "maybe.service",
		Type:     plan.TypeSimple,
		Command:  "/no/such/binary-chaperone-test",
		Optional: true,
	}
	err := ctrl.startService(svc)
	c.Assert(err, IsNil)

	ctrl.mu.Lock()
	entry, ok := ctrl.services[svc.Name]
	ctrl.mu.Unlock()
	c.Assert(ok, Equals, true)
	c.Check(entry.enabled, Equals, false)
}

func (s *S) TestNonOptionalMissingExecutableFailsStart(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	svc := &plan.Service{
		Name:    "required.service",
		Type:    plan.TypeSimple,
		Command: "/no/such/binary-chaperone-test",
	}
	err := ctrl.startService(svc)
	c.Assert(err, NotNil)
}

func (s *S) TestDependenciesRendersDepthOffsetHistogram(c *C) {
	p := &plan.Plan{Services: map[string]*plan.Service{
		"a.service": {Name: "a.service", Type: plan.TypeSimple, Command: "/bin/a"},
		"b.service": {Name: "b.service", Type: plan.TypeSimple, Command: "/bin/b", After: []string{"a.service"}},
		"c.service": {Name: "c.service", Type: plan.TypeSimple, Command: "/bin/c", After: []string{"b.service"}},
	}}
	ctrl := New(Config{}, p, envexpand.New())
	out, err := ctrl.Dependencies()
	c.Assert(err, IsNil)
	c.Check(out, Equals, ""+
		"a.service  #\n"+
		"b.service    #\n"+
		"c.service      #")
}

func (s *S) TestStatusReportsPidAndSortsByName(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	ctrl.mu.Lock()
	ctrl.services["b.service"] = &serviceEntry{config: &plan.Service{Name: "b.service"}, enabled: true}
	ctrl.services["a.service"] = &serviceEntry{config: &plan.Service{Name: "a.service"}, enabled: false}
	ctrl.mu.Unlock()

	rows := ctrl.Status()
	c.Assert(rows, HasLen, 2)
	c.Check(rows[0].Name, Equals, "a.service")
	c.Check(rows[0].Enabled, Equals, false)
	c.Check(rows[0].Pid, Equals, 0)
	c.Check(rows[1].Name, Equals, "b.service")
	c.Check(rows[1].Status, Equals, "scheduled")
}

func (s *S) TestInvalidCronScheduleDisablesServiceOnly(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	svc := &plan.Service{
		Name:     "tick.service",
		Type:     plan.TypeCron,
		Command:  "/bin/true",
		Schedule: "not a cron spec",
	}
	err := ctrl.startService(svc)
	c.Assert(err, IsNil)

	ctrl.mu.Lock()
	entry, ok := ctrl.services[svc.Name]
	ctrl.mu.Unlock()
	c.Assert(ok, Equals, true)
	c.Check(entry.enabled, Equals, false)
	c.Check(entry.sched, IsNil)
}

func (s *S) TestInvalidInetdListenDisablesServiceOnly(c *C) {
	ctrl := newTestController(c)
	defer ctrl.reaper.Stop()

	svc := &plan.Service{
		Name:    "echo.service",
		Type:    plan.TypeInetd,
		Command: "/bin/cat",
		Listen:  "no-network-prefix",
	}
	err := ctrl.startService(svc)
	c.Assert(err, IsNil)

	ctrl.mu.Lock()
	entry, ok := ctrl.services[svc.Name]
	ctrl.mu.Unlock()
	c.Assert(ok, Equals, true)
	c.Check(entry.enabled, Equals, false)
}
