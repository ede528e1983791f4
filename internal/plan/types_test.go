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

package plan_test

import (
	"syscall"

	. "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/garywiz/chaperone/internal/plan"
)

func (s *S) TestServiceTypeValid(c *C) {
	c.Check(plan.TypeSimple.Valid(), Equals, true)
	c.Check(plan.TypeOneshot.Valid(), Equals, true)
	c.Check(plan.TypeForking.Valid(), Equals, true)
	c.Check(plan.TypeNotify.Valid(), Equals, true)
	c.Check(plan.TypeCron.Valid(), Equals, true)
	c.Check(plan.TypeInetd.Valid(), Equals, true)
	c.Check(plan.ServiceType("bogus").Valid(), Equals, false)
}

func (s *S) TestOptionalDurationUnmarshal(c *C) {
	var o plan.OptionalDuration
	err := yaml.Unmarshal([]byte(`"10s"`), &o)
	c.Assert(err, IsNil)
	c.Check(o.IsSet, Equals, true)
	c.Check(o.Value.Seconds(), Equals, 10.0)
}

func (s *S) TestOptionalDurationRejectsNonString(c *C) {
	var o plan.OptionalDuration
	err := yaml.Unmarshal([]byte(`10`), &o)
	c.Assert(err, ErrorMatches, `.*must be a YAML string.*`)
}

func (s *S) TestOptionalDurationZeroValueIsUnset(c *C) {
	var o plan.OptionalDuration
	c.Check(o.IsZero(), Equals, true)
	o.IsSet = true
	c.Check(o.IsZero(), Equals, false)
}

func (s *S) TestOptionalSignalUnmarshal(c *C) {
	var o plan.OptionalSignal
	err := yaml.Unmarshal([]byte(`"SIGTERM"`), &o)
	c.Assert(err, IsNil)
	c.Check(o.IsSet, Equals, true)
	c.Check(o.Value, Equals, syscall.Signal(syscall.SIGTERM))
	c.Check(o.Name, Equals, "SIGTERM")
}

func (s *S) TestOptionalSignalRejectsUnknownName(c *C) {
	var o plan.OptionalSignal
	err := yaml.Unmarshal([]byte(`"SIGBOGUS"`), &o)
	c.Assert(err, ErrorMatches, `.*unknown signal.*`)
}

func (s *S) TestOptionalFloatUnmarshal(c *C) {
	var o plan.OptionalFloat
	err := yaml.Unmarshal([]byte(`1.5`), &o)
	c.Assert(err, IsNil)
	c.Check(o.IsSet, Equals, true)
	c.Check(o.Value, Equals, 1.5)
}

func (s *S) TestOptionalDurationMarshalRoundTrip(c *C) {
	o := plan.OptionalDuration{}
	out, err := o.MarshalYAML()
	c.Assert(err, IsNil)
	c.Check(out, IsNil)
}
