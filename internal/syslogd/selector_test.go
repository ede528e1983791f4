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

package syslogd_test

import (
	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/syslogd"
)

type SelectorSuite struct{}

var _ = Suite(&SelectorSuite{})

func cronInfo() syslogd.Message {
	return syslogd.Message{Facility: syslogd.FacilityCron, Priority: syslogd.PriInfo, Tag: "cron"}
}

func (s *SelectorSuite) TestWildcardMatchesEverything(c *C) {
	sel, err := syslogd.CompileSelector("*.*")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, true)
}

func (s *SelectorSuite) TestAtOrAboveSeverity(c *C) {
	sel, err := syslogd.CompileSelector("daemon.warning")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriErr}), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriNotice}), Equals, false)
}

func (s *SelectorSuite) TestExactSeverity(c *C) {
	sel, err := syslogd.CompileSelector("daemon.=warning")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriWarning}), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriErr}), Equals, false)
}

func (s *SelectorSuite) TestCommaSeparatedFacilityList(c *C) {
	sel, err := syslogd.CompileSelector("cron,mail.info")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityMail, Priority: syslogd.PriInfo}), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriInfo}), Equals, false)
}

func (s *SelectorSuite) TestNegatedTagExcludesCron(c *C) {
	// The spec's worked example: "info or higher, but nothing from cron".
	sel, err := syslogd.CompileSelector("*.info;![cron].*")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, false)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriInfo}), Equals, true)
}

func (s *SelectorSuite) TestBracketedTagMatchesExactly(c *C) {
	sel, err := syslogd.CompileSelector("[cron].*")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityCron, Priority: syslogd.PriInfo, Tag: "other"}), Equals, false)
}

func (s *SelectorSuite) TestRegexClauseMatchesTag(c *C) {
	sel, err := syslogd.CompileSelector("/^cro/.*")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityCron, Priority: syslogd.PriInfo, Tag: "other"}), Equals, false)
}

func (s *SelectorSuite) TestNegatedPriorityFlipsComparison(c *C) {
	sel, err := syslogd.CompileSelector("daemon.!info")
	c.Assert(err, IsNil)
	// "!info" negates the at-or-above-info test, so only below-info priorities match.
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriDebug}), Equals, true)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriInfo}), Equals, false)
}

func (s *SelectorSuite) TestSelectorWithOnlyNegativeClauseMatchesNothing(c *C) {
	sel, err := syslogd.CompileSelector("![cron].*")
	c.Assert(err, IsNil)
	c.Assert(sel.Match(cronInfo()), Equals, false)
	c.Assert(sel.Match(syslogd.Message{Facility: syslogd.FacilityDaemon, Priority: syslogd.PriInfo, Tag: "other"}), Equals, false)
}

func (s *SelectorSuite) TestEmptySelectorRejected(c *C) {
	_, err := syslogd.CompileSelector("")
	c.Assert(err, NotNil)
}

func (s *SelectorSuite) TestUnknownFacilityRejected(c *C) {
	_, err := syslogd.CompileSelector("bogus.info")
	c.Assert(err, NotNil)
}

func (s *SelectorSuite) TestUnterminatedRegexRejected(c *C) {
	_, err := syslogd.CompileSelector("/unterminated.info")
	c.Assert(err, NotNil)
}

func (s *SelectorSuite) TestUnterminatedBracketRejected(c *C) {
	_, err := syslogd.CompileSelector("[unterminated.info")
	c.Assert(err, NotNil)
}

func (s *SelectorSuite) TestParsePriorityByNameAndNumber(c *C) {
	pri, err := syslogd.ParsePriority("warning")
	c.Assert(err, IsNil)
	c.Check(pri, Equals, syslogd.PriWarning)

	pri, err = syslogd.ParsePriority("3")
	c.Assert(err, IsNil)
	c.Check(pri, Equals, syslogd.PriErr)

	_, err = syslogd.ParsePriority("loudest")
	c.Assert(err, NotNil)
}
