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
	"bytes"
	"net"
	"os"
	"path/filepath"
	"time"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/syslogd"
)

type RouterSuite struct{}

var _ = Suite(&RouterSuite{})

func (s *RouterSuite) TestConsoleSinkFormatsMessage(c *C) {
	var buf bytes.Buffer
	sink := syslogd.NewConsoleSink(&buf)
	err := sink.Write(syslogd.Message{
		Time:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Host:     "box",
		Facility: syslogd.FacilityDaemon,
		Priority: syslogd.PriInfo,
		Content:  "hello",
	})
	c.Assert(err, IsNil)
	c.Assert(buf.String(), Matches, `.*box daemon\.info: hello\n`)
}

func (s *RouterSuite) TestFileSinkWritesAndReopensOnRotation(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "out.log")
	sink := syslogd.NewFileSink(path)
	defer sink.Close()

	msg := syslogd.Message{Time: time.Now(), Host: "h", Facility: syslogd.FacilityUser, Priority: syslogd.PriInfo, Content: "one"}
	c.Assert(sink.Write(msg), IsNil)

	data, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(string(data), Matches, `(?s).*one\n`)

	// Simulate an external logrotate: remove and recreate the path, which
	// changes its inode out from under the open *os.File.
	c.Assert(os.Remove(path), IsNil)
	c.Assert(os.WriteFile(path, []byte{}, 0644), IsNil)

	msg.Content = "two"
	c.Assert(sink.Write(msg), IsNil)

	data, err = os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(string(data), Matches, `(?s).*two\n`)
}

func (s *RouterSuite) TestRouterEndToEndOverUnixgramSocket(c *C) {
	dir := c.MkDir()
	sockPath := filepath.Join(dir, "log")

	var matched, unmatched bytes.Buffer
	infoRule, err := syslogd.NewRule("daemon.info", syslogd.NewConsoleSink(&matched))
	c.Assert(err, IsNil)
	cronRule, err := syslogd.NewRule("cron.*", syslogd.NewConsoleSink(&unmatched))
	c.Assert(err, IsNil)

	router := syslogd.NewRouter([]syslogd.Rule{infoRule, cronRule})
	c.Assert(router.Listen(sockPath), IsNil)
	defer router.Close()
	go router.Serve()

	conn, err := net.Dial("unixgram", sockPath)
	c.Assert(err, IsNil)
	defer conn.Close()

	_, err = conn.Write([]byte("<28>Jan  2 15:04:05 myhost myapp[1]: did a thing"))
	c.Assert(err, IsNil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && matched.Len() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(matched.String(), Matches, `(?s).*did a thing\n`)
	c.Assert(unmatched.Len(), Equals, 0)
}

func (s *RouterSuite) TestRouterSplitsNulSeparatedFrames(c *C) {
	dir := c.MkDir()
	sockPath := filepath.Join(dir, "log")

	var out bytes.Buffer
	rule, err := syslogd.NewRule("daemon.*", syslogd.NewConsoleSink(&out))
	c.Assert(err, IsNil)
	router := syslogd.NewRouter([]syslogd.Rule{rule})
	c.Assert(router.Listen(sockPath), IsNil)
	defer router.Close()
	go router.Serve()

	conn, err := net.Dial("unixgram", sockPath)
	c.Assert(err, IsNil)
	defer conn.Close()

	datagram := []byte("<30>Jan  2 15:04:05 h a[1]: first\x00<30>Jan  2 15:04:05 h a[1]: second")
	_, err = conn.Write(datagram)
	c.Assert(err, IsNil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(out.Bytes(), []byte("second")) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(out.String(), Matches, `(?s).*first\n.*second\n`)
}

func (s *RouterSuite) TestPriorityFloorDropsLessSevereRecords(c *C) {
	var out bytes.Buffer
	rule, err := syslogd.NewRule("*.*", syslogd.NewConsoleSink(&out))
	c.Assert(err, IsNil)
	router := syslogd.NewRouter([]syslogd.Rule{rule})

	info := syslogd.Message{Time: time.Now(), Facility: syslogd.FacilityDaemon, Priority: syslogd.PriInfo, Content: "info line"}
	warning := syslogd.Message{Time: time.Now(), Facility: syslogd.FacilityDaemon, Priority: syslogd.PriWarning, Content: "warning line"}

	router.Submit(info)
	router.Submit(warning)
	c.Assert(out.String(), Matches, `(?s).*info line\n.*warning line\n`)

	// Raising the floor shrinks the set of routed records; the selectors
	// themselves are untouched.
	out.Reset()
	router.SetMinPriority(syslogd.PriWarning)
	router.Submit(info)
	router.Submit(warning)
	c.Assert(out.String(), Matches, `(?s).*warning line\n`)
	c.Assert(bytes.Contains(out.Bytes(), []byte("info line")), Equals, false)
}

func (s *RouterSuite) TestFileSinkOverwriteTruncatesOnFirstOpenOnly(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "out.log")
	c.Assert(os.WriteFile(path, []byte("stale contents\n"), 0644), IsNil)

	sink := syslogd.NewFileSinkWithOptions(path, syslogd.FileSinkOptions{Overwrite: true})
	defer sink.Close()

	msg := syslogd.Message{Time: time.Now(), Host: "h", Facility: syslogd.FacilityUser, Priority: syslogd.PriInfo, Content: "fresh"}
	c.Assert(sink.Write(msg), IsNil)

	data, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(string(data), Matches, `(?s).*fresh\n`)
	c.Assert(bytes.Contains(data, []byte("stale")), Equals, false)

	msg.Content = "second"
	c.Assert(sink.Write(msg), IsNil)
	data, err = os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(string(data), Matches, `(?s).*fresh\n.*second\n`)
}
