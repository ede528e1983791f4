// Copyright (c) 2014-2020 Canonical Ltd
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

package notifysock_test

import (
	"net"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/notifysock"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) TestParseReady(c *C) {
	m := notifysock.Parse([]byte("READY=1\nSTATUS=all good"))
	c.Assert(m.Ready, Equals, true)
	c.Assert(m.Status, Equals, "all good")
}

func (s *S) TestParseMainPID(c *C) {
	m := notifysock.Parse([]byte("MAINPID=4321"))
	c.Assert(m.HasPID, Equals, true)
	c.Assert(m.MainPID, Equals, 4321)
}

func (s *S) TestParseErrno(c *C) {
	m := notifysock.Parse([]byte("ERRNO=5"))
	c.Assert(m.HasErrno, Equals, true)
	c.Assert(m.Errno, Equals, 5)
}

func (s *S) TestParseIgnoresMalformedLines(c *C) {
	m := notifysock.Parse([]byte("garbage\nREADY=1"))
	c.Assert(m.Ready, Equals, true)
}

func (s *S) TestServerRoundTrip(c *C) {
	srv, err := notifysock.Listen("probe.service")
	c.Assert(err, IsNil)
	defer srv.Close()

	received := make(chan notifysock.Message, 1)
	go srv.Serve(func(m notifysock.Message) { received <- m })

	raddr := &net.UnixAddr{Name: srv.Address(), Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	c.Assert(err, IsNil)
	defer conn.Close()

	_, err = conn.Write([]byte("READY=1"))
	c.Assert(err, IsNil)

	select {
	case m := <-received:
		c.Assert(m.Ready, Equals, true)
	case <-time.After(2 * time.Second):
		c.Fatal("notify datagram was never delivered")
	}
}
