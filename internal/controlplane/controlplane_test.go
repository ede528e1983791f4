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

package controlplane_test

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/controlplane"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) TestExecuteUnknownCommand(c *C) {
	srv := controlplane.New()
	_, err := srv.Execute("bogus")
	c.Assert(err, ErrorMatches, `unknown command "bogus"`)
}

func (s *S) TestExecuteEmptyLine(c *C) {
	srv := controlplane.New()
	_, err := srv.Execute("")
	c.Assert(err, NotNil)
}

func (s *S) TestExecuteDispatchesToHandler(c *C) {
	srv := controlplane.New()
	srv.AddCommand(&controlplane.Command{
		Name: "status",
		Handler: func(_ any, positional []string) (string, error) {
			return "ok", nil
		},
	})
	reply, err := srv.Execute("status")
	c.Assert(err, IsNil)
	c.Assert(reply, Equals, "ok")
}

func (s *S) TestExecuteRecoversHandlerPanicAsException(c *C) {
	srv := controlplane.New()
	srv.AddCommand(&controlplane.Command{
		Name: "boom",
		Handler: func(_ any, _ []string) (string, error) {
			panic("kaboom")
		},
	})
	_, err := srv.Execute("boom")
	c.Assert(err, NotNil)
	c.Assert(controlplane.IsException(err), Equals, true)
}

func (s *S) TestAddCommandDuplicatePanics(c *C) {
	srv := controlplane.New()
	cmd := &controlplane.Command{Name: "x", Handler: func(_ any, _ []string) (string, error) { return "", nil }}
	srv.AddCommand(cmd)
	c.Assert(func() { srv.AddCommand(cmd) }, PanicMatches, `command "x" already registered`)
}

func (s *S) TestFormatStatusAlignsColumns(c *C) {
	out := controlplane.FormatStatus([][]string{
		{"PID", "SERVICE", "STATUS"},
		{"120", "a.service", "running"},
		{"7", "longer-name.service", "stopped"},
	})
	c.Assert(out, Equals, ""+
		"PID  SERVICE              STATUS\n"+
		"120  a.service            running\n"+
		"7    longer-name.service  stopped")
}

func (s *S) TestExecuteParsesOptionsFreshPerCall(c *C) {
	type opts struct {
		Force bool `long:"force"`
	}
	srv := controlplane.New()
	srv.AddCommand(&controlplane.Command{
		Name:    "stop",
		Options: func() any { return &opts{} },
		Handler: func(parsed any, positional []string) (string, error) {
			return fmt.Sprintf("force=%v args=%v", parsed.(*opts).Force, positional), nil
		},
	})
	reply, err := srv.Execute("stop --force a.service")
	c.Assert(err, IsNil)
	c.Assert(reply, Equals, "force=true args=[a.service]")

	// A later invocation must not inherit the earlier --force.
	reply, err = srv.Execute("stop a.service")
	c.Assert(err, IsNil)
	c.Assert(reply, Equals, "force=false args=[a.service]")
}

func (s *S) TestSocketRequestResponseRoundTrip(c *C) {
	srv := controlplane.New()
	srv.AddCommand(&controlplane.Command{
		Name: "echo",
		Handler: func(_ any, positional []string) (string, error) {
			if len(positional) == 0 {
				return "", fmt.Errorf("need an argument")
			}
			return positional[0], nil
		},
	})

	sockPath := filepath.Join(c.MkDir(), "chaperone.sock")
	c.Assert(srv.ListenSocket(sockPath), IsNil)
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	c.Assert(err, IsNil)
	defer conn.Close()

	fmt.Fprintln(conn, "echo hello")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	status, err := r.ReadString('\n')
	c.Assert(err, IsNil)
	c.Assert(status, Equals, "RESULT\n")
	body, err := r.ReadString('\n')
	c.Assert(err, IsNil)
	c.Assert(body, Equals, "hello\n")
}

func (s *S) TestSocketCommandErrorReply(c *C) {
	srv := controlplane.New()
	srv.AddCommand(&controlplane.Command{
		Name: "echo",
		Handler: func(_ any, positional []string) (string, error) {
			if len(positional) == 0 {
				return "", fmt.Errorf("need an argument")
			}
			return positional[0], nil
		},
	})

	sockPath := filepath.Join(c.MkDir(), "chaperone.sock")
	c.Assert(srv.ListenSocket(sockPath), IsNil)
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	c.Assert(err, IsNil)
	defer conn.Close()

	fmt.Fprintln(conn, "echo")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	status, err := r.ReadString('\n')
	c.Assert(err, IsNil)
	c.Assert(status, Equals, "COMMAND-ERROR\n")
}
