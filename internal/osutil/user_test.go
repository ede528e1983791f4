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

package osutil_test

import (
	"fmt"
	"os/user"
	"syscall"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/osutil"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) TestNormalizeUidGidNoneConfiguredReturnsNil(c *C) {
	uid, gid, err := osutil.NormalizeUidGid(nil, nil, "", "")
	c.Assert(err, IsNil)
	c.Assert(uid, IsNil)
	c.Assert(gid, IsNil)
}

func (s *S) TestNormalizeUidGidByUsernameUsesPrimaryGroup(c *C) {
	restore := osutil.SetUserLookupsForTest(
		func(name string) (*user.User, error) {
			c.Assert(name, Equals, "svc")
			return &user.User{Uid: "1000", Gid: "1000"}, nil
		},
		func(id string) (*user.User, error) {
			c.Assert(id, Equals, "1000")
			return &user.User{Uid: "1000", Gid: "1000"}, nil
		},
		nil,
	)
	defer restore()

	uid, gid, err := osutil.NormalizeUidGid(nil, nil, "svc", "")
	c.Assert(err, IsNil)
	c.Assert(*uid, Equals, 1000)
	c.Assert(*gid, Equals, 1000)
}

func (s *S) TestNormalizeUidGidMismatchedUidErrors(c *C) {
	restore := osutil.SetUserLookupsForTest(
		func(name string) (*user.User, error) {
			return &user.User{Uid: "1000", Gid: "1000"}, nil
		},
		nil, nil,
	)
	defer restore()

	configuredUID := 42
	_, _, err := osutil.NormalizeUidGid(&configuredUID, nil, "svc", "")
	c.Assert(err, ErrorMatches, `.*does not match configured uid.*`)
}

func (s *S) TestNormalizeUidGidGroupWithoutUserErrors(c *C) {
	restore := osutil.SetUserLookupsForTest(nil, nil, func(name string) (*user.Group, error) {
		return nil, fmt.Errorf("unreachable")
	})
	defer restore()
	gid := 5
	_, _, err := osutil.NormalizeUidGid(nil, &gid, "", "")
	c.Assert(err, ErrorMatches, `group specified without a user`)
}

func (s *S) TestHomeDirByUid(c *C) {
	restore := osutil.SetUserLookupsForTest(nil, func(id string) (*user.User, error) {
		c.Assert(id, Equals, "1000")
		return &user.User{Uid: "1000", Gid: "1000", HomeDir: "/home/svc"}, nil
	}, nil)
	defer restore()

	uid := 1000
	home, err := osutil.HomeDir(&uid)
	c.Assert(err, IsNil)
	c.Assert(home, Equals, "/home/svc")
}

func (s *S) TestIsCurrentMatchesOwnProcess(c *C) {
	c.Assert(osutil.IsCurrent(syscall.Getuid(), syscall.Getgid()), Equals, true)
	c.Assert(osutil.IsCurrent(syscall.Getuid()+1, syscall.Getgid()), Equals, false)
}

func (s *S) TestApplyCredentialSkipsCurrentIdentity(c *C) {
	uid, gid := syscall.Getuid(), syscall.Getgid()
	attr := osutil.ApplyCredential(nil, &uid, &gid)
	c.Assert(attr, IsNil)
}

func (s *S) TestApplyCredentialSetsCredentialForOtherIdentity(c *C) {
	uid, gid := syscall.Getuid()+1, syscall.Getgid()
	attr := osutil.ApplyCredential(nil, &uid, &gid)
	c.Assert(attr, NotNil)
	c.Assert(attr.Credential, NotNil)
	c.Assert(int(attr.Credential.Uid), Equals, uid)
}
