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

// Package osutil collects the small OS-facing helpers chaperone needs:
// resolving a service's configured uid/gid/user/group into a concrete
// (uid, gid) pair, and applying it to an exec.Cmd. Grounded on the
// pebble's internals/osutil/user.go.
package osutil

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

var (
	userLookup      = user.Lookup
	userLookupId    = user.LookupId
	userLookupGroup = user.LookupGroup
)

// NormalizeUidGid resolves the given uid/gid/user/group combination (as
// found on a ServiceConfig) into a concrete (uid, gid) pair. If both a
// numeric id and a name are given, they must agree. If only a user is
// given, the user's primary group is used.
func NormalizeUidGid(uid, gid *int, username, group string) (*int, *int, error) {
	if uid == nil && username == "" && gid == nil && group == "" {
		return nil, nil, nil
	}
	if username != "" {
		u, err := userLookup(username)
		if err != nil {
			return nil, nil, err
		}
		n, _ := strconv.Atoi(u.Uid)
		if uid != nil && *uid != n {
			return nil, nil, fmt.Errorf("user %q uid (%d) does not match configured uid (%d)", username, n, *uid)
		}
		uid = &n
	}
	if group != "" {
		g, err := userLookupGroup(group)
		if err != nil {
			return nil, nil, err
		}
		n, _ := strconv.Atoi(g.Gid)
		if gid != nil && *gid != n {
			return nil, nil, fmt.Errorf("group %q gid (%d) does not match configured gid (%d)", group, n, *gid)
		}
		gid = &n
	}
	if gid == nil {
		if uid == nil {
			return nil, nil, fmt.Errorf("internal error: uid unexpectedly nil")
		}
		info, err := userLookupId(strconv.Itoa(*uid))
		if err != nil {
			return nil, nil, err
		}
		n, _ := strconv.Atoi(info.Gid)
		gid = &n
	}
	if uid == nil {
		return nil, nil, fmt.Errorf("group specified without a user")
	}
	return uid, gid, nil
}

// HomeDir resolves the home directory for uid (nil meaning the current
// process's own user), for the "chdir(home) when no explicit directory is
// set" fallback.
func HomeDir(uid *int) (string, error) {
	if uid == nil {
		u, err := user.Current()
		if err != nil {
			return "", err
		}
		return u.HomeDir, nil
	}
	u, err := userLookupId(strconv.Itoa(*uid))
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// IsCurrent reports whether (uid, gid) matches the process's own
// credentials, so callers can skip a redundant setuid/setgid.
func IsCurrent(uid, gid int) bool {
	return uid == syscall.Getuid() && gid == syscall.Getgid()
}

// ApplyCredential configures attr to run as uid/gid, unless that's already
// the current process's identity.
func ApplyCredential(attr *syscall.SysProcAttr, uid, gid *int) *syscall.SysProcAttr {
	if uid == nil || gid == nil {
		return attr
	}
	if IsCurrent(*uid, *gid) {
		return attr
	}
	if attr == nil {
		attr = &syscall.SysProcAttr{}
	}
	attr.Credential = &syscall.Credential{Uid: uint32(*uid), Gid: uint32(*gid)}
	return attr
}
