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

package osutil

import "os/user"

// SetUserLookupsForTest overrides the os/user lookup hooks used by
// NormalizeUidGid; a nil argument leaves that hook unchanged. The returned
// function restores the hooks that were in place before the call.
// Exported for osutil_test only.
func SetUserLookupsForTest(byName func(string) (*user.User, error), byId func(string) (*user.User, error), byGroup func(string) (*user.Group, error)) (restore func()) {
	prevLookup, prevLookupId, prevLookupGroup := userLookup, userLookupId, userLookupGroup
	if byName != nil {
		userLookup = byName
	}
	if byId != nil {
		userLookupId = byId
	}
	if byGroup != nil {
		userLookupGroup = byGroup
	}
	return func() {
		userLookup, userLookupId, userLookupGroup = prevLookup, prevLookupId, prevLookupGroup
	}
}
