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

package envexpand

import (
	"os/exec"
	"syscall"
)

// applyCredential sets cmd to run as the given uid/gid, used for backtick
// shell-out expansion (runs under the environment's configured uid/gid).
func applyCredential(cmd *exec.Cmd, uid, gid *int) {
	if uid == nil || gid == nil {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(*uid), Gid: uint32(*gid)},
	}
}
