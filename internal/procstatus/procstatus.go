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

// Package procstatus wraps the 16-bit POSIX wait() status word, decoded on
// demand.
package procstatus

import "golang.org/x/sys/unix"

// ProcStatus decodes a unix.WaitStatus, with an optional errno override for
// notify-originated failures (an ERRNO=n datagram received instead of a
// kernel exit).
type ProcStatus struct {
	raw         unix.WaitStatus
	errnoOverride *int
	note          string
}

// FromWaitStatus wraps a raw wait() status.
func FromWaitStatus(ws unix.WaitStatus) ProcStatus {
	return ProcStatus{raw: ws}
}

// WithErrno returns a copy of p with an errno override applied, used when a
// notify-type service reports ERRNO=n or BUSERROR over its notify socket
// instead of actually exiting.
func (p ProcStatus) WithErrno(errno int) ProcStatus {
	p.errnoOverride = &errno
	return p
}

// WithNote attaches a free-form status note (from a notify STATUS=s
// datagram) that's surfaced in `telchap status` output.
func (p ProcStatus) WithNote(note string) ProcStatus {
	p.note = note
	return p
}

func (p ProcStatus) Note() string { return p.note }

func (p ProcStatus) Exited() bool   { return p.errnoOverride == nil && p.raw.Exited() }
func (p ProcStatus) Signaled() bool { return p.errnoOverride == nil && p.raw.Signaled() }
func (p ProcStatus) Stopped() bool  { return p.errnoOverride == nil && p.raw.Stopped() }

// ExitStatus returns the process's exit code, or the errno override if one
// was set.
func (p ProcStatus) ExitStatus() int {
	if p.errnoOverride != nil {
		return *p.errnoOverride
	}
	return p.raw.ExitStatus()
}

// Signal returns the terminating signal, if any.
func (p ProcStatus) Signal() unix.Signal {
	if p.errnoOverride != nil {
		return 0
	}
	return p.raw.Signal()
}

// NormalExit reports exit_status == 0 && !signaled, unless an
// errno override is present, in which case a zero errno still counts as
// abnormal (an explicit ERRNO=0 report is unusual but not a success
// signal).
func (p ProcStatus) NormalExit() bool {
	if p.errnoOverride != nil {
		return false
	}
	return p.raw.Exited() && p.raw.ExitStatus() == 0
}

// Errno returns the overridden errno and whether one was set.
func (p ProcStatus) Errno() (int, bool) {
	if p.errnoOverride == nil {
		return 0, false
	}
	return *p.errnoOverride, true
}
