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

// Package chaperrors defines chaperone's typed error kinds.
//
// Each kind is a small named struct rather than a sentinel, following
// pebble's convention (plan.FormatError, servstate.LabelExists): callers
// that need to distinguish kinds use errors.As, while everything else just
// treats these as plain errors.
package chaperrors

import "fmt"

// ParameterError indicates a malformed configuration value, CLI flag,
// selector, interval spec, or similar user-supplied input. It never kills
// the running system.
type ParameterError struct {
	Message string
}

func (e *ParameterError) Error() string { return e.Message }

func Parameterf(format string, a ...any) *ParameterError {
	return &ParameterError{Message: fmt.Sprintf(format, a...)}
}

// NotFoundError indicates a missing executable, service, or group. It is
// downgraded to "service disabled" by the caller when the service is
// marked optional.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func NotFoundf(format string, a ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, a...)}
}

// ProcessError indicates a failed spawn, a pidfile timeout, an abnormal
// exit during startup, or a notify timeout. Respects ignore_failures.
type ProcessError struct {
	Message string
}

func (e *ProcessError) Error() string { return e.Message }

func Processf(format string, a ...any) *ProcessError {
	return &ProcessError{Message: fmt.Sprintf(format, a...)}
}

// VariableError is raised by "$(X:?msg)" when X is unset. It aborts the
// per-service start that triggered it.
type VariableError struct {
	Message string
}

func (e *VariableError) Error() string { return e.Message }

func Variablef(format string, a ...any) *VariableError {
	return &VariableError{Message: fmt.Sprintf(format, a...)}
}

// SystemError is unrecoverable: a lost reaper, a bind failure on one of the
// PID-1 sockets. Logged and forwarded to the controller's kill_system path
// with an errno.
type SystemError struct {
	Message string
	Errno   int
}

func (e *SystemError) Error() string { return e.Message }

func Systemf(errno int, format string, a ...any) *SystemError {
	return &SystemError{Message: fmt.Sprintf(format, a...), Errno: errno}
}
