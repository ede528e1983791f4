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

// Package plan implements chaperone's declarative service-config graph
// loading one YAML file or a merged directory of them,
// resolving each service's prerequisites, and producing a start/stop
// order. Grounded on pebble's internals/plan package (the Optional*
// YAML scalar wrappers, the Layer/merge shape, and the successor-set
// ordering algorithm).
package plan

import (
	"fmt"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceType is one of the six process disciplines chaperone supports.
type ServiceType string

const (
	TypeSimple  ServiceType = "simple"
	TypeOneshot ServiceType = "oneshot"
	TypeForking ServiceType = "forking"
	TypeNotify  ServiceType = "notify"
	TypeCron    ServiceType = "cron"
	TypeInetd   ServiceType = "inetd"
)

func (t ServiceType) Valid() bool {
	switch t {
	case TypeSimple, TypeOneshot, TypeForking, TypeNotify, TypeCron, TypeInetd:
		return true
	}
	return false
}

// StdioMode selects how a service's stdout/stderr is handled.
type StdioMode string

const (
	StdioLog     StdioMode = "log"
	StdioInherit StdioMode = "inherit"
)

// Reserved group and service names.
const (
	GroupIdle = "IDLE"
	GroupInit = "INIT"

	ServiceConsole = "CONSOLE"
	ServiceMain    = "MAIN"
)

// ServiceAction is what to do when a service's process exits (the
// on-success/on-failure verbs).
type ServiceAction string

const (
	ActionUnset           ServiceAction = ""
	ActionRestart         ServiceAction = "restart"
	ActionIgnore          ServiceAction = "ignore"
	ActionShutdown        ServiceAction = "shutdown"
	ActionSuccessShutdown ServiceAction = "success-shutdown"
	ActionFailureShutdown ServiceAction = "failure-shutdown"
)

// Default backoff parameters used when a service doesn't configure its own
// (the restart-backoff defaults).
const (
	DefaultBackoffDelay  = 500 * time.Millisecond
	DefaultBackoffFactor = 2.0
	DefaultBackoffLimit  = 30 * time.Second
	DefaultKillDelay     = 5 * time.Second
)

// Defaults for the restart/process-wait knobs (§3, §4.2, §4.3).
const (
	DefaultRestartDelay   = 1 * time.Second
	DefaultProcessTimeout = 30 * time.Second
	DefaultIdleDelay      = 1 * time.Second
	DefaultStartupPause   = 1 * time.Second
)

// OptionalFloat distinguishes "not set" from a zero float.
type OptionalFloat struct {
	Value float64
	IsSet bool
}

func (o OptionalFloat) IsZero() bool { return !o.IsSet }

func (o OptionalFloat) MarshalYAML() (any, error) {
	if !o.IsSet {
		return nil, nil
	}
	return o.Value, nil
}

func (o *OptionalFloat) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err != nil {
		return fmt.Errorf("invalid number: %w", err)
	}
	o.Value, o.IsSet = f, true
	return nil
}

// OptionalDuration distinguishes "not set" from a zero duration.
type OptionalDuration struct {
	Value time.Duration
	IsSet bool
}

func (o OptionalDuration) IsZero() bool { return !o.IsSet }

func (o OptionalDuration) MarshalYAML() (any, error) {
	if !o.IsSet {
		return nil, nil
	}
	return o.Value.String(), nil
}

func (o *OptionalDuration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a YAML string")
	}
	d, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	o.Value, o.IsSet = d, true
	return nil
}

// OptionalBool distinguishes "not set" from an explicit false, for flags
// (like `enabled`) whose unset default isn't the zero value.
type OptionalBool struct {
	Value bool
	IsSet bool
}

func (o OptionalBool) IsZero() bool { return !o.IsSet }

func (o OptionalBool) MarshalYAML() (any, error) {
	if !o.IsSet {
		return nil, nil
	}
	return o.Value, nil
}

func (o *OptionalBool) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err != nil {
		return fmt.Errorf("invalid boolean: %w", err)
	}
	o.Value, o.IsSet = b, true
	return nil
}

// OptionalSignal wraps a named POSIX signal.
type OptionalSignal struct {
	Value syscall.Signal
	Name  string
	IsSet bool
}

func (o OptionalSignal) IsZero() bool { return !o.IsSet }

func (o OptionalSignal) MarshalYAML() (any, error) {
	if !o.IsSet {
		return nil, nil
	}
	return o.Name, nil
}

func (o *OptionalSignal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("signal must be a YAML string")
	}
	sig, ok := signalNames[value.Value]
	if !ok {
		return fmt.Errorf("unknown signal %q", value.Value)
	}
	o.Value, o.Name, o.IsSet = sig, value.Value, true
	return nil
}

var signalNames = map[string]syscall.Signal{
	"SIGHUP": syscall.SIGHUP, "SIGINT": syscall.SIGINT, "SIGQUIT": syscall.SIGQUIT,
	"SIGILL": syscall.SIGILL, "SIGTRAP": syscall.SIGTRAP, "SIGABRT": syscall.SIGABRT,
	"SIGBUS": syscall.SIGBUS, "SIGFPE": syscall.SIGFPE, "SIGKILL": syscall.SIGKILL,
	"SIGUSR1": syscall.SIGUSR1, "SIGSEGV": syscall.SIGSEGV, "SIGUSR2": syscall.SIGUSR2,
	"SIGPIPE": syscall.SIGPIPE, "SIGALRM": syscall.SIGALRM, "SIGTERM": syscall.SIGTERM,
	"SIGCHLD": syscall.SIGCHLD, "SIGCONT": syscall.SIGCONT, "SIGSTOP": syscall.SIGSTOP,
	"SIGTSTP": syscall.SIGTSTP, "SIGTTIN": syscall.SIGTTIN, "SIGTTOU": syscall.SIGTTOU,
}
