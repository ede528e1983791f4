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

package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/canonical/x-go/strutil/shlex"
	"gopkg.in/yaml.v3"

	"github.com/garywiz/chaperone/internal/chaperrors"
)

// LogTarget describes one syslog-style routing rule attached to a service
// (its log: block): a file, console, or remote sink.
type LogTarget struct {
	Selector string `yaml:"selector"`
	File     string `yaml:"file,omitempty"`
	Console  bool   `yaml:"console,omitempty"`
	Remote   string `yaml:"remote,omitempty"`
	Rotate   bool   `yaml:"rotate,omitempty"`

	// Overwrite truncates the file at first open instead of appending.
	Overwrite bool `yaml:"overwrite,omitempty"`

	// UID/GID, when set, are the owner the sink file is opened for.
	UID *int `yaml:"uid,omitempty"`
	GID *int `yaml:"gid,omitempty"`

	// Enabled defaults to true; an explicitly disabled block stays in the
	// config but registers no routing rule.
	Enabled OptionalBool `yaml:"enabled,omitempty"`
}

// EnabledOrDefault reports whether this logging block should be active
// (true unless explicitly disabled).
func (t *LogTarget) EnabledOrDefault() bool {
	if t.Enabled.IsSet {
		return t.Enabled.Value
	}
	return true
}

// Service is one [service-name].service entry.
type Service struct {
	Name string `yaml:"-"`

	Type ServiceType `yaml:"type"`

	Command string `yaml:"command"`

	Group   string   `yaml:"group,omitempty"`
	After   []string `yaml:"after,omitempty"`
	Before  []string `yaml:"before,omitempty"`
	Require []string `yaml:"requires,omitempty"`

	User string `yaml:"user,omitempty"`
	UID  *int   `yaml:"uid,omitempty"`
	GID  *int   `yaml:"gid,omitempty"`

	EnvInherit []string          `yaml:"env_inherit,omitempty"`
	EnvSet     map[string]string `yaml:"env_set,omitempty"`
	EnvUnset   []string          `yaml:"env_unset,omitempty"`

	OnSuccess ServiceAction `yaml:"on_success,omitempty"`
	OnFailure ServiceAction `yaml:"on_failure,omitempty"`

	BackoffDelay  OptionalDuration `yaml:"backoff_delay,omitempty"`
	BackoffFactor OptionalFloat    `yaml:"backoff_factor,omitempty"`
	BackoffLimit  OptionalDuration `yaml:"backoff_limit,omitempty"`

	KillDelay  OptionalDuration `yaml:"kill_delay,omitempty"`
	StopSignal OptionalSignal   `yaml:"stop_signal,omitempty"`

	// Directory is where the process is chdir'd before exec. When unset,
	// the process chdirs to its effective user's home directory instead.
	Directory string `yaml:"directory,omitempty"`

	// Enabled defaults to true; a service explicitly disabled at load time
	// counts as started without ever being spawned.
	Enabled OptionalBool `yaml:"enabled,omitempty"`

	// Optional downgrades a NotFoundError (missing executable) encountered
	// while starting this service into "service disabled" instead of a
	// fatal startup failure.
	Optional bool `yaml:"optional,omitempty"`

	// StartupPause is how long a simple service is given to prove it
	// survives past spawn before being monitored. Separate from
	// ProcessTimeout, which bounds oneshot/forking's wait for completion.
	StartupPause OptionalDuration `yaml:"startup_pause,omitempty"`

	// IgnoreFailures downgrades an abnormal exit (or a restart-limit
	// exhaustion) to a logged, non-terminal event instead of a failure.
	IgnoreFailures bool `yaml:"ignore_failures,omitempty"`

	// Restart enables auto-restart on exit; RestartLimit bounds how many
	// times (nil = unlimited); RestartDelay is the sleep before each
	// restart attempt.
	Restart      bool             `yaml:"restart,omitempty"`
	RestartLimit *int             `yaml:"restart_limit,omitempty"`
	RestartDelay OptionalDuration `yaml:"restart_delay,omitempty"`

	// ProcessTimeout bounds how long oneshot/forking wait for their
	// process to finish (oneshot: exit 0; forking: the launcher parent to
	// exit and hand off its pidfile).
	ProcessTimeout OptionalDuration `yaml:"process_timeout,omitempty"`

	Stdio StdioMode `yaml:"stdio,omitempty"`
	Log   LogTarget `yaml:"log,omitempty"`

	// Cron-only: a standard 5-field cron expression.
	Schedule string `yaml:"schedule,omitempty"`

	// Inetd-only: listen address as network:address, split at the first
	// colon, e.g. "tcp::8080" or "unix:/run/svc.sock".
	Listen string `yaml:"listen,omitempty"`

	// Notify-only: how long to wait for READY=1 before declaring failure.
	ReadyTimeout OptionalDuration `yaml:"ready_timeout,omitempty"`

	// Forking-only: where the daemonizing launcher writes its real child's
	// pid once it has detached.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// groupOrDefault returns the service's configured group, or the empty
// string if none was given: ordinary services belong to no group and are
// unaffected by IDLE's startup delay, which only applies to services
// explicitly placed in it.
func (s *Service) groupOrDefault() string {
	return s.Group
}

// EffectiveGroup is the exported form of groupOrDefault, used by callers
// outside the plan package (the controller's IDLE-group startup pause)
// that need a service's resolved group without reaching into its raw
// Group field directly.
func (s *Service) EffectiveGroup() string {
	return s.groupOrDefault()
}

// ParseCommand splits the service's command line into a base command and an
// optional trailing "[ ... ]" default-arguments group, the way a unit's
// ExecStart can carry caller-overridable defaults.
func (s *Service) ParseCommand() (base, extra []string, err error) {
	args, err := shlex.Split(s.Command)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot parse service %q command: %w", s.Name, err)
	}

	var inBrackets, gotBrackets bool
	for idx, arg := range args {
		switch {
		case inBrackets:
			if arg == "[" {
				return nil, nil, fmt.Errorf("cannot nest [ ... ] groups")
			}
			if arg == "]" {
				inBrackets = false
				continue
			}
			extra = append(extra, arg)
		case gotBrackets:
			return nil, nil, fmt.Errorf("cannot have arguments after [ ... ] group")
		case arg == "[":
			if idx == 0 {
				return nil, nil, fmt.Errorf("cannot start command with [ ... ] group")
			}
			inBrackets, gotBrackets = true, true
		case arg == "]":
			return nil, nil, fmt.Errorf("] outside of [ ... ] group")
		default:
			base = append(base, arg)
		}
	}
	return base, extra, nil
}

// BackoffDelayOrDefault, BackoffFactorOrDefault, BackoffLimitOrDefault and
// KillDelayOrDefault apply a service's restart-backoff defaults
// that doesn't configure its own.
func (s *Service) BackoffDelayOrDefault() time.Duration {
	if s.BackoffDelay.IsSet {
		return s.BackoffDelay.Value
	}
	return DefaultBackoffDelay
}

func (s *Service) BackoffFactorOrDefault() float64 {
	if s.BackoffFactor.IsSet {
		return s.BackoffFactor.Value
	}
	return DefaultBackoffFactor
}

func (s *Service) BackoffLimitOrDefault() time.Duration {
	if s.BackoffLimit.IsSet {
		return s.BackoffLimit.Value
	}
	return DefaultBackoffLimit
}

func (s *Service) KillDelayOrDefault() time.Duration {
	if s.KillDelay.IsSet {
		return s.KillDelay.Value
	}
	return DefaultKillDelay
}

// RestartDelayOrDefault is how long to sleep before each restart attempt.
func (s *Service) RestartDelayOrDefault() time.Duration {
	if s.RestartDelay.IsSet {
		return s.RestartDelay.Value
	}
	return DefaultRestartDelay
}

// ProcessTimeoutOrDefault bounds how long oneshot/forking wait for their
// process to finish.
func (s *Service) ProcessTimeoutOrDefault() time.Duration {
	if s.ProcessTimeout.IsSet {
		return s.ProcessTimeout.Value
	}
	return DefaultProcessTimeout
}

// StartupPauseOrDefault is how long a simple service must survive past
// spawn before it's considered started.
func (s *Service) StartupPauseOrDefault() time.Duration {
	if s.StartupPause.IsSet {
		return s.StartupPause.Value
	}
	return DefaultStartupPause
}

// EnabledOrDefault reports whether the service should be started at all;
// unset defaults to true.
func (s *Service) EnabledOrDefault() bool {
	return !s.Enabled.IsSet || s.Enabled.Value
}

// RestartsAllowed returns the configured restart_limit (how many restart
// attempts remain after the initial spawn), or unlimited=true if no limit
// was configured.
func (s *Service) RestartsAllowed() (limit int, unlimited bool) {
	if s.RestartLimit == nil {
		return 0, true
	}
	return *s.RestartLimit, false
}

// Action returns the configured action for the given outcome (true =
// success). An unset verb defaults to restart if the service's restart
// flag is set, else to ignore (a plain exit with no configured policy
// doesn't auto-restart per §3's restart field).
func (s *Service) Action(success bool) (action ServiceAction, onType string) {
	if success {
		action, onType = s.OnSuccess, "on-success"
	} else {
		action, onType = s.OnFailure, "on-failure"
	}
	if action == ActionUnset {
		if s.Restart {
			action = ActionRestart
		} else {
			action = ActionIgnore
		}
	}
	return action, onType
}

// Copy returns a deep copy of s.
func (s *Service) Copy() *Service {
	copied := *s
	copied.After = append([]string(nil), s.After...)
	copied.Before = append([]string(nil), s.Before...)
	copied.Require = append([]string(nil), s.Require...)
	copied.EnvInherit = append([]string(nil), s.EnvInherit...)
	copied.EnvUnset = append([]string(nil), s.EnvUnset...)
	if s.EnvSet != nil {
		copied.EnvSet = make(map[string]string, len(s.EnvSet))
		for k, v := range s.EnvSet {
			copied.EnvSet[k] = v
		}
	}
	if s.UID != nil {
		uid := *s.UID
		copied.UID = &uid
	}
	if s.GID != nil {
		gid := *s.GID
		copied.GID = &gid
	}
	if s.RestartLimit != nil {
		limit := *s.RestartLimit
		copied.RestartLimit = &limit
	}
	if s.Log.UID != nil {
		uid := *s.Log.UID
		copied.Log.UID = &uid
	}
	if s.Log.GID != nil {
		gid := *s.Log.GID
		copied.Log.GID = &gid
	}
	return &copied
}

// Settings holds the process-wide "settings:" defaults a layer may declare
// (§6); later layers override only the fields they explicitly set.
type Settings struct {
	IdleDelay OptionalDuration `yaml:"idle_delay,omitempty"`
}

// Layer is the parsed form of one YAML file on disk (layers merge
// by filename order into one Plan).
type Layer struct {
	Label    string              `yaml:"-"`
	Settings Settings            `yaml:"settings"`
	Services map[string]*Service `yaml:"services"`
}

type rawLayer struct {
	Settings Settings            `yaml:"settings"`
	Services map[string]*Service `yaml:"services"`
}

// Plan is the fully merged, validated, order-resolved configuration.
type Plan struct {
	Services map[string]*Service
	Settings Settings
	layers   []*Layer
}

// IdleDelayOrDefault is how long the first IDLE-group service to reach its
// start point pauses, letting non-idle services settle (§3's Family
// "_idle_hit" latch).
func (p *Plan) IdleDelayOrDefault() time.Duration {
	if p.Settings.IdleDelay.IsSet {
		return p.Settings.IdleDelay.Value
	}
	return DefaultIdleDelay
}

// Load reads path, which may be a single YAML file or a directory of them
// (merged in lexicographic filename order, later files overriding earlier
// ones service-by-service, matching pebble's layer-combine semantics
// generalised from snap layers to chaperone's flat service map).
func Load(path string) (*Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, chaperrors.NotFoundf("cannot read config path %q: %v", path, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isYAML(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}
	if len(files) == 0 {
		return nil, chaperrors.Parameterf("no service configuration files found under %q", path)
	}

	p := &Plan{Services: make(map[string]*Service)}
	for _, f := range files {
		layer, err := loadLayer(f)
		if err != nil {
			return nil, err
		}
		p.layers = append(p.layers, layer)
		for name, svc := range layer.Services {
			svc.Name = name
			p.Services[name] = svc
		}
		if layer.Settings.IdleDelay.IsSet {
			p.Settings.IdleDelay = layer.Settings.IdleDelay
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func loadLayer(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawLayer
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, chaperrors.Parameterf("cannot parse %q: %v", path, err)
	}
	return &Layer{Label: filepath.Base(path), Settings: raw.Settings, Services: raw.Services}, nil
}

func (p *Plan) validate() error {
	for name, svc := range p.Services {
		if !strings.HasSuffix(name, ".service") {
			return chaperrors.Parameterf("service name %q must end in .service", name)
		}
		if !svc.Type.Valid() {
			return chaperrors.Parameterf("service %q has unknown type %q", name, svc.Type)
		}
		if svc.Type == TypeCron && svc.Schedule == "" {
			return chaperrors.Parameterf("cron service %q is missing a schedule", name)
		}
		if svc.Type == TypeInetd && svc.Listen == "" {
			return chaperrors.Parameterf("inetd service %q is missing a listen address", name)
		}
		for _, dep := range svc.Require {
			if _, ok := p.Services[dep]; !ok && dep != GroupIdle && dep != GroupInit {
				return chaperrors.Parameterf("service %q requires unknown service %q", name, dep)
			}
		}
	}
	return nil
}

// predecessors returns the set of service names that must start before name,
// derived from name's own "after"/"requires" lists plus every other
// service's "before" list naming name (the symmetric after/before
// resolution). The two reserved groups add implicit edges: every INIT
// member precedes every non-INIT service, and every non-IDLE service
// precedes every IDLE member. A requires entry naming a reserved group
// expands to that group's members.
func (p *Plan) predecessors(name string) []string {
	svc := p.Services[name]
	set := make(map[string]bool)
	add := func(n string) {
		if n == GroupInit || n == GroupIdle {
			for _, member := range p.Group(n) {
				if member != name {
					set[member] = true
				}
			}
			return
		}
		set[n] = true
	}
	for _, n := range svc.After {
		add(n)
	}
	for _, n := range svc.Require {
		add(n)
	}
	for other, osvc := range p.Services {
		for _, b := range osvc.Before {
			if b == name {
				set[other] = true
			}
		}
	}

	group := svc.groupOrDefault()
	if group != GroupInit {
		for _, member := range p.Group(GroupInit) {
			set[member] = true
		}
	}
	if group == GroupIdle {
		for other, osvc := range p.Services {
			if other != name && osvc.groupOrDefault() != GroupIdle {
				set[other] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// StartOrder returns service names in a valid dependency order: every
// service appears after all of its predecessors. Ties are broken
// lexicographically for determinism. Returns an error if the dependency
// graph contains a cycle.
func (p *Plan) StartOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(p.Services))
	var order []string
	var stack []string

	names := make([]string, 0, len(p.Services))
	for n := range p.Services {
		names = append(names, n)
	}
	sort.Strings(names)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			stack = append(stack, name)
			return chaperrors.Parameterf("dependency cycle detected: %s", strings.Join(stack, " -> "))
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range p.predecessors(name) {
			if _, ok := p.Services[dep]; !ok {
				continue // reserved group name, not a concrete service
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// StopOrder is the reverse of StartOrder: dependents stop before their
// dependencies (shutdown tears down in the opposite order of
// startup).
func (p *Plan) StopOrder() ([]string, error) {
	start, err := p.StartOrder()
	if err != nil {
		return nil, err
	}
	stop := make([]string, len(start))
	for i, n := range start {
		stop[len(start)-1-i] = n
	}
	return stop, nil
}

// Depths returns each service's dependency depth: 0 for a service with no
// predecessors, otherwise one more than its deepest predecessor. Backs the
// control plane's "dependencies" histogram.
func (p *Plan) Depths() (map[string]int, error) {
	order, err := p.StartOrder()
	if err != nil {
		return nil, err
	}
	depths := make(map[string]int, len(order))
	for _, name := range order {
		depth := 0
		for _, dep := range p.predecessors(name) {
			if _, ok := p.Services[dep]; !ok {
				continue
			}
			if d := depths[dep] + 1; d > depth {
				depth = d
			}
		}
		depths[name] = depth
	}
	return depths, nil
}

// Get looks up a service by name.
func (p *Plan) Get(name string) (*Service, bool) {
	svc, ok := p.Services[name]
	return svc, ok
}

// Names returns every service name in sorted order.
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.Services))
	for n := range p.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Group returns the names of every service belonging to group, sorted.
func (p *Plan) Group(group string) []string {
	var names []string
	for n, svc := range p.Services {
		if svc.groupOrDefault() == group {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
