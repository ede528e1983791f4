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
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/logger"
)

// Config carries the env_inherit/env_set/env_unset block of a service or
// settings section.
type Config struct {
	Inherit []string          // glob patterns; defaults to ["*"]
	Set     map[string]string // additions, expanded lazily
	Unset   []string          // glob patterns to delete after inherit+set
}

// Environment is an ordered K->V mapping with a lifecycle-linked shadow,
// for rendering and for exec.
type Environment struct {
	values map[string]string
	order  []string // insertion order, for deterministic iteration

	uid *int
	gid *int

	// shadow holds, for each key last overwritten via env_set, the
	// environment that held the previous binding. Derive fills it in as it
	// applies env_set; only the predecessor's expansion is deferred until a
	// self-referential expansion actually needs it (see shadowValue).
	shadow map[string]*Environment

	expandedCache *Environment
}

// New creates an empty environment with no parent.
func New() *Environment {
	return &Environment{values: make(map[string]string)}
}

// FromOSEnviron builds an environment seeded from os.Environ().
func FromOSEnviron() *Environment {
	e := New()
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}
	return e
}

// Derive builds a new Environment that inherits from "from" according to
// cfg (env_inherit glob patterns, then env_set additions, then env_unset
// glob deletions), optionally scoped to a uid/gid whose HOME/USER/LOGNAME
// are seeded in. This mirrors Environment.__init__ in the original.
func Derive(from *Environment, cfg *Config, uid, gid *int) (*Environment, error) {
	e := New()

	if uid == nil && from != nil {
		uid, gid = from.uid, from.gid
	}
	if uid != nil {
		u, err := user.LookupId(strconv.Itoa(*uid))
		if err != nil {
			return nil, chaperrors.Parameterf("cannot look up uid %d: %v", *uid, err)
		}
		e.uid = uid
		e.gid = gid
		e.Set("HOME", u.HomeDir)
		e.Set("USER", u.Username)
		e.Set("LOGNAME", u.Username)
	}

	if cfg == nil {
		if from != nil {
			e.shadow = from.shadow
			for _, k := range from.order {
				if _, seeded := e.values[k]; !seeded {
					e.Set(k, from.values[k])
				}
			}
		}
		return e, nil
	}

	if from != nil {
		e.shadow = from.shadow
	}

	inherit := cfg.Inherit
	if inherit == nil {
		inherit = []string{"*"}
	}
	if from != nil {
		for _, k := range from.order {
			if _, seeded := e.values[k]; seeded {
				continue
			}
			if matchesAny(k, inherit) {
				e.Set(k, from.values[k])
			}
		}
	}

	if len(cfg.Set) > 0 || len(cfg.Unset) > 0 {
		shadow := make(map[string]*Environment, len(e.shadow))
		for k, v := range e.shadow {
			shadow[k] = v
		}
		e.shadow = shadow
	}

	if len(cfg.Set) > 0 {
		keys := make([]string, 0, len(cfg.Set))
		for k := range cfg.Set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if from != nil {
				if _, existed := from.values[k]; existed {
					e.shadow[k] = from
				}
			}
			e.Set(k, cfg.Set[k])
		}
	}

	if len(cfg.Unset) > 0 {
		for _, k := range e.keysCopy() {
			if matchesAny(k, cfg.Unset) {
				e.Delete(k)
			}
		}
		for k := range e.shadow {
			if matchesAny(k, cfg.Unset) {
				delete(e.shadow, k)
			}
		}
	}

	return e, nil
}

// matchesAny reports whether key matches any of patterns. path.Match
// stands in for shell-style fnmatch globbing here.
func matchesAny(key string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, key); ok {
			return true
		}
	}
	return false
}

func (e *Environment) keysCopy() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Set assigns key=value, invalidating the cached expansion.
func (e *Environment) Set(key, value string) {
	if _, exists := e.values[key]; !exists {
		e.order = append(e.order, key)
	}
	e.values[key] = value
	e.expandedCache = nil
}

// Delete removes key, invalidating the cached expansion.
func (e *Environment) Delete(key string) {
	if _, exists := e.values[key]; !exists {
		return
	}
	delete(e.values, key)
	for i, k := range e.order {
		if k == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	e.expandedCache = nil
}

// Get returns the raw (unexpanded) value of key.
func (e *Environment) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// UID/GID return the user this environment runs as, if any.
func (e *Environment) UID() *int { return e.uid }
func (e *Environment) GID() *int { return e.gid }

var (
	varScan   *scanner
	scanMu    sync.Mutex
	scanByte  byte   = '$'
	scanOpens string = "({"
)

// SetParseParameters changes the global variable-reference prefix and
// opening-grouping set, used by tools (e.g. the template copier) that want
// a different expansion syntax such as "%{...}".
func SetParseParameters(variableID byte, openExpansion string) {
	scanMu.Lock()
	defer scanMu.Unlock()
	scanByte = variableID
	scanOpens = openExpansion
	varScan = nil
}

func currentScanner() *scanner {
	scanMu.Lock()
	defer scanMu.Unlock()
	if varScan == nil {
		varScan = newScanner(scanByte, scanOpens)
	}
	return varScan
}

// Expand replaces every "$(name...)"/"${name...}" reference in s. Undefined
// references are left as the literal "$(name)" text (this is the
// expand(), not expanded(), contract).
func (e *Environment) Expand(s string) (string, error) {
	return e.expandString(s, nil)
}

// ExpandList maps Expand element-wise over a string slice.
func (e *Environment) ExpandList(items []string) ([]string, error) {
	out := make([]string, len(items))
	for i, it := range items {
		v, err := e.Expand(it)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Expanded returns a fully expanded snapshot of e. Repeated calls return
// the same cached snapshot until a mutation invalidates it.
func (e *Environment) Expanded() (*Environment, error) {
	if e.expandedCache != nil {
		return e.expandedCache, nil
	}
	result := New()
	result.uid, result.gid = e.uid, e.gid
	result.shadow = e.shadow

	keys := e.keysCopy()
	sort.Strings(keys)
	cache := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := e.evalExpansion(k, "", cache, k, true)
		if err != nil {
			return nil, err
		}
		result.Set(k, v)
	}
	result.expandedCache = result
	e.expandedCache = result
	return result, nil
}

// PublicEnvironment returns the expanded snapshot with keys starting with
// "_" and empty values filtered out, ready to export to a child process
// (keys starting with _ are stripped before exec).
func (e *Environment) PublicEnvironment() (map[string]string, error) {
	expanded, err := e.Expanded()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(expanded.order))
	for _, k := range expanded.order {
		v := expanded.values[k]
		if strings.HasPrefix(k, "_") || v == "" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// expandString expands a single string, top-level (not via Expanded()'s
// per-key cache); inFlight, if non-nil, tracks keys currently being
// expanded in this call for self-reference detection.
func (e *Environment) expandString(s string, inFlight map[string]bool) (string, error) {
	cache := map[string]string{}
	sc := currentScanner()
	var scanErr error
	out := sc.scan(s, func(raw, whole string) string {
		if scanErr != nil {
			return whole
		}
		v, err := e.evalExpansion(raw, whole, cache, "", false)
		if err != nil {
			scanErr = err
			return whole
		}
		return v
	})
	if scanErr != nil {
		return "", scanErr
	}
	return out, nil
}

var operRe = regexp.MustCompile(`(?s)^([^:]+):([-|?+_/])(.*)$`)

// splitSlashOp splits "pattern/replacement/flags" on unescaped slashes into
// its three parts, per the "$(K:/pat/repl/flags)" form ("\/" escapes
// a literal slash inside pat/repl).
func splitSlashOp(s string) (pattern, replacement, flags string, ok bool) {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '/' {
			cur.WriteByte('\\')
			cur.WriteByte('/')
			i++
			continue
		}
		if s[i] == '/' {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(s[i])
	}
	parts = append(parts, cur.String())
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// evalExpansion evaluates one "$(...)" body (everything between the
// delimiters), implementing the substitution-operator grammar. nilAsEmpty
// selects Expanded()'s "undefined -> empty" behaviour vs Expand()'s
// "undefined -> leave literal" behaviour.
func (e *Environment) evalExpansion(body, whole string, cache map[string]string, parent string, nilAsEmpty bool) (string, error) {
	if strings.HasPrefix(body, "`") && strings.HasSuffix(body, "`") && len(body) >= 2 {
		return e.backtickExpand(strings.TrimSuffix(strings.TrimPrefix(body, "`"), "`"))
	}

	key := body
	oper := byte(0)
	repl := ""
	if m := operRe.FindStringSubmatch(body); m != nil {
		key, oper, repl = m[1], m[2][0], m[3]
	}

	val, undefined, err := e.baseValue(key, whole, cache, parent, nilAsEmpty)
	if err != nil {
		return "", err
	}
	if oper == 0 {
		if undefined && !nilAsEmpty {
			return whole, nil
		}
		return val, nil
	}
	if undefined {
		val = ""
	}

	switch oper {
	case '?':
		if val == "" {
			msg, err := e.expandRecurse(repl, cache, parent, nilAsEmpty)
			if err != nil {
				return "", err
			}
			return "", chaperrors.Variablef("%s", msg)
		}
		return val, nil

	case '/':
		pattern, replacement, flags, ok := splitSlashOp(repl)
		if !ok {
			return "", fmt.Errorf("invalid regex replacement syntax in %q", whole)
		}
		replacement = strings.ReplaceAll(replacement, `\/`, "/")
		if strings.Contains(flags, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("invalid regex in %q: %w", whole, err)
		}
		return re.ReplaceAllString(val, replacement), nil

	case '|':
		parts := splitBareBar(repl)
		switch len(parts) {
		case 1:
			if val == "" {
				return "", nil
			}
			return e.expandRecurse(parts[0], cache, parent, nilAsEmpty)
		case 2:
			chosen := parts[1]
			if val != "" {
				chosen = parts[0]
			}
			return e.expandRecurse(chosen, cache, parent, nilAsEmpty)
		default:
			glob := parts[0]
			yes, no := parts[1], parts[2]
			matched, _ := path.Match(strings.ToLower(strings.ReplaceAll(glob, `\|`, "|")), strings.ToLower(strings.ReplaceAll(val, `\|`, "|")))
			chosen := no
			if matched {
				chosen = yes
			}
			return e.expandRecurse(strings.ReplaceAll(chosen, `\|`, "|"), cache, parent, nilAsEmpty)
		}

	case '+':
		if val == "" {
			return "", nil
		}
		return e.expandRecurse(repl, cache, parent, nilAsEmpty)

	case '_':
		if val != "" {
			return "", nil
		}
		return e.expandRecurse(repl, cache, parent, nilAsEmpty)

	case '-':
		if val != "" {
			return val, nil
		}
		return e.expandRecurse(repl, cache, parent, nilAsEmpty)
	}
	return val, nil
}

// splitBareBar splits on unescaped '|' characters, at most 3 parts.
func splitBareBar(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '|' {
			cur.WriteByte('\\')
			cur.WriteByte('|')
			i++
			continue
		}
		if s[i] == '|' && len(parts) < 2 {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(s[i])
	}
	parts = append(parts, cur.String())
	return parts
}

// baseValue resolves the plain value of key (phase 1 of the original's
// _expand_into): self-reference via the shadow, cache hit, undefined, or
// fresh recursive expansion.
func (e *Environment) baseValue(key, whole string, cache map[string]string, parent string, nilAsEmpty bool) (val string, undefined bool, err error) {
	if key == parent && whole != "" {
		shadowVal, err := e.shadowValue(key)
		if err != nil {
			return "", false, err
		}
		return shadowVal, false, nil
	}
	if v, ok := cache[key]; ok {
		return v, false, nil
	}
	raw, ok := e.values[key]
	if !ok {
		if nilAsEmpty {
			return "", true, nil
		}
		return whole, true, nil
	}
	cache[key] = raw // stop recursion before we've finished, like the original
	expanded, err := e.expandRecurse(raw, cache, key, nilAsEmpty)
	if err != nil {
		return "", false, err
	}
	cache[key] = expanded
	return expanded, false, nil
}

// shadowValue resolves a self-referential expansion ($(K) inside K's own
// definition) against the predecessor environment, materialising the
// shadow entry into a concrete *Environment the first time it's needed.
func (e *Environment) shadowValue(key string) (string, error) {
	if e.shadow == nil {
		return "", nil
	}
	prev, ok := e.shadow[key]
	if !ok || prev == nil {
		return "", nil
	}
	expanded, err := prev.Expanded()
	if err != nil {
		return "", err
	}
	v, _ := expanded.Get(key)
	return v, nil
}

func (e *Environment) expandRecurse(s string, cache map[string]string, parent string, nilAsEmpty bool) (string, error) {
	sc := currentScanner()
	var recurseErr error
	out := sc.scan(s, func(raw, whole string) string {
		if recurseErr != nil {
			return whole
		}
		v, err := e.evalExpansion(raw, whole, cache, parent, nilAsEmpty)
		if err != nil {
			recurseErr = err
			return whole
		}
		return v
	})
	if recurseErr != nil {
		return "", recurseErr
	}
	return expandBackticksBare(out, e)
}

// expandBackticksBare handles bare `cmd` spans (outside of a "$(...)"
// wrapper), matching the original's standalone _RE_BACKTICK substitution
// pass after variable expansion.
func expandBackticksBare(s string, e *Environment) (string, error) {
	if !strings.Contains(s, "`") {
		return s, nil
	}
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] == '`' {
			j := strings.IndexByte(s[i+1:], '`')
			if j < 0 {
				out.WriteString(s[i:])
				break
			}
			cmd := s[i+1 : i+1+j]
			val, err := e.backtickExpand(cmd)
			if err != nil {
				return "", err
			}
			out.WriteString(val)
			i = i + 1 + j + 1
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String(), nil
}

var (
	backtickCacheMu    sync.Mutex
	backtickCache      = map[string]string{}
	backtickCacheOn    = true
	backtickEnabled    = true
)

// SetBacktickExpansion toggles shell-out expansion and its process cache,
// per the garywiz/chaperone original.
func SetBacktickExpansion(enabled, cache bool) {
	backtickCacheMu.Lock()
	defer backtickCacheMu.Unlock()
	backtickEnabled = enabled
	backtickCacheOn = cache
}

// backtickExpand runs cmd under e's uid/gid and returns its trimmed,
// newline-collapsed stdout, per the "$(`cmd`)" form.
func (e *Environment) backtickExpand(cmd string) (string, error) {
	backtickCacheMu.Lock()
	if !backtickEnabled {
		backtickCacheMu.Unlock()
		return "`" + cmd + "`", nil
	}
	uid, gid := -1, -1
	if e.uid != nil {
		uid = *e.uid
	}
	if e.gid != nil {
		gid = *e.gid
	}
	key := fmt.Sprintf("%d:%d:%s", uid, gid, cmd)
	if cached, ok := backtickCache[key]; backtickCacheOn && ok {
		backtickCacheMu.Unlock()
		return cached, nil
	}
	backtickCacheMu.Unlock()

	out, err := runShell(cmd, e.uid, e.gid)
	if err != nil {
		logger.Noticef("backtick expansion %q failed: %v", cmd, err)
		out = ""
	}
	result := strings.ReplaceAll(strings.TrimSpace(out), "\n", " ")

	backtickCacheMu.Lock()
	if backtickCacheOn {
		backtickCache[key] = result
	}
	backtickCacheMu.Unlock()
	return result, nil
}

// runShell is overridden in tests.
var runShell = func(cmd string, uid, gid *int) (string, error) {
	c := exec.Command("/bin/sh", "-c", cmd)
	applyCredential(c, uid, gid)
	out, err := c.CombinedOutput()
	return string(out), err
}
