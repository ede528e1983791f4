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

// Package syslogd implements chaperone's built-in syslog daemon: it listens
// on /dev/log for RFC3164 frames from anything in the container that logs
// via the C library's syslog(3) (not just chaperone's own supervised
// services), matches each message against a selector grammar, and routes
// matches to file/console/remote sinks. Grounded on pebble's
// internal/servicelog syslog remote writer, generalized with an ingestion
// and selector-matching front end pebble doesn't have (pebble only
// ever writes syslog outward, never parses it inbound).
package syslogd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Facility and Priority mirror the RFC3164 PRI field's components.
type Facility int
type Priority int

const (
	FacilityKern Facility = iota
	FacilityUser
	FacilityMail
	FacilityDaemon
	FacilityAuth
	FacilitySyslog
	FacilityLPR
	FacilityNews
	FacilityUUCP
	FacilityCron
	FacilityAuthpriv
	FacilityFTP
	_
	_
	_
	_
	FacilityLocal0
	FacilityLocal1
	FacilityLocal2
	FacilityLocal3
	FacilityLocal4
	FacilityLocal5
	FacilityLocal6
	FacilityLocal7
)

const (
	PriEmerg Priority = iota
	PriAlert
	PriCrit
	PriErr
	PriWarning
	PriNotice
	PriInfo
	PriDebug
)

var facilityNames = map[string]Facility{
	"kern": FacilityKern, "user": FacilityUser, "mail": FacilityMail,
	"daemon": FacilityDaemon, "auth": FacilityAuth, "syslog": FacilitySyslog,
	"lpr": FacilityLPR, "news": FacilityNews, "uucp": FacilityUUCP,
	"cron": FacilityCron, "authpriv": FacilityAuthpriv, "ftp": FacilityFTP,
	"local0": FacilityLocal0, "local1": FacilityLocal1, "local2": FacilityLocal2,
	"local3": FacilityLocal3, "local4": FacilityLocal4, "local5": FacilityLocal5,
	"local6": FacilityLocal6, "local7": FacilityLocal7,
	"*": -1,
}

var priorityNames = map[string]Priority{
	"emerg": PriEmerg, "alert": PriAlert, "crit": PriCrit, "err": PriErr,
	"warning": PriWarning, "notice": PriNotice, "info": PriInfo, "debug": PriDebug,
	"*": -1,
	"none": -2,
}

// ParsePriority resolves a priority by its syslog.conf name ("err",
// "info", ...) or numeric value, for the control plane's loglevel verb.
func ParsePriority(name string) (Priority, error) {
	if pri, ok := priorityNames[name]; ok && pri >= 0 {
		return pri, nil
	}
	if n, err := strconv.Atoi(name); err == nil && n >= int(PriEmerg) && n <= int(PriDebug) {
		return Priority(n), nil
	}
	return 0, fmt.Errorf("unknown priority %q", name)
}

// clauseKind is which of the grammar's three alternative left-hand forms a
// clause uses to select records, before the priority test.
type clauseKind int

const (
	kindFacility clauseKind = iota
	kindRegex
	kindTag
)

// clause is one ";"-separated term of a selector:
//
//	[!]facility[,facility…].[!][=]priority
//	[!]/regex/.[!][=]priority
//	[!][tag].[!][=]priority
//
// leftNegate ("!" before the facility/regex/tag side) decides whether the
// clause is ORed into the selector's positive set or ANDed (as an
// exclusion) into its negative set; priNegate/exact govern the priority
// comparison itself, independently of leftNegate.
type clause struct {
	kind       clauseKind
	anyFac     bool
	facilities []Facility
	tagRegex   *regexp.Regexp
	tagLiteral string

	priority  Priority
	anyPri    bool
	nonePri   bool
	exactPri  bool
	priNegate bool

	leftNegate bool
}

// selects reports whether m is chosen by this clause's facility/regex/tag
// side, ignoring priority and leftNegate.
func (c clause) selects(m Message) bool {
	switch c.kind {
	case kindRegex:
		return c.tagRegex.MatchString(m.Tag)
	case kindTag:
		return m.Tag == c.tagLiteral
	default:
		if c.anyFac {
			return true
		}
		for _, f := range c.facilities {
			if f == m.Facility {
				return true
			}
		}
		return false
	}
}

func (c clause) matchesPriority(m Message) bool {
	var ok bool
	switch {
	case c.nonePri:
		ok = false
	case c.anyPri:
		ok = true
	case c.exactPri:
		ok = m.Priority == c.priority
	default:
		ok = m.Priority <= c.priority // lower numeric value = higher severity
	}
	if c.priNegate {
		ok = !ok
	}
	return ok
}

func (c clause) matches(m Message) bool {
	return c.selects(m) && c.matchesPriority(m)
}

// Selector is a compiled selector expression: ANDed negative (excluding)
// clauses combined with ORed positive (including) clauses, the way
// syslog.conf-style selectors traditionally combine terms.
type Selector struct {
	positive []clause
	negative []clause
	raw      string
}

// CompileSelector parses a selector expression combining ";"-separated
// clauses, each one of:
//
//	daemon.info;mail.none
//	*.info;![cron].*
//	local0.=debug
//	/^backup-/.warning
func CompileSelector(expr string) (*Selector, error) {
	sel := &Selector{raw: expr}

	for _, term := range strings.Split(expr, ";") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		c, err := parseClause(term)
		if err != nil {
			return nil, fmt.Errorf("invalid selector term %q in %q: %w", term, expr, err)
		}
		if c.leftNegate {
			sel.negative = append(sel.negative, c)
		} else {
			sel.positive = append(sel.positive, c)
		}
	}
	if len(sel.positive) == 0 && len(sel.negative) == 0 {
		return nil, fmt.Errorf("selector %q has no clauses", expr)
	}
	return sel, nil
}

func parseClause(term string) (clause, error) {
	var c clause
	rest := term
	if strings.HasPrefix(rest, "!") {
		c.leftNegate = true
		rest = rest[1:]
	}

	var priPart string
	switch {
	case strings.HasPrefix(rest, "/"):
		end := findUnescaped(rest[1:], '/')
		if end < 0 {
			return clause{}, fmt.Errorf("unterminated /regex/ in selector term %q", term)
		}
		pattern := unescapeSlash(rest[1 : 1+end])
		re, err := regexp.Compile(pattern)
		if err != nil {
			return clause{}, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		c.kind = kindRegex
		c.tagRegex = re
		after := rest[1+end+1:]
		if !strings.HasPrefix(after, ".") {
			return clause{}, fmt.Errorf("missing '.' after /regex/ in selector term %q", term)
		}
		priPart = after[1:]

	case strings.HasPrefix(rest, "["):
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return clause{}, fmt.Errorf("unterminated [tag] in selector term %q", term)
		}
		c.kind = kindTag
		c.tagLiteral = rest[1:end]
		after := rest[end+1:]
		if !strings.HasPrefix(after, ".") {
			return clause{}, fmt.Errorf("missing '.' after [tag] in selector term %q", term)
		}
		priPart = after[1:]

	default:
		facPart, pri, ok := strings.Cut(rest, ".")
		if !ok {
			return clause{}, fmt.Errorf("missing '.' separating facility and priority in selector term %q", term)
		}
		c.kind = kindFacility
		if facPart == "*" {
			c.anyFac = true
		} else {
			for _, name := range strings.Split(facPart, ",") {
				fac, ok := facilityNames[name]
				if !ok {
					return clause{}, fmt.Errorf("unknown facility %q", name)
				}
				c.facilities = append(c.facilities, fac)
			}
		}
		priPart = pri
	}

	switch {
	case strings.HasPrefix(priPart, "!"):
		c.priNegate = true
		priPart = priPart[1:]
	case strings.HasPrefix(priPart, "="):
		c.exactPri = true
		priPart = priPart[1:]
	}

	switch priPart {
	case "*":
		c.anyPri = true
	case "none":
		c.nonePri = true
	default:
		pri, ok := priorityNames[priPart]
		if !ok {
			n, err := strconv.Atoi(priPart)
			if err != nil {
				return clause{}, fmt.Errorf("unknown priority %q", priPart)
			}
			pri = Priority(n)
		}
		c.priority = pri
	}
	return c, nil
}

// findUnescaped returns the index of the first occurrence of b in s that
// isn't preceded by a backslash escape, or -1.
func findUnescaped(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			continue
		}
		if s[i] == b {
			return i
		}
	}
	return -1
}

func unescapeSlash(s string) string {
	return strings.ReplaceAll(s, `\/`, `/`)
}

// Match reports whether m satisfies this selector: at least one positive
// clause selects it and passes its priority test, and no negative clause
// does the same (negative clauses exclude). A selector with no positive
// clauses matches nothing.
func (s *Selector) Match(m Message) bool {
	if len(s.positive) == 0 {
		return false
	}
	matched := false
	for _, c := range s.positive {
		if c.matches(m) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, c := range s.negative {
		if c.matches(m) {
			return false
		}
	}
	return true
}
