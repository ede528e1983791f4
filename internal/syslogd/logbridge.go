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

package syslogd

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/garywiz/chaperone/internal/logger"
)

// LoggerBridge is a logger.Logger that feeds chaperone's own log output
// through the router's rule table, so a configured selector like
// "local5.*" captures the supervisor's messages the same way it captures
// the supervised services'. Every message goes to the fallback logger and
// is also routed through the router's rules; the bridge does not check
// whether the router is listening or has been closed.
type LoggerBridge struct {
	router   *Router
	fallback logger.Logger
	hostname string

	// submitting breaks the loop where a failing sink logs its error, which
	// would otherwise re-enter the router through this same bridge.
	submitting atomic.Bool
}

// NewLoggerBridge wraps fallback so that every line also lands in router.
func NewLoggerBridge(router *Router, fallback logger.Logger) *LoggerBridge {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &LoggerBridge{router: router, fallback: fallback, hostname: host}
}

func (b *LoggerBridge) Noticef(format string, v ...any) {
	if b.fallback != nil {
		b.fallback.Noticef(format, v...)
	}
	b.submit(PriNotice, fmt.Sprintf(format, v...))
}

func (b *LoggerBridge) Debugf(format string, v ...any) {
	if b.fallback != nil {
		b.fallback.Debugf(format, v...)
	}
	b.submit(PriDebug, fmt.Sprintf(format, v...))
}

func (b *LoggerBridge) submit(pri Priority, content string) {
	if !b.submitting.CompareAndSwap(false, true) {
		return
	}
	defer b.submitting.Store(false)
	b.router.Submit(Message{
		Facility: FacilityLocal5,
		Priority: pri,
		Time:     time.Now(),
		Host:     b.hostname,
		Tag:      "chaperone",
		Pid:      os.Getpid(),
		HasPid:   true,
		Content:  content,
	})
}
