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
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garywiz/chaperone/internal/logger"
)

// Sink is one routing destination: a file (with strftime-style path
// expansion and inode-based rotation detection), the console, or a remote
// syslog server.
type Sink interface {
	Write(m Message) error
	Close() error
}

// Rule pairs a compiled selector with the sink it routes matching messages
// to.
type Rule struct {
	Selector *Selector
	Sink     Sink
}

// Router owns the listening socket and the list of rules messages are
// matched against. Every rule whose selector matches gets the message, the
// same fan-out semantics syslog.conf uses when more than one line selects
// the same facility.priority.
type Router struct {
	rules []Rule
	conn  *net.UnixConn
	path  string

	// minPriority is the runtime-adjustable priority floor: records less
	// severe than it never reach any selector, as if every compiled
	// selector's threshold had been raised to at least this level.
	minPriority atomic.Int32

	mu     sync.Mutex
	closed bool
}

// NewRouter creates a Router with the given rules, evaluated in order.
func NewRouter(rules []Rule) *Router {
	r := &Router{rules: rules}
	r.minPriority.Store(int32(PriDebug))
	return r
}

// SetMinPriority resets the router's priority floor. Records whose priority
// is less severe than pri are dropped before selector matching, so raising
// the floor only ever shrinks the set of routed records.
func (r *Router) SetMinPriority(pri Priority) {
	r.minPriority.Store(int32(pri))
}

// MinPriority returns the current priority floor.
func (r *Router) MinPriority() Priority {
	return Priority(r.minPriority.Load())
}

// NewRule compiles selectorExpr and pairs it with sink.
func NewRule(selectorExpr string, sink Sink) (Rule, error) {
	sel, err := CompileSelector(selectorExpr)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Selector: sel, Sink: sink}, nil
}

// Listen opens path (conventionally /dev/log) as a Unix datagram socket.
// Any pre-existing socket file at path is removed first, matching how
// syslog daemons reclaim their well-known socket path across restarts.
func (r *Router) Listen(path string) error {
	_ = os.Remove(path)
	laddr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", path, err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		logger.Debugf("syslogd: cannot chmod %q: %v", path, err)
	}
	r.conn = conn
	r.path = path
	return nil
}

// Serve reads datagrams until Close is called. A single datagram may carry
// several NUL-separated frames (some libc syslog implementations batch);
// each frame is parsed and routed to every matching rule's sink.
func (r *Router) Serve() {
	buf := make([]byte, 8192)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range bytes.Split(buf[:n], []byte{0}) {
			frame = bytes.TrimRight(frame, "\n")
			if len(frame) == 0 {
				continue
			}
			r.route(ParseRFC3164(frame))
		}
	}
}

// Submit routes a locally generated record through the same rule table the
// socket listener feeds, used to fold chaperone's own log output into the
// configured sinks.
func (r *Router) Submit(m Message) {
	r.route(m)
}

func (r *Router) route(m Message) {
	if m.Priority > Priority(r.minPriority.Load()) {
		return
	}
	for _, rule := range r.rules {
		if !rule.Selector.Match(m) {
			continue
		}
		if err := rule.Sink.Write(m); err != nil {
			logger.Noticef("syslogd: sink write failed: %v", err)
		}
	}
}

// Close stops listening and closes every sink.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		r.conn.Close()
	}
	if r.path != "" {
		os.Remove(r.path)
	}
	for _, rule := range r.rules {
		rule.Sink.Close()
	}
	return nil
}

// ConsoleSink writes matched messages to an io.Writer (normally the
// container's own stdout), one formatted line per message.
type ConsoleSink struct {
	mu  sync.Mutex
	dst io.Writer
}

func NewConsoleSink(dst io.Writer) *ConsoleSink { return &ConsoleSink{dst: dst} }

func (c *ConsoleSink) Write(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.dst, "%s %s %s.%s: %s\n",
		m.Time.Format(time.Stamp), m.Host, m.FacilityName(), m.PriorityName(), m.Content)
	return err
}

func (c *ConsoleSink) Close() error { return nil }

// FileSinkOptions carries the per-logging-block knobs a file sink honors:
// truncate-instead-of-append on first open, and the owner the file is
// opened for.
type FileSinkOptions struct {
	Overwrite bool
	UID       *int
	GID       *int
}

// FileSink writes matched messages to a file path that may contain
// strftime-style verbs (e.g. "/var/log/app-%Y%m%d.log"), reopening the file
// whenever the expanded path changes (date rollover) or the file currently
// open has been rotated out from under it (its inode no longer matches
// what's at that path, e.g. after an external logrotate).
type FileSink struct {
	mu         sync.Mutex
	pathFormat string
	opts       FileSinkOptions
	truncated  bool
	file       *os.File
	openPath   string
	openInode  uint64
}

func NewFileSink(pathFormat string) *FileSink {
	return &FileSink{pathFormat: pathFormat}
}

// NewFileSinkWithOptions is NewFileSink with the overwrite/owner knobs of a
// configured logging block applied.
func NewFileSinkWithOptions(pathFormat string, opts FileSinkOptions) *FileSink {
	return &FileSink{pathFormat: pathFormat, opts: opts}
}

func (f *FileSink) Write(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strftime(f.pathFormat, m.Time)
	if err := f.ensureOpen(path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f.file, "%s %s %s.%s: %s\n",
		m.Time.Format(time.Stamp), m.Host, m.FacilityName(), m.PriorityName(), m.Content)
	return err
}

func (f *FileSink) ensureOpen(path string) error {
	if f.file != nil && path == f.openPath && !f.rotated(path) {
		return nil
	}
	if f.file != nil {
		f.file.Close()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if f.opts.Overwrite && !f.truncated {
		// overwrite truncates once per sink lifetime; rotation reopens
		// append so we don't clobber what this run already wrote.
		flags |= os.O_TRUNC
		f.truncated = true
	} else {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	if f.opts.UID != nil || f.opts.GID != nil {
		uid, gid := -1, -1
		if f.opts.UID != nil {
			uid = *f.opts.UID
		}
		if f.opts.GID != nil {
			gid = *f.opts.GID
		}
		if err := file.Chown(uid, gid); err != nil {
			logger.Noticef("syslogd: cannot chown %q: %v", path, err)
		}
	}
	f.file = file
	f.openPath = path
	f.openInode = inodeOf(file)
	return nil
}

func (f *FileSink) rotated(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return inodeOfInfo(info) != f.openInode
}

func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// strftime expands the small set of conversion verbs chaperone's file sinks
// support: %Y %m %d %H %M %S and %%.
func strftime(format string, t time.Time) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'm':
			fmt.Fprintf(&b, "%02d", t.Month())
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}
