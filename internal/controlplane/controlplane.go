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

// Package controlplane implements chaperone's two command surfaces: a
// one-shot FIFO ("/dev/chaperone", fire-and-forget, no reply) and a Unix
// stream socket ("/dev/chaperone.sock", request/response), both carrying
// the same newline-framed command grammar. Grounded on pebble's
// internals/cli command-table pattern (one Commander per verb, go-flags for
// option parsing), adapted from an outbound HTTP client CLI to an inbound
// line-oriented protocol server.
package controlplane

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	flags "github.com/canonical/go-flags"
	"github.com/canonical/x-go/strutil/shlex"

	"github.com/garywiz/chaperone/internal/logger"
)

// Handler executes one parsed command and returns the text to send back
// (ignored for FIFO-originated commands, which get no reply).
type Handler func(args []string) (string, error)

// Command is one verb's grammar and handler, the server-side analogue of
// pebble's CmdInfo/Commander pair.
type Command struct {
	Name    string
	Summary string
	// Options, if non-nil, returns a fresh pointer to a go-flags option
	// struct used to validate and parse the command's arguments before
	// Handler runs. A fresh struct per invocation keeps one command's flags
	// from leaking into the next.
	Options func() any
	Handler func(parsed any, positional []string) (string, error)
}

// Server owns the command table and the two listening endpoints.
type Server struct {
	mu       sync.Mutex
	commands map[string]*Command

	fifoPath   string
	sockPath   string
	listener   net.Listener
	fifoStopCh chan struct{}
}

// New creates a Server with no endpoints open yet.
func New() *Server {
	return &Server{commands: make(map[string]*Command)}
}

// AddCommand registers a verb. Registering the same name twice panics, the
// same way pebble's cli.AddCommand treats a duplicate as a programmer
// error rather than a runtime one.
func (s *Server) AddCommand(cmd *Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commands[cmd.Name]; exists {
		panic(fmt.Sprintf("command %q already registered", cmd.Name))
	}
	s.commands[cmd.Name] = cmd
}

// ListenFIFO creates (if needed) and begins reading commands from a named
// pipe at path. Each line read is executed but its result is discarded,
// matching the FIFO's one-shot, no-reply nature.
func (s *Server) ListenFIFO(path string) error {
	if err := makeFIFO(path); err != nil {
		return err
	}
	s.fifoPath = path
	s.fifoStopCh = make(chan struct{})
	go s.serveFIFO()
	return nil
}

func (s *Server) serveFIFO() {
	for {
		select {
		case <-s.fifoStopCh:
			return
		default:
		}
		f, err := os.OpenFile(s.fifoPath, os.O_RDONLY, 0)
		if err != nil {
			logger.Noticef("controlplane: cannot open FIFO %q: %v", s.fifoPath, err)
			return
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if _, err := s.Execute(line); err != nil {
				logger.Noticef("controlplane: FIFO command %q failed: %v", line, err)
			}
		}
		f.Close()
	}
}

// ListenSocket opens the Unix stream socket at path and begins accepting
// request/response connections.
func (s *Server) ListenSocket(path string) error {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", path, err)
	}
	s.listener = ln
	s.sockPath = path
	go s.serveSocket()
	return nil
}

func (s *Server) serveSocket() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

// serveConn handles every command line sent over one connection, writing a
// status line, the reply body, then a blank line that marks the end of the
// response (so a client reading line-by-line knows where one reply ends
// without having to wait for the connection to close).
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		reply, err := s.Execute(line)
		if err != nil {
			if IsException(err) {
				fmt.Fprintf(conn, "EXCEPTION\n%s\n\n", err)
			} else {
				fmt.Fprintf(conn, "COMMAND-ERROR\n%s\n\n", err)
			}
			continue
		}
		fmt.Fprintf(conn, "RESULT\n%s\n\n", reply)
	}
}

// Close shuts down both endpoints.
func (s *Server) Close() error {
	if s.fifoStopCh != nil {
		close(s.fifoStopCh)
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sockPath != "" {
		os.Remove(s.sockPath)
	}
	return nil
}

// panicError marks an error as originating from a recovered Handler panic,
// so callers can report it as EXCEPTION rather than COMMAND-ERROR.
type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("%v", e.value) }

// IsException reports whether err came from a recovered Handler panic
// rather than a parse or validation failure.
func IsException(err error) bool {
	_, ok := err.(*panicError)
	return ok
}

// Execute parses and runs one command line, returning its reply text.
// Panics from Handler are caught and reported as EXCEPTION, matching
// pebble's pattern of never letting a single bad command take the whole
// control surface down.
func (s *Server) Execute(line string) (reply string, err error) {
	args, err := shlex.Split(line)
	if err != nil {
		return "", fmt.Errorf("cannot parse command line: %w", err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}

	s.mu.Lock()
	cmd, ok := s.commands[args[0]]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown command %q", args[0])
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	rest := args[1:]
	if cmd.Options == nil {
		return cmd.Handler(nil, rest)
	}

	opts := cmd.Options()
	parser := flags.NewParser(opts, flags.PassDoubleDash)
	positional, parseErr := parser.ParseArgs(rest)
	if parseErr != nil {
		return "", fmt.Errorf("cannot parse arguments for %q: %w", args[0], parseErr)
	}
	return cmd.Handler(opts, positional)
}

// FormatStatus renders the "status" reply as a column-aligned table. The
// first row is conventionally a header.
func FormatStatus(rows [][]string) string {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	var b strings.Builder
	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				line.WriteString(cell)
			} else {
				fmt.Fprintf(&line, "%-*s  ", widths[i], cell)
			}
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
