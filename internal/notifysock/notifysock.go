// Copyright (c) 2014-2020 Canonical Ltd
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

// Package notifysock implements both sides of the sd_notify readiness
// protocol: a client (used if chaperone itself runs under an outer
// supervisor and wants to forward its own readiness) grounded on
// pebble's internals/systemd SdNotify, and a server that listens for
// datagrams from notify-type services and decodes their key=value payload
// (READY=1, STATUS=s, MAINPID=n, ERRNO=n, BUSERROR, STOPPING).
package notifysock

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Message is one decoded sd_notify datagram.
type Message struct {
	Ready    bool
	Status   string
	MainPID  int
	HasPID   bool
	Errno    int
	HasErrno bool
	BusError string
	Stopping bool
}

// Parse decodes a raw sd_notify payload ("KEY=VALUE\n"-separated pairs).
func Parse(payload []byte) Message {
	var m Message
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "READY":
			m.Ready = value == "1"
		case "STATUS":
			m.Status = value
		case "MAINPID":
			if n, err := strconv.Atoi(value); err == nil {
				m.MainPID, m.HasPID = n, true
			}
		case "ERRNO":
			if n, err := strconv.Atoi(value); err == nil {
				m.Errno, m.HasErrno = n, true
			}
		case "BUSERROR":
			m.BusError = value
		case "STOPPING":
			m.Stopping = value == "1"
		}
	}
	return m
}

// Server listens on an abstract Unix datagram socket (one per supervised
// service, so services can't spoof each other) for sd_notify-style
// messages.
type Server struct {
	conn    *net.UnixConn
	address string
}

// Listen creates a Server bound to an abstract address ("@chaperone/notify/"
// + name), which callers should export to the service as NOTIFY_SOCKET.
func Listen(name string) (*Server, error) {
	address := "@chaperone/notify/" + name
	laddr := &net.UnixAddr{Name: address, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", laddr)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on notify socket for %q: %w", name, err)
	}
	return &Server{conn: conn, address: address}, nil
}

// Address returns the NOTIFY_SOCKET value a service should be given.
func (s *Server) Address() string { return s.address }

// Close stops listening.
func (s *Server) Close() error { return s.conn.Close() }

// Serve reads datagrams until the socket is closed, invoking fn for each
// decoded message.
func (s *Server) Serve(fn func(Message)) {
	buf := make([]byte, 4096)
	for {
		n, _, err := s.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		fn(Parse(buf[:n]))
	}
}

var osGetenv = os.Getenv

// Available reports whether this process itself is running under an outer
// NOTIFY_SOCKET (e.g. chaperone running under systemd in a VM, rather than
// as a container's pid 1).
func Available() bool {
	return osGetenv("NOTIFY_SOCKET") != ""
}

// Notify sends a raw sd_notify payload to this process's own NOTIFY_SOCKET,
// letting chaperone forward its own readiness the same way it expects from
// its services.
func Notify(payload string) error {
	if payload == "" {
		return fmt.Errorf("cannot use empty notify payload")
	}
	address := osGetenv("NOTIFY_SOCKET")
	if address == "" {
		return fmt.Errorf("$NOTIFY_SOCKET not defined")
	}
	if !strings.HasPrefix(address, "@") && !strings.HasPrefix(address, "/") {
		return fmt.Errorf("cannot use $NOTIFY_SOCKET value: %q", address)
	}
	raddr := &net.UnixAddr{Name: address, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	return err
}
