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
	"net"
	"os"
	"sync"
	"time"

	"github.com/garywiz/chaperone/internal/logger"
)

// RemoteSink forwards matched messages to a remote syslog collector, over
// UDP in plain RFC3164 form or, when framed is true, RFC5425 octet-framed
// RFC5424 over a stream transport (udp/tcp). Grounded on pebble's
// internal/servicelog SyslogWriter, adapted from an io.Writer tail of a
// single service's log to a per-rule sink fed from the router.
type RemoteSink struct {
	mu       sync.Mutex
	network  string
	addr     string
	framed   bool
	conn     net.Conn
	closed   bool
	hostname string
}

// NewRemoteSink creates a sink that dials network/addr lazily on first
// write and reconnects on failure. framed selects RFC5425 octet framing
// (used for reliable stream transports); otherwise each message is sent as
// one RFC3164 datagram.
func NewRemoteSink(network, addr string, framed bool) *RemoteSink {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &RemoteSink{network: network, addr: addr, framed: framed, hostname: host}
}

func (s *RemoteSink) Write(m Message) error {
	if err := s.connect(); err != nil {
		return err
	}

	pri := int(m.Facility)*8 + int(m.Priority)
	var payload []byte
	if s.framed {
		body := fmt.Sprintf("<%d>1 %s %s %s %d - - %s",
			pri, m.Time.Format(time.RFC3339), s.hostname, m.Tag, m.Pid, m.Content)
		payload = []byte(fmt.Sprintf("%d %s", len(body), body))
	} else {
		body := fmt.Sprintf("<%d>%s %s %s: %s",
			pri, m.Time.Format(time.Stamp), s.hostname, m.Tag, m.Content)
		payload = []byte(body)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(payload)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		logger.Debugf("syslogd: remote sink %s write failed, will reconnect: %v", s.addr, err)
	}
	return err
}

func (s *RemoteSink) connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	if s.closed {
		return fmt.Errorf("write to closed remote sink")
	}
	conn, err := net.Dial(s.network, s.addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *RemoteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
