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

package supervisor

import (
	"io"
	"net"
	"strings"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/reaper"
)

// InetdService listens on config.Listen and, for each accepted connection,
// spawns the configured command with the connection wired to its stdin and
// stdout, in the style of classic inetd.
type InetdService struct {
	config    *plan.Service
	env       *envexpand.Environment
	reaper    *reaper.Reaper
	restarter Restarter

	listener net.Listener
	stop     chan struct{}
}

// NewInetdService creates (but does not start listening for) an inetd
// service.
func NewInetdService(config *plan.Service, env *envexpand.Environment, r *reaper.Reaper, restarter Restarter) *InetdService {
	return &InetdService{config: config, env: env, reaper: r, restarter: restarter, stop: make(chan struct{})}
}

// Start begins listening on the configured address and accepting
// connections in the background.
func (s *InetdService) Start() error {
	network, address, err := parseListen(s.config.Listen)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, ending the accept loop. Connections already
// being serviced are left to finish.
func (s *InetdService) Stop() error {
	close(s.stop)
	return s.listener.Close()
}

func parseListen(spec string) (network, address string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", chaperrors.Parameterf("invalid listen address %q, want network:address", spec)
	}
	return parts[0], parts[1], nil
}

func (s *InetdService) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				logger.Noticef("Inetd service %q: accept error: %v", s.config.Name, err)
				return
			}
		}
		go s.serve(conn)
	}
}

func (s *InetdService) serve(conn net.Conn) {
	defer conn.Close()
	logger.Debugf("Inetd service %q: accepted connection from %s", s.config.Name, conn.RemoteAddr())

	proc := NewProcess(s.config, s.env, s.reaper, io.Discard, s.restarter)
	proc.connStdin = conn
	proc.connStdout = conn

	if err := proc.Start(); err != nil {
		logger.Noticef("Inetd service %q: failed to start handler: %v", s.config.Name, err)
		return
	}
	proc.Wait()
}
