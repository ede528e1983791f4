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
	"sync"

	cron "gopkg.in/robfig/cron.v2"

	"github.com/garywiz/chaperone/internal/chaperrors"
	"github.com/garywiz/chaperone/internal/envexpand"
	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/plan"
	"github.com/garywiz/chaperone/internal/reaper"
)

// CronService runs a oneshot-style command on the schedule given in its
// service config's Schedule field, one run at a time (a run still in
// progress when the next trigger fires is skipped, logged, and waited for
// normally on the following tick).
type CronService struct {
	config    *plan.Service
	env       *envexpand.Environment
	reaper    *reaper.Reaper
	output    io.Writer
	restarter Restarter

	cronRunner *cron.Cron
	entryID    cron.EntryID

	mu      sync.Mutex
	running bool
}

// NewCronService creates a scheduler for config, which must be of type cron.
func NewCronService(config *plan.Service, env *envexpand.Environment, r *reaper.Reaper, output io.Writer, restarter Restarter) (*CronService, error) {
	c := &CronService{config: config, env: env, reaper: r, output: output, restarter: restarter}
	runner := cron.New()
	id, err := runner.AddFunc(config.Schedule, c.runOnce)
	if err != nil {
		return nil, chaperrors.Parameterf("service %q has an invalid schedule %q: %v", config.Name, config.Schedule, err)
	}
	c.cronRunner = runner
	c.entryID = id
	return c, nil
}

// Start begins the cron scheduler; it returns immediately, runs happen on
// their own schedule in the background.
func (c *CronService) Start() error {
	c.cronRunner.Start()
	return nil
}

// Stop halts the scheduler. Any run already in progress is left to finish.
func (c *CronService) Stop() error {
	c.cronRunner.Stop()
	return nil
}

func (c *CronService) runOnce() {
	c.mu.Lock()
	if c.running {
		logger.Noticef("Cron service %q: previous run still in progress, skipping this tick", c.config.Name)
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	proc := NewProcess(c.config, c.env, c.reaper, c.output, c.restarter)
	if err := proc.Start(); err != nil {
		logger.Noticef("Cron service %q: run failed to start: %v", c.config.Name, err)
		return
	}
	proc.Wait()
	logger.Debugf("Cron service %q: run finished", c.config.Name)
}
