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

// Package reaper implements chaperone's init reaper: a
// waitpid(-1) loop that dispatches exit notifications to supervised
// services, detects "no children remain" for auto-exit, and handles
// adopted zombies.
//
// It is grounded on pebble's internals/reaper (the subreaper prctl
// dance and the WaitCommand drain-loop shape) generalised from "one
// blocking waiter per exec.Cmd" to the callback-table + zombie-queue model
// a PID-1 supervisor managing many concurrent
// services plus inetd/forking grandchildren.
package reaper

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/garywiz/chaperone/internal/logger"
	"github.com/garywiz/chaperone/internal/procstatus"
)

// Callback is invoked with the decoded exit status of a previously
// registered PID. It runs outside the reaper's lock ("callbacks
// are dispatched outside the lock").
type Callback func(procstatus.ProcStatus)

// Reaper owns the callback table, the zombie queue, and the
// "had children ever" latch used to fire OnNoProcesses.
type Reaper struct {
	mu        sync.Mutex
	callbacks map[int]Callback
	zombies   map[int]procstatus.ProcStatus
	forks     int // >0 while a start() is mid-spawn; see AddChildHandler
	hadChildren bool

	// OnNoProcesses fires (from the reaper's own goroutine) when waitpid
	// returns ECHILD after at least one child has ever existed.
	OnNoProcesses func()

	stop    chan struct{}
	stopped chan struct{}

	// dispatch, when set, marshals callback delivery onto another
	// goroutine (the controller's single-threaded event loop analogue),
	// delivered asynchronously rather than from the signal handler itself. If nil,
	// callbacks run directly on the signal-drain goroutine.
	dispatch func(func())
}

// New creates a Reaper. dispatch may be nil to invoke callbacks inline.
func New(dispatch func(func())) *Reaper {
	return &Reaper{
		callbacks: make(map[int]Callback),
		zombies:   make(map[int]procstatus.ProcStatus),
		dispatch:  dispatch,
	}
}

// Start sets this process as a child subreaper and begins the SIGCHLD
// drain loop in the background. Must be called exactly once, as early as
// possible (before any service is spawned), since PID-1 semantics require
// subreaping to be in effect before children are forked.
func (r *Reaper) Start() error {
	if r.stop != nil {
		return nil
	}
	isSubreaper, err := setChildSubreaper()
	if err != nil {
		return fmt.Errorf("cannot set child subreaper: %w", err)
	}
	if !isSubreaper {
		return fmt.Errorf("child subreaping unavailable on this kernel")
	}

	r.stop = make(chan struct{})
	r.stopped = make(chan struct{})
	go func() {
		r.loop(r.stop)
		close(r.stopped)
	}()
	return nil
}

// Stop halts the drain loop.
func (r *Reaper) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.stopped
	r.stop = nil
}

func setChildSubreaper() (bool, error) {
	err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	if err == unix.EINVAL {
		return false, nil
	}
	return true, err
}

func (r *Reaper) loop(stop <-chan struct{}) {
	logger.Debugf("reaper: waiting for SIGCHLD")
	sigChld := make(chan os.Signal, 1)
	signal.Notify(sigChld, unix.SIGCHLD)
	defer signal.Stop(sigChld)
	for {
		select {
		case <-sigChld:
			r.CheckProcesses()
		case <-stop:
			logger.Debugf("reaper: stopped")
			return
		}
	}
}

// BeginFork marks the start of a critical section during which a new
// child may be forked but not yet registered via AddChildHandler. Exits
// reaped while forks > 0 are queued into the zombie table instead of being
// logged and dropped as collateral. Callers must call the
// returned function when the fork (and registration) is complete.
func (r *Reaper) BeginFork() (end func()) {
	r.mu.Lock()
	r.forks++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.forks--
		r.mu.Unlock()
	}
}

// AddChildHandler registers fn to be called with pid's exit status. If an
// exit for pid is already queued in the zombie table (it arrived before
// this registration, during a BeginFork section), fn fires immediately
// from the calling goroutine.
func (r *Reaper) AddChildHandler(pid int, fn Callback) {
	r.mu.Lock()
	if status, ok := r.zombies[pid]; ok {
		delete(r.zombies, pid)
		r.mu.Unlock()
		fn(status)
		return
	}
	r.callbacks[pid] = fn
	r.mu.Unlock()
}

// RemoveChildHandler cancels a previously registered callback without
// firing it (used when a service is reset before its process exits is
// irrelevant here, but kept for symmetry with AddChildHandler).
func (r *Reaper) RemoveChildHandler(pid int) {
	r.mu.Lock()
	delete(r.callbacks, pid)
	r.mu.Unlock()
}

// CheckProcesses drains waitpid(-1, WNOHANG) immediately, without waiting
// for a SIGCHLD. Safe to call concurrently with the background loop.
func (r *Reaper) CheckProcesses() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == nil && pid > 0:
			r.mu.Lock()
			r.hadChildren = true
			status := procstatus.FromWaitStatus(ws)
			cb, ok := r.callbacks[pid]
			if ok {
				delete(r.callbacks, pid)
			}
			forksInFlight := r.forks > 0
			if !ok && forksInFlight {
				r.zombies[pid] = status
			}
			r.mu.Unlock()

			if ok {
				r.deliver(cb, status)
			} else if !forksInFlight {
				logger.Debugf("reaper: collateral reap of PID %d (status %v)", pid, ws)
			}

		case err == nil:
			// pid == 0: WNOHANG, nothing ready right now.
			return

		case err == unix.ECHILD:
			r.mu.Lock()
			had := r.hadChildren
			r.mu.Unlock()
			if had && r.OnNoProcesses != nil {
				r.deliver(func(procstatus.ProcStatus) { r.OnNoProcesses() }, procstatus.ProcStatus{})
			}
			return

		default:
			logger.Noticef("reaper: cannot wait for children: %v", err)
			return
		}
	}
}

func (r *Reaper) deliver(cb Callback, status procstatus.ProcStatus) {
	if r.dispatch != nil {
		r.dispatch(func() { cb(status) })
		return
	}
	cb(status)
}
