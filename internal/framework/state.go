// File: internal/framework/state.go
package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Status is the scan lifecycle state.
type Status string

const (
	StatusReady      Status = "ready"
	StatusPreparing  Status = "preparing"
	StatusScanning   Status = "scanning"
	StatusPausing    Status = "pausing"
	StatusPaused     Status = "paused"
	StatusSuspending Status = "suspending"
	StatusSuspended  Status = "suspended"
	StatusAborting   Status = "aborting"
	StatusCleanup    Status = "cleanup"
	StatusDone       Status = "done"
	StatusAborted    Status = "aborted"
	StatusTimedOut   Status = "timed_out"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusAborted || s == StatusTimedOut || s == StatusSuspended
}

var (
	// ErrStateNotSuspendable is returned when suspending an idle or paused scan.
	ErrStateNotSuspendable = errors.New("framework: state not suspendable")
	// ErrStateNotAbortable is returned when aborting an idle scan.
	ErrStateNotAbortable = errors.New("framework: state not abortable")
	// ErrInvalidState is returned for operations that make no sense in the
	// current state, like running a scan twice or resuming an unknown pause.
	ErrInvalidState = errors.New("framework: invalid state")
)

// Status messages.
const (
	msgSuspending       = "Will suspend as soon as the current page is audited."
	msgWaitingBrowsers  = "Waiting for %d browser jobs to finish."
	msgSavingSnapshot   = "Saving snapshot at: %s"
	msgSnapshotLocation = "Snapshot location: %s"
	msgBrowserShutdown  = "Shutting down the browser pool."
	msgClearingQueues   = "Clearing the audit queues."
	msgAborting         = "Aborting the scan."
	msgTimedOut         = "Scan timed out."
)

// state is the lifecycle machine. Waiters block on changed, which is closed
// and replaced on every transition.
type state struct {
	mu       sync.Mutex
	changed  chan struct{}
	status   Status
	prePause Status
	running  bool
	abort    bool
	suspend  bool

	pauses    map[uint64]struct{}
	nextPause uint64

	messages []string
}

func newState() *state {
	return &state{
		changed: make(chan struct{}),
		status:  StatusReady,
		pauses:  make(map[uint64]struct{}),
	}
}

func (s *state) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until cond, evaluated under the lock, holds.
func (s *state) wait(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		if cond() {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *state) get() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *state) set(st Status) {
	s.mu.Lock()
	s.status = st
	s.notify()
	s.mu.Unlock()
}

func (s *state) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *state) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || (s.status != StatusReady && s.status != StatusPaused) {
		return fmt.Errorf("%w: cannot start a %s scan", ErrInvalidState, s.status)
	}
	s.running = true
	if s.status == StatusReady {
		s.status = StatusPreparing
	} else {
		s.prePause = StatusPreparing
	}
	s.notify()
	return nil
}

// scanning moves a preparing scan to scanning unless a pause is pending.
func (s *state) scanning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pauses) > 0 {
		s.prePause = StatusScanning
		return
	}
	if s.status != StatusPreparing {
		return
	}
	s.status = StatusScanning
	s.notify()
}

func (s *state) finish(st Status) {
	s.mu.Lock()
	s.running = false
	s.abort = false
	s.suspend = false
	s.status = st
	s.notify()
	s.mu.Unlock()
}

// -- Pause --

func (s *state) pause() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPaused && s.status != StatusPausing {
		s.prePause = s.status
	}
	if s.status != StatusPaused {
		s.status = StatusPausing
	}
	s.nextPause++
	id := s.nextPause
	s.pauses[id] = struct{}{}

	if !s.running {
		s.status = StatusPaused
		s.messages = nil
	}
	s.notify()
	return id
}

func (s *state) resume(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pauses[id]; !ok {
		return fmt.Errorf("%w: no pause request with ID %d", ErrInvalidState, id)
	}
	delete(s.pauses, id)
	if len(s.pauses) == 0 {
		s.unpause()
	}
	s.notify()
	return nil
}

// unpause restores the status held before the first pause. A pending abort
// keeps the scan aborting. Callers hold s.mu.
func (s *state) unpause() {
	if !s.abort {
		s.status = s.prePause
	}
	s.prePause = ""
}

// forceResume drops every pause request.
func (s *state) forceResume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pauses) == 0 {
		return
	}
	clear(s.pauses)
	s.unpause()
	s.notify()
}

func (s *state) pauseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pauses) > 0
}

// paused marks the pause as effective unless an abort is pending.
func (s *state) paused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abort {
		return
	}
	s.status = StatusPaused
	s.messages = nil
	s.notify()
}

// -- Abort and suspend --

func (s *state) requestAbort() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAborting || s.status == StatusAborted {
		return false, nil
	}
	if !s.running {
		return false, fmt.Errorf("%w: cannot abort an idle scan", ErrStateNotAbortable)
	}
	s.messages = []string{msgAborting}
	s.status = StatusAborting
	s.abort = true
	s.notify()
	return true, nil
}

func (s *state) abortRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

func (s *state) requestSuspend() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusSuspending || s.status == StatusSuspended {
		return false, nil
	}
	if s.status == StatusPaused || s.status == StatusPausing {
		return false, fmt.Errorf("%w: cannot suspend a paused scan", ErrStateNotSuspendable)
	}
	if !s.running {
		return false, fmt.Errorf("%w: cannot suspend an idle scan", ErrStateNotSuspendable)
	}
	s.messages = []string{msgSuspending}
	s.status = StatusSuspending
	s.suspend = true
	s.notify()
	return true, nil
}

func (s *state) suspendRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspend
}

// -- Messages --

func (s *state) setMessage(format string, args ...any) {
	s.mu.Lock()
	s.messages = []string{fmt.Sprintf(format, args...)}
	s.mu.Unlock()
}

func (s *state) addMessage(format string, args ...any) {
	s.mu.Lock()
	s.messages = append(s.messages, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *state) statusMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}
