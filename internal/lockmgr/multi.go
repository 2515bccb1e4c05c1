package lockmgr

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-governor/internal/wait"
)

// EnterLocks takes every lock in set, blocking as needed. Keys are taken in
// sorted order; if any acquisition does not succeed the locks already taken
// are released before returning.
func (m *Manager) EnterLocks(ctx context.Context, set LockSet) (wait.Outcome, error) {
	return m.enterLocks(ctx, set, false)
}

// EnterLocksNoWait takes every lock in set or none of them.
func (m *Manager) EnterLocksNoWait(ctx context.Context, set LockSet) (wait.Outcome, error) {
	return m.enterLocks(ctx, set, true)
}

func (m *Manager) enterLocks(ctx context.Context, set LockSet, noWait bool) (wait.Outcome, error) {
	reqs := set.ordered()
	for i, req := range reqs {
		outcome, err := m.enterLock(ctx, req.name, req.mode, noWait)
		if err == nil && outcome == wait.Granted {
			continue
		}
		// Unwinding must finish even if ctx is what ended the acquisition.
		if rerr := m.leaveRequests(context.WithoutCancel(ctx), reqs[:i]); rerr != nil {
			m.logger.Error("release partial lock set", zap.Error(rerr))
			err = errors.Join(err, rerr)
		}
		return outcome, err
	}
	return wait.Granted, nil
}

// LeaveLocks releases every lock in set in reverse acquisition order.
func (m *Manager) LeaveLocks(ctx context.Context, set LockSet) error {
	return m.leaveRequests(ctx, set.ordered())
}

func (m *Manager) leaveRequests(ctx context.Context, reqs []request) error {
	var errs []error
	for i := len(reqs) - 1; i >= 0; i-- {
		if err := m.leaveLock(ctx, reqs[i].name, reqs[i].mode); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Critical sections are the process-local counterpart of named locks. They
// never touch the coordination store.

func (m *Manager) enterSection(ctx context.Context, name string, mode Mode) wait.Outcome {
	if strings.TrimSpace(name) == "" {
		return wait.Aborted
	}
	outcome, _ := m.sections.enter(ctx, name, mode, false, m.closed, nil)
	return outcome
}

// EnterReadCriticalSection blocks until the section is entered for reading.
func (m *Manager) EnterReadCriticalSection(ctx context.Context, name string) wait.Outcome {
	return m.enterSection(ctx, name, Read)
}

// LeaveReadCriticalSection leaves a read section.
func (m *Manager) LeaveReadCriticalSection(name string) error {
	return m.sections.leave(context.Background(), name, Read, nil)
}

// EnterNonExWriteCriticalSection blocks until the section is entered for non-exclusive writing.
func (m *Manager) EnterNonExWriteCriticalSection(ctx context.Context, name string) wait.Outcome {
	return m.enterSection(ctx, name, NonExWrite)
}

// LeaveNonExWriteCriticalSection leaves a non-exclusive write section.
func (m *Manager) LeaveNonExWriteCriticalSection(name string) error {
	return m.sections.leave(context.Background(), name, NonExWrite, nil)
}

// EnterWriteCriticalSection blocks until the section is entered exclusively.
func (m *Manager) EnterWriteCriticalSection(ctx context.Context, name string) wait.Outcome {
	return m.enterSection(ctx, name, Write)
}

// LeaveWriteCriticalSection leaves an exclusive section.
func (m *Manager) LeaveWriteCriticalSection(name string) error {
	return m.sections.leave(context.Background(), name, Write, nil)
}

// EnterCriticalSections enters every section in set in canonical order.
func (m *Manager) EnterCriticalSections(ctx context.Context, set LockSet) wait.Outcome {
	reqs := set.ordered()
	for i, req := range reqs {
		if outcome := m.enterSection(ctx, req.name, req.mode); outcome != wait.Granted {
			_ = m.leaveSections(reqs[:i])
			return outcome
		}
	}
	return wait.Granted
}

// LeaveCriticalSections leaves every section in set in reverse order.
func (m *Manager) LeaveCriticalSections(set LockSet) error {
	return m.leaveSections(set.ordered())
}

func (m *Manager) leaveSections(reqs []request) error {
	var errs []error
	for i := len(reqs) - 1; i >= 0; i-- {
		if err := m.sections.leave(context.Background(), reqs[i].name, reqs[i].mode, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
