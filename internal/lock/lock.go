// Package lock implements the reentrant, counted advisory file lock shared
// by PkgDB, XDB and IdxDB. Exactly one advisory file lock protects the
// triple, taken on the PkgDB file descriptor and shared by the other two.
package lock

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrReadOnly is returned when an exclusive acquire is attempted on a
// read-only handle.
var ErrReadOnly = errors.New("lock: exclusive acquire on read-only handle")

// ErrNotHeld is returned by Unlock when the matching Lock was never taken.
var ErrNotHeld = errors.New("lock: release without matching acquire")

// FileLock is a whole-file flock(2)-based advisory lock with counted,
// reentrant-per-handle discipline:
//
//   - multiple shared acquires by the same handle nest
//   - one exclusive acquire suppresses subsequent shared acquires into a no-op
//   - releasing shared while holding exclusive is tracked separately
//   - a pending exclusive-to-shared downgrade re-takes shared before
//     releasing exclusive
//
// It is not safe for concurrent use from multiple goroutines against the
// same FileLock without external synchronization; callers that share a
// handle across goroutines must serialize Lock/Unlock themselves.
type FileLock struct {
	fd       int
	readOnly bool

	mu           sync.Mutex
	sharedCount  uint
	exclCount    uint
	generationCb func()
}

// New wraps fd (the file descriptor of the file being protected). readOnly
// marks a handle that must fail every exclusive acquire attempt.
func New(fd int, readOnly bool) *FileLock {
	return &FileLock{fd: fd, readOnly: readOnly}
}

// OnRelease registers a callback invoked each time the lock transitions to
// fully unlocked (count reaches zero on both shared and exclusive). PkgDB
// uses this to mark its cached header stale, mirroring rpmpkgUnlock's
// "header_ok = 0" reset.
func (l *FileLock) OnRelease(cb func()) {
	l.mu.Lock()
	l.generationCb = cb
	l.mu.Unlock()
}

// Lock acquires the lock, shared or exclusive, nesting per handle.
func (l *FileLock) Lock(exclusive bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exclusive && l.readOnly {
		return ErrReadOnly
	}

	if exclusive {
		if l.exclCount > 0 {
			l.exclCount++
			return nil
		}
		if err := l.flock(unix.LOCK_EX); err != nil {
			return errors.Wrap(err, "lock: acquire exclusive")
		}
		l.exclCount++
		return nil
	}

	// Shared acquire: a no-op (beyond counting) if we already hold
	// exclusive, or if we already hold shared.
	if l.exclCount > 0 || l.sharedCount > 0 {
		l.sharedCount++
		return nil
	}
	if err := l.flock(unix.LOCK_SH); err != nil {
		return errors.Wrap(err, "lock: acquire shared")
	}
	l.sharedCount++
	return nil
}

// Unlock releases one level of the lock acquired via Lock(exclusive).
func (l *FileLock) Unlock(exclusive bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exclusive {
		if l.exclCount == 0 {
			return ErrNotHeld
		}
		if l.exclCount > 1 {
			l.exclCount--
			return nil
		}
		if l.sharedCount > 0 {
			// Downgrade: re-take shared before releasing exclusive so the
			// lock is never briefly unheld.
			if err := l.flock(unix.LOCK_SH); err != nil {
				return errors.Wrap(err, "lock: downgrade to shared")
			}
			l.exclCount--
			return nil
		}
		if err := l.flock(unix.LOCK_UN); err != nil {
			return errors.Wrap(err, "lock: release exclusive")
		}
		l.exclCount--
		l.notifyReleased()
		return nil
	}

	if l.sharedCount == 0 {
		return ErrNotHeld
	}
	if l.sharedCount > 1 || l.exclCount > 0 {
		l.sharedCount--
		return nil
	}
	if err := l.flock(unix.LOCK_UN); err != nil {
		return errors.Wrap(err, "lock: release shared")
	}
	l.sharedCount--
	l.notifyReleased()
	return nil
}

// Held reports whether any level of lock is currently held by this handle.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharedCount > 0 || l.exclCount > 0
}

func (l *FileLock) notifyReleased() {
	if l.sharedCount == 0 && l.exclCount == 0 && l.generationCb != nil {
		l.generationCb()
	}
}

func (l *FileLock) flock(how int) error {
	for {
		err := unix.Flock(l.fd, how)
		if err != unix.EINTR {
			return err
		}
	}
}
