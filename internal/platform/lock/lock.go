// Package lock provides keyed mutual exclusion for short critical sections,
// either in-process or across instances through Redis.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended or the wait budget ran out.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive locks by key. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
