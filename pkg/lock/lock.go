// Package lock provides the global voice lock: a mutual-exclusion token that
// prevents two call surfaces from holding an active transport at once.
package lock

import (
	"context"
	"sync"

	"github.com/Eugeneai777/emotioncoach-sub003/pkg/core"
)

// VoiceLock is acquired before any transport work begins and released on
// every exit path. Acquire fails fast when the lock is already held.
type VoiceLock interface {
	// Acquire takes the lock for owner. The returned release function is
	// idempotent and must be called on every exit path.
	Acquire(ctx context.Context, owner string) (release func(), err error)
	// Holder returns the current owner, or "" when the lock is free.
	Holder() string
}

// ProcessLock is the in-process voice lock used when all call surfaces live
// in one process.
type ProcessLock struct {
	mu    sync.Mutex
	owner string
}

// NewProcessLock creates an unheld in-process voice lock.
func NewProcessLock() *ProcessLock {
	return &ProcessLock{}
}

// Acquire implements VoiceLock.
func (l *ProcessLock) Acquire(_ context.Context, owner string) (func(), error) {
	if owner == "" {
		return nil, core.NewInvalidRequestError("lock owner must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != "" {
		return nil, core.NewConflictError("another call is already active: " + l.owner)
	}
	l.owner = owner

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.owner == owner {
				l.owner = ""
			}
		})
	}
	return release, nil
}

// Holder implements VoiceLock.
func (l *ProcessLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
