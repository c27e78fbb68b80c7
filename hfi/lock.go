package hfi

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// CoreLock is the core-wide mutex. Lock hands out a Token that proves the
// lock is held; operations that need the lock take the token as an argument.
type CoreLock struct {
	mu     sync.Mutex
	holder atomic.Pointer[Token]
}

// Token is the proof that a CoreLock is held. It becomes stale on Unlock.
type Token struct {
	lock *CoreLock
}

// Lock acquires the core lock.
func (l *CoreLock) Lock() *Token {
	l.mu.Lock()
	t := &Token{lock: l}
	l.holder.Store(t)
	return t
}

// Verify reports whether t is the live token of this lock.
func (l *CoreLock) Verify(t *Token) error {
	if t == nil || t.lock != l || l.holder.Load() != t {
		return ErrLockNotHeld
	}
	return nil
}

// Held reports whether the token is still live.
func (t *Token) Held() bool {
	return t != nil && t.lock.holder.Load() == t
}

// Unlock releases the lock. Unlocking a stale token is logged and ignored.
func (t *Token) Unlock() {
	if !t.Held() {
		logrus.WithFields(logrus.Fields{
			"function": "Unlock",
		}).Error("Unlock with stale core lock token")
		return
	}
	t.lock.holder.Store(nil)
	t.lock.mu.Unlock()
}
