package session

import "sync"

// turnGuard admits one turn per conversation at a time within this process.
type turnGuard struct {
	locks sync.Map
}

// acquire returns a release func, or ErrTurnInProgress when another turn
// holds the conversation.
func (g *turnGuard) acquire(convID string) (func(), error) {
	lock, _ := g.locks.LoadOrStore(convID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		return nil, ErrTurnInProgress
	}
	// A releasing turn may have removed the entry between LoadOrStore and
	// TryLock, in which case a newer mutex may already guard the conversation.
	if current, ok := g.locks.Load(convID); !ok || current != lock {
		mutex.Unlock()
		return nil, ErrTurnInProgress
	}
	return func() {
		g.locks.CompareAndDelete(convID, lock)
		mutex.Unlock()
	}, nil
}
