package payee

import (
	"sync"

	"github.com/nuwa-protocol/payment-kit-go/subrav"
)

type subChannelKey struct {
	channelID    subrav.ChannelID
	vmIDFragment string
}

// keyMutex serializes the payment pipeline per sub-channel. Waiters are
// granted the lock in arrival order so a burst of requests on one
// sub-channel settles them first come, first served.
type keyMutex struct {
	mu    sync.Mutex
	locks map[subChannelKey]*keyLock
}

type keyLock struct {
	waiters []chan struct{}
	held    bool
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[subChannelKey]*keyLock)}
}

func (m *keyMutex) Lock(key subChannelKey) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{}
		m.locks[key] = lock
	}
	if !lock.held {
		lock.held = true
		m.mu.Unlock()
		return
	}

	ready := make(chan struct{})
	lock.waiters = append(lock.waiters, ready)
	m.mu.Unlock()

	<-ready
}

func (m *keyMutex) Unlock(key subChannelKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok || !lock.held {
		panic("unlock of unheld sub-channel lock")
	}

	if len(lock.waiters) == 0 {
		delete(m.locks, key)
		return
	}

	// Hand the lock to the oldest waiter without releasing it in between.
	next := lock.waiters[0]
	lock.waiters = lock.waiters[1:]
	close(next)
}
