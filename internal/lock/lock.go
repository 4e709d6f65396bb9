package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker hands out exclusive, keyed locks. The returned func releases the
// lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no holder
// or waiter remains.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, l, true) }) }, nil
}

func (k *KeyedMutex) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// LockAll acquires every key in sorted order and returns a single release
// func. Duplicates and empty keys are skipped. On failure nothing is held.
func LockAll(ctx context.Context, l Locker, keys ...string) (func(), error) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range sorted {
		u, err := l.Lock(ctx, k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return releaseAll, nil
}

// LockRidesThenPools takes the ride keys before the pool keys. Every
// membership change acquires locks in this order.
func LockRidesThenPools(ctx context.Context, l Locker, rideIDs, poolIDs []string) (func(), error) {
	rideKeys := make([]string, 0, len(rideIDs))
	for _, id := range rideIDs {
		if id != "" {
			rideKeys = append(rideKeys, RideKey(id))
		}
	}
	poolKeys := make([]string, 0, len(poolIDs))
	for _, id := range poolIDs {
		if id != "" {
			poolKeys = append(poolKeys, PoolKey(id))
		}
	}
	releaseRides, err := LockAll(ctx, l, rideKeys...)
	if err != nil {
		return nil, err
	}
	releasePools, err := LockAll(ctx, l, poolKeys...)
	if err != nil {
		releaseRides()
		return nil, err
	}
	return func() {
		releasePools()
		releaseRides()
	}, nil
}

func RideKey(id string) string { return "ride:" + id }
func PoolKey(id string) string { return "pool:" + id }
