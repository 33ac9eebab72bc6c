// Package session implements the anonymous discovery session store: a
// fixed-window message quota per client key with an attached DiscoveryContext.
//
// The gating algorithms in Limiter run unchanged against any Store. MemoryStore
// keeps state in-process, so each instance of a multi-instance deployment
// enforces its own independent quota per key. RedisStore shares state across
// instances that point at the same Redis.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/guestgate/internal/domain"
)

// ErrStoreConflict is returned when a backend could not apply a mutation
// atomically after retrying.
var ErrStoreConflict = errors.New("session store: concurrent update conflict")

// Entry is everything stored under one client key.
type Entry struct {
	Window  domain.RateWindow       `json:"window"`
	Context domain.DiscoveryContext `json:"context"`
}

func (e Entry) clone() Entry {
	e.Context = e.Context.Clone()
	return e
}

// MutateFunc is applied by Store.Touch with exclusive access to the key.
// exists is false when no entry was stored; e is then the zero Entry.
// Returning an error aborts the write.
type MutateFunc func(e *Entry, exists bool) error

// Store is the persistence seam for rate windows and discovery contexts.
type Store interface {
	// Get returns a snapshot of the entry for key.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Touch runs fn against the entry for key and stores the result. Calls for
	// the same key are linearized; calls for distinct keys do not block each other.
	Touch(ctx context.Context, key string, fn MutateFunc) (Entry, error)

	// Evict removes the entry for key.
	Evict(ctx context.Context, key string) error
}

// Expirer is implemented by stores that need an explicit sweep to release
// elapsed windows. Correctness never depends on it: Limiter expires windows
// lazily on access.
type Expirer interface {
	EvictExpired(ctx context.Context, now time.Time, window time.Duration) (int, error)
}
