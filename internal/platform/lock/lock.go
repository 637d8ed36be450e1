// Package lock serialises writers to the same logical resource across
// server instances.
package lock

import (
	"context"
	"time"
)

// Locker acquires and releases named locks. Acquire reports false when
// another holder owns the lock.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Nop grants every lock. It is used when no lock backend is configured;
// version checks at flush time still reject lost races.
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Nop) Release(context.Context, string) error { return nil }

// ResourceKey names the lock guarding one logical resource.
func ResourceKey(ownerID, resourceType, id string) string {
	return ownerID + ":" + resourceType + ":" + id
}
