package ratelimit

import (
	"context"
	"time"
)

// Acquisition is the store's answer to one permit request.
type Acquisition struct {
	Acquired bool
	// Count is the record's count including this request. When the permit
	// was refused it is limit+1, the count the request would have produced.
	Count   int
	ResetAt time.Time
}

// Store is a shared atomic counter service. Implementations must make
// TryAcquire a single atomic step across every process that shares the store,
// and wrap every failure in ErrStoreUnavailable.
type Store interface {
	// TryAcquire takes a permit under key if fewer than limit are in use.
	// The first permit of a window sets the expiry to now+window.
	TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (Acquisition, error)

	// PeekCount reads the current count without changing it. Best-effort.
	PeekCount(ctx context.Context, key string) (int, error)
}

// SlidingStore is implemented by stores that can count over a window split
// into segments. The limit applies to the sum of the last segments
// sub-windows, so a burst at a window boundary cannot double the rate.
type SlidingStore interface {
	TryAcquireSliding(ctx context.Context, key string, limit int, window time.Duration, segments int) (Acquisition, error)
}
