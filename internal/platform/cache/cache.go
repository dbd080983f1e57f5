// Package cache implements the tiered feed cache: an in-process LRU (L1) over
// the durable store (L2), with invalidation forwarded to the remote query
// coordinator (L3).
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidValue is returned when a cached value cannot be decoded
var ErrInvalidValue = errors.New("cache: invalid value")

// Layer names used in metrics and logs
const (
	LayerL1 = "l1"
	LayerL2 = "l2"
)

// Entry is one cached value with its freshness bookkeeping
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration
}

// Fresh reports whether the entry is still within its TTL at now
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Age returns how old the entry is at now
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// SetOptions controls a write
type SetOptions struct {
	// TTL defaults to the manager's DefaultTTL when zero
	TTL time.Duration
	// Persistent also writes the durable tier
	Persistent bool
}

// QueryInvalidator is the L3 hook: the remote query coordinator drops its
// cached responses so the next read goes to the network.
type QueryInvalidator interface {
	InvalidateQueries(key string)
	InvalidatePrefix(prefix string)
	Size() int
}

// Stats is a diagnostic snapshot of tier sizes
type Stats struct {
	L1Size int `json:"l1Size"`
	L2Size int `json:"l2Size"`
	L3Size int `json:"l3Size"`
}

// FetchFunc loads a fresh value from upstream
type FetchFunc func(ctx context.Context) (any, error)
