//go:build !deadlock

// Package syncutil holds the mutexes used by reader sessions.
// Building with -tags=deadlock swaps in github.com/sasha-s/go-deadlock.
package syncutil

import "sync"

// Mutex is a sync.Mutex.
type Mutex struct {
	sync.Mutex
}
