//go:build deadlock

// Package syncutil holds the mutexes used by reader sessions.
// This file is compiled with -tags=deadlock.
package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex is a deadlock.Mutex.
type Mutex struct {
	deadlock.Mutex
}
