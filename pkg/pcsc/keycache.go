package pcsc

import (
	"context"
	"sync"

	"github.com/gregLibert/nfc-pcsc/internal/syncutil"
	"github.com/gregLibert/nfc-pcsc/pkg/iso7816"
	"golang.org/x/sync/singleflight"
)

// keyCache tracks which key sits in each of the reader's volatile key slots.
//
// A slot is pinned while an authentication uses it and reserved while a key
// is being loaded into it. Neither kind of slot is chosen for eviction. The
// recorded key is cleared before a load and only set again once the reader
// confirmed it, so a failed load leaves the slot empty.
type keyCache struct {
	mu       syncutil.Mutex
	cond     *sync.Cond
	keys     [iso7816.KeySlots]*Key
	pins     [iso7816.KeySlots]int
	reserved [iso7816.KeySlots]bool
	// gen changes on clear so loads started before it are not recorded.
	gen uint64

	// loads collapses concurrent loads of the same key.
	loads singleflight.Group
}

func newKeyCache() *keyCache {
	c := &keyCache{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// lookup returns the slot holding key.
func (c *keyCache) lookup(key Key) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.find(key)
}

func (c *keyCache) find(key Key) (int, bool) {
	for slot, k := range c.keys {
		if k != nil && *k == key && !c.reserved[slot] {
			return slot, true
		}
	}
	return -1, false
}

// acquire pins and returns the slot holding key.
func (c *keyCache) acquire(key Key) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.find(key)
	if ok {
		c.pins[slot]++
	}
	return slot, ok
}

// unpin releases a slot returned by acquire.
func (c *keyCache) unpin(slot int) {
	c.mu.Lock()
	c.pins[slot]--
	c.mu.Unlock()
	c.cond.Broadcast()
}

// reserve picks a slot to load a key into and clears it. With slot < 0 it
// prefers an empty slot, then slot 0, then slot 1. It blocks while every
// candidate is in use, until ctx ends.
func (c *keyCache) reserve(ctx context.Context, slot int) (int, uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return -1, 0, context.Cause(ctx)
		}
		if s := c.pick(slot); s >= 0 {
			c.reserved[s] = true
			c.keys[s] = nil
			return s, c.gen, nil
		}
		c.cond.Wait()
	}
}

func (c *keyCache) pick(slot int) int {
	free := func(s int) bool { return c.pins[s] == 0 && !c.reserved[s] }

	if slot >= 0 {
		if free(slot) {
			return slot
		}
		return -1
	}
	for s := range c.keys {
		if c.keys[s] == nil && free(s) {
			return s
		}
	}
	for s := range c.keys {
		if free(s) {
			return s
		}
	}
	return -1
}

// commit ends a reservation. A nil key, or a cache cleared since reserve,
// leaves the slot empty.
func (c *keyCache) commit(slot int, gen uint64, key *Key) {
	c.mu.Lock()
	c.reserved[slot] = false
	if gen == c.gen {
		c.keys[slot] = key
	}
	c.mu.Unlock()
	c.cond.Broadcast()
}

// clear forgets every loaded key. Pins and reservations are kept.
func (c *keyCache) clear() {
	c.mu.Lock()
	for s := range c.keys {
		c.keys[s] = nil
	}
	c.gen++
	c.mu.Unlock()
	c.cond.Broadcast()
}

// snapshot returns the keys currently recorded, nil for empty slots.
func (c *keyCache) snapshot() [iso7816.KeySlots]*Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [iso7816.KeySlots]*Key
	for s, k := range c.keys {
		if k != nil {
			kk := *k
			out[s] = &kk
		}
	}
	return out
}
