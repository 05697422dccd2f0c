package netcache

import (
	"sync"

	"github.com/cyclopcam/featex/pkg/cnn"
)

// Package netcache shares loaded networks between extractor instances, so
// that two extractors configured with the same (definition, weights) pair
// use one in-memory network instead of loading the weights twice.
//
// The cache holds entries weakly: every Acquire returns a refcounted Handle,
// and when the last Handle for a key is released, the entry is evicted and
// the network closed. A later Acquire with the same key loads from disk
// again. Failed loads are never retained.

// LoadFunc loads a network from disk. It is invoked by Acquire on a cache
// miss, at most once per key at a time.
type LoadFunc func(defPath, weightsPath string) (cnn.Network, error)

type key struct {
	def     string
	weights string
}

type entry struct {
	refs    int
	net     cnn.Network
	loading bool
	ready   chan struct{} // closed once the load attempt finishes
}

type Cache struct {
	lock    sync.Mutex
	entries map[key]*entry
}

func NewCache() *Cache {
	return &Cache{
		entries: map[key]*entry{},
	}
}

var shared = NewCache()

// Shared returns the process-wide cache.
func Shared() *Cache {
	return shared
}

// Handle is a strong reference to a cached network.
type Handle struct {
	cache   *Cache
	key     key
	net     cnn.Network
	release sync.Once
}

func (h *Handle) Network() cnn.Network {
	return h.net
}

// Release drops this reference. When the last handle for a key is released,
// the network is closed and the cache entry evicted. Release is idempotent.
func (h *Handle) Release() {
	h.release.Do(func() {
		h.cache.releaseKey(h.key)
	})
}

// Acquire returns a handle to the network for (defPath, weightsPath),
// loading it via 'load' if no live entry exists. Concurrent acquisitions of
// the same key wait for the in-flight load instead of loading twice.
func (c *Cache) Acquire(defPath, weightsPath string, load LoadFunc) (*Handle, error) {
	k := key{def: defPath, weights: weightsPath}
	c.lock.Lock()
	for {
		e := c.entries[k]
		if e == nil {
			break
		}
		if e.loading {
			// Another goroutine is loading this key. Wait for it, then
			// re-check: if the load failed, the entry is gone and we retry
			// the load ourselves.
			ready := e.ready
			c.lock.Unlock()
			<-ready
			c.lock.Lock()
			continue
		}
		e.refs++
		c.lock.Unlock()
		return &Handle{cache: c, key: k, net: e.net}, nil
	}

	e := &entry{loading: true, ready: make(chan struct{})}
	c.entries[k] = e
	c.lock.Unlock()

	net, err := load(defPath, weightsPath)

	c.lock.Lock()
	e.loading = false
	close(e.ready)
	if err != nil {
		delete(c.entries, k)
		c.lock.Unlock()
		return nil, err
	}
	e.net = net
	e.refs = 1
	c.lock.Unlock()
	return &Handle{cache: c, key: k, net: net}, nil
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

func (c *Cache) releaseKey(k key) {
	c.lock.Lock()
	e := c.entries[k]
	if e == nil {
		c.lock.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		c.lock.Unlock()
		return
	}
	delete(c.entries, k)
	net := e.net
	c.lock.Unlock()
	// Close outside the lock. The entry is already unreachable, so a racing
	// Acquire of the same key starts a fresh load.
	net.Close()
}
