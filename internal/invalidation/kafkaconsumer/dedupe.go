package kafkaconsumer

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionDedupe remembers the newest applied version per key.
type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 8192
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// stale is true when a version >= v was already applied for key.
func (d *versionDedupe) stale(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return ok && v <= last
}

func (d *versionDedupe) mark(key string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lru.Get(key); ok && last >= v {
		return
	}
	d.lru.Add(key, v)
}
