package demangle

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru"
)

// Demangler is a Demangle with a bounded cache of recent results. It is
// safe for concurrent use.
//
// Signatures returned by a Demangler share their slices with the cache and
// must not be modified.
type Demangler struct {
	c *lru.Cache

	hits, misses uint64
}

// NewDemangler returns a Demangler caching up to size names. A size of
// zero or less disables caching.
func NewDemangler(size int) *Demangler {
	d := &Demangler{}
	if size > 0 {
		d.c, _ = lru.New(size)
	}
	return d
}

// Demangle is like the package level Demangle.
func (d *Demangler) Demangle(name string) Signature {
	if d == nil || d.c == nil || !IsMangled(name) {
		return Demangle(name)
	}
	if v, ok := d.c.Get(name); ok {
		atomic.AddUint64(&d.hits, 1)
		return v.(Signature)
	}
	atomic.AddUint64(&d.misses, 1)
	sig := Demangle(name)
	d.c.Add(name, sig)
	return sig
}

// Stats returns the number of cache hits and misses so far.
func (d *Demangler) Stats() (hits, misses uint64) {
	if d == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&d.hits), atomic.LoadUint64(&d.misses)
}
