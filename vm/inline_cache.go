package vm

// Inline caches for virtual dispatch
//
// Each invokevirtual/invokeinterface site keeps the receiver classes it has
// seen and the routine each resolved to. Most sites only ever see one
// class; the cache goes megamorphic after MaxPICEntries and then always
// performs the full lookup.

// CacheState is the state of one call-site cache.
type CacheState uint8

const (
	CacheEmpty CacheState = iota
	CacheMonomorphic
	CachePolymorphic
	CacheMegamorphic
)

var cacheStateNames = [...]string{"empty", "monomorphic", "polymorphic", "megamorphic"}

func (s CacheState) String() string {
	if int(s) < len(cacheStateNames) {
		return cacheStateNames[s]
	}
	return "invalid"
}

// MaxPICEntries bounds a polymorphic cache.
const MaxPICEntries = 4

type cacheEntry struct {
	class  *Class
	target *Routine
}

// InlineCache is the dispatch cache of one call site.
// Empty -> Monomorphic -> Polymorphic -> Megamorphic.
type InlineCache struct {
	State   CacheState
	entries [MaxPICEntries]cacheEntry
	count   int

	Hits   uint64
	Misses uint64
}

// Lookup returns the cached target for class, or nil.
func (ic *InlineCache) Lookup(class *Class) *Routine {
	for i := 0; i < ic.count; i++ {
		if ic.entries[i].class == class {
			ic.Hits++
			return ic.entries[i].target
		}
	}
	ic.Misses++
	return nil
}

// Update records that class resolved to target.
func (ic *InlineCache) Update(class *Class, target *Routine) {
	if target == nil || ic.State == CacheMegamorphic {
		return
	}
	for i := 0; i < ic.count; i++ {
		if ic.entries[i].class == class {
			return
		}
	}
	if ic.count == MaxPICEntries {
		ic.State = CacheMegamorphic
		ic.entries = [MaxPICEntries]cacheEntry{}
		ic.count = 0
		return
	}
	ic.entries[ic.count] = cacheEntry{class, target}
	ic.count++
	if ic.count == 1 {
		ic.State = CacheMonomorphic
	} else {
		ic.State = CachePolymorphic
	}
}

// Classes returns the receiver classes cached at this site.
func (ic *InlineCache) Classes() []*Class {
	out := make([]*Class, ic.count)
	for i := range out {
		out[i] = ic.entries[i].class
	}
	return out
}

// resolve looks class up through the cache of the site, filling it on a
// miss.
func (ic *InlineCache) resolve(class *Class, name string) *Routine {
	if target := ic.Lookup(class); target != nil {
		return target
	}
	target := class.Lookup(name)
	ic.Update(class, target)
	return target
}

// CacheStats aggregates the interpreter's call-site caches.
type CacheStats struct {
	Sites       int
	Monomorphic int
	Polymorphic int
	Megamorphic int
	Hits        uint64
	Misses      uint64
}

// InlineCache returns the cache of the call site at loc, or nil if the site
// never dispatched.
func (in *Interpreter) InlineCache(loc Location) *InlineCache {
	return in.caches[loc]
}

func (in *Interpreter) siteCache(loc Location) *InlineCache {
	ic := in.caches[loc]
	if ic == nil {
		if in.caches == nil {
			in.caches = make(map[Location]*InlineCache)
		}
		ic = &InlineCache{}
		in.caches[loc] = ic
	}
	return ic
}

// CacheStats returns aggregate call-site cache statistics.
func (in *Interpreter) CacheStats() CacheStats {
	stats := CacheStats{Sites: len(in.caches)}
	for _, ic := range in.caches {
		switch ic.State {
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		}
		stats.Hits += ic.Hits
		stats.Misses += ic.Misses
	}
	return stats
}
