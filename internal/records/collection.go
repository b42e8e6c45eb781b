// Package records implements RecordCollection, a hash-keyed set of
// wire.Record values supporting set algebra and conflict-detection
// queries. Within this module its user is the cache's HasConflictWith.
package records

import (
	"github.com/fernwood-systems/mdns/internal/wire"
)

// Collection is an unordered set of records keyed by content hash
// (wire.Record.Hash). Insertion order is not preserved; ToArray returns
// records in map iteration order, which callers must not depend on.
type Collection struct {
	byHash map[uint64]*wire.Record
}

// New returns an empty Collection.
func New() *Collection {
	return &Collection{byHash: make(map[uint64]*wire.Record)}
}

// FromSlice builds a Collection containing every record in recs.
func FromSlice(recs []*wire.Record) *Collection {
	c := New()
	c.AddEach(recs)
	return c
}

// Len returns the number of distinct records in the collection.
func (c *Collection) Len() int { return len(c.byHash) }

// Has reports whether an identical record (by content hash) is present.
func (c *Collection) Has(r *wire.Record) bool {
	_, ok := c.byHash[r.Hash()]
	return ok
}

// HasEach reports whether every record in recs is present.
func (c *Collection) HasEach(recs []*wire.Record) bool {
	for _, r := range recs {
		if !c.Has(r) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one record in recs is present.
func (c *Collection) HasAny(recs []*wire.Record) bool {
	for _, r := range recs {
		if c.Has(r) {
			return true
		}
	}
	return false
}

// Get returns the stored record identical to r, if any.
func (c *Collection) Get(r *wire.Record) (*wire.Record, bool) {
	v, ok := c.byHash[r.Hash()]
	return v, ok
}

// Add inserts r, replacing any record with the same hash.
func (c *Collection) Add(r *wire.Record) { c.byHash[r.Hash()] = r }

// AddEach inserts every record in recs.
func (c *Collection) AddEach(recs []*wire.Record) {
	for _, r := range recs {
		c.Add(r)
	}
}

// Delete removes a record identical to r, if present.
func (c *Collection) Delete(r *wire.Record) { delete(c.byHash, r.Hash()) }

// Clear empties the collection.
func (c *Collection) Clear() { c.byHash = make(map[uint64]*wire.Record) }

// ToArray returns every record in the collection.
func (c *Collection) ToArray() []*wire.Record {
	out := make([]*wire.Record, 0, len(c.byHash))
	for _, r := range c.byHash {
		out = append(out, r)
	}
	return out
}

// Filter returns a new Collection containing only the records for
// which keep returns true.
func (c *Collection) Filter(keep func(*wire.Record) bool) *Collection {
	out := New()
	for _, r := range c.byHash {
		if keep(r) {
			out.Add(r)
		}
	}
	return out
}

// Map applies fn to every record and returns the resulting slice; fn
// must not mutate its argument in place if the record is shared with
// this collection.
func (c *Collection) Map(fn func(*wire.Record) *wire.Record) []*wire.Record {
	out := make([]*wire.Record, 0, len(c.byHash))
	for _, r := range c.byHash {
		out = append(out, fn(r))
	}
	return out
}

// Reduce folds over every record in the collection starting from init.
func (c *Collection) Reduce(init interface{}, fn func(acc interface{}, r *wire.Record) interface{}) interface{} {
	acc := init
	for _, r := range c.byHash {
		acc = fn(acc, r)
	}
	return acc
}

// Equals reports whether c and other contain exactly the same records.
func (c *Collection) Equals(other *Collection) bool {
	if len(c.byHash) != len(other.byHash) {
		return false
	}
	for h := range c.byHash {
		if _, ok := other.byHash[h]; !ok {
			return false
		}
	}
	return true
}

// Difference returns the records in c that are not in other.
func (c *Collection) Difference(other *Collection) *Collection {
	out := New()
	for h, r := range c.byHash {
		if _, ok := other.byHash[h]; !ok {
			out.byHash[h] = r
		}
	}
	return out
}

// Intersection returns the records present in both c and other.
func (c *Collection) Intersection(other *Collection) *Collection {
	out := New()
	for h, r := range c.byHash {
		if _, ok := other.byHash[h]; ok {
			out.byHash[h] = r
		}
	}
	return out
}

// ByNameHash indexes the collection's records by wire.Record.NameHash,
// grouping records that share a name/type/class but differ in rdata —
// exactly the set a unique-record conflict check needs to inspect.
func (c *Collection) ByNameHash() map[uint64][]*wire.Record {
	idx := make(map[uint64][]*wire.Record)
	for _, r := range c.byHash {
		nh := r.NameHash()
		idx[nh] = append(idx[nh], r)
	}
	return idx
}

// GetConflicts returns, for each unique record in proposed, any stored
// record in c that shares its name/type/class (NameHash) but differs in
// rdata (Hash) — the RFC 6762 §9 definition of a conflicting record.
// Shared (non-unique) records never conflict and are skipped.
func (c *Collection) GetConflicts(proposed []*wire.Record) []*wire.Record {
	var conflicts []*wire.Record
	index := c.ByNameHash()
	seen := make(map[uint64]bool)
	for _, p := range proposed {
		if !p.IsUnique() {
			continue
		}
		for _, existing := range index[p.NameHash()] {
			if existing.Hash() == p.Hash() {
				continue
			}
			if seen[existing.Hash()] {
				continue
			}
			seen[existing.Hash()] = true
			conflicts = append(conflicts, existing)
		}
	}
	return conflicts
}
