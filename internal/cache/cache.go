// Package cache implements the expiring record cache shared by every
// network interface: a set of records that schedules its own TTL
// housekeeping, asking its owner to reissue a refreshing query at 80%,
// 85%, 90%, and 95% of each record's lifetime (RFC 6762 §5.2's "query
// again before they expire" cache maintenance) and reporting expiry at
// 100%.
package cache

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/records"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// checkpoints are the fractions of a record's TTL at which a reissue
// callback fires, per RFC 6762 §5.2.
var checkpoints = []float64{0.80, 0.85, 0.90, 0.95}

// jitterFraction bounds the per-checkpoint random jitter (±2%) used to
// avoid every cache entry for a burst of records waking in lockstep.
const jitterFraction = 0.02

// ReissueFunc is called at each pre-expiry checkpoint for a live record.
// percent is the nominal checkpoint (0.80 .. 0.95) that fired.
type ReissueFunc func(r *wire.Record, percent float64)

// ExpiredFunc is called once, exactly at TTL expiry, for a record that
// was not refreshed (re-Add'd) before its timer fired.
type ExpiredFunc func(r *wire.Record)

type entry struct {
	record  *wire.Record
	addedAt time.Time
	timers  []*time.Timer
}

// Cache is a TTL-scheduled, thread-safe expiring record set. The zero
// value is not usable; construct with New.
type Cache struct {
	mu        sync.Mutex
	entries   map[uint64]*entry
	onReissue ReissueFunc
	onExpired ExpiredFunc
	now       func() time.Time

	// unit is the duration one TTL "second" maps to; always
	// time.Second outside of tests, which shrink it to keep checkpoint
	// timers from making the suite slow.
	unit time.Duration
}

// New returns an empty Cache. onReissue/onExpired may be nil to ignore
// that event class.
func New(onReissue ReissueFunc, onExpired ExpiredFunc) *Cache {
	return &Cache{
		entries:   make(map[uint64]*entry),
		onReissue: onReissue,
		onExpired: onExpired,
		now:       time.Now,
		unit:      time.Second,
	}
}

// Len returns the number of live records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Has reports whether an identical record is cached.
func (c *Cache) Has(r *wire.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[r.Hash()]
	return ok
}

// HasAddedWithin reports whether a record identical to r was (re-)added
// less than within ago; response.SendMulticast uses it on an interface's
// History to suppress re-sending a record that went out moments ago.
func (c *Cache) HasAddedWithin(r *wire.Record, within time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[r.Hash()]
	if !ok {
		return false
	}
	return c.now().Sub(e.addedAt) < within
}

// Get returns a clone of the live record identical to r, if present,
// with its TTL decremented by the elapsed time since it was added (or
// last refreshed) — never the stored record itself, so a caller can't
// mutate the cached entry by holding onto what Get returns.
func (c *Cache) Get(r *wire.Record) (*wire.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[r.Hash()]
	if !ok {
		return nil, false
	}
	return c.agedLocked(e), true
}

// agedLocked returns a clone of e's record with TTL reduced by the
// number of whole c.unit periods elapsed since it was added, floored at
// zero; callers must hold c.mu.
func (c *Cache) agedLocked(e *entry) *wire.Record {
	elapsed := uint32(c.now().Sub(e.addedAt) / c.unit)
	clone := e.record.Clone()
	if elapsed >= clone.TTL {
		clone.TTL = 0
	} else {
		clone.TTL -= elapsed
	}
	return clone
}

// Add inserts or refreshes r, (re)scheduling its TTL checkpoints from
// now. Adding a record identical to one already present replaces it and
// resets its timers — this is how a repeated answer "refreshes" its
// TTL.
func (c *Cache) Add(r *wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(r)
}

func (c *Cache) addLocked(r *wire.Record) {
	h := r.Hash()
	if old, ok := c.entries[h]; ok {
		stopTimers(old.timers)
	}
	e := &entry{record: r, addedAt: c.now()}
	c.entries[h] = e
	c.scheduleLocked(e)
}

// AddEach inserts or refreshes every record in recs.
func (c *Cache) AddEach(recs []*wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range recs {
		c.addLocked(r)
	}
}

// Delete removes a record identical to r and cancels its timers.
func (c *Cache) Delete(r *wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := r.Hash()
	if e, ok := c.entries[h]; ok {
		stopTimers(e.timers)
		delete(c.entries, h)
	}
}

// Clear removes every record and cancels all pending timers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		stopTimers(e.timers)
	}
	c.entries = make(map[uint64]*entry)
}

// ToArray returns every live record.
func (c *Cache) ToArray() []*wire.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.Record, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.record)
	}
	return out
}

// Find returns an aged clone (see Get) of every live record for which
// match returns true. match itself is evaluated against the stored
// record, since TTL never participates in name/type/class matching.
func (c *Cache) Find(match func(*wire.Record) bool) []*wire.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Record
	for _, e := range c.entries {
		if match(e.record) {
			out = append(out, c.agedLocked(e))
		}
	}
	return out
}

// FindFresh is Find restricted to records whose aged TTL is still more
// than minFraction of their original TTL, per RFC 6762 §7.1's
// known-answer suppression rule: a querier only lists an answer it is
// confident is still more than half-alive.
func (c *Cache) FindFresh(match func(*wire.Record) bool, minFraction float64) []*wire.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Record
	for _, e := range c.entries {
		if !match(e.record) || e.record.TTL == 0 {
			continue
		}
		aged := c.agedLocked(e)
		if float64(aged.TTL) <= minFraction*float64(e.record.TTL) {
			continue
		}
		out = append(out, aged)
	}
	return out
}

// HasConflictWith returns the cached records that conflict with
// proposed, per the same unique-record rule
// records.Collection.GetConflicts uses.
func (c *Cache) HasConflictWith(proposed []*wire.Record) []*wire.Record {
	c.mu.Lock()
	live := c.toCollectionLocked()
	c.mu.Unlock()
	return live.GetConflicts(proposed)
}

func (c *Cache) toCollectionLocked() *records.Collection {
	col := records.New()
	for _, e := range c.entries {
		col.Add(e.record)
	}
	return col
}

// SetToExpire forces r to expire almost immediately (1 second, per RFC
// 6762 §10.1's goodbye-record handling), rather than waiting out its
// full TTL. Used for goodbye packets (TTL=0 received) and cache-flush
// supersession.
func (c *Cache) SetToExpire(r *wire.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[r.Hash()]
	if !ok {
		return
	}
	stopTimers(e.timers)
	e.timers = nil
	rec := e.record.Clone()
	rec.TTL = 1
	e.record = rec
	c.scheduleLocked(e)
}

// FlushRelated implements the RFC 6762 §10.2 cache-flush rule: when a
// unique record arrives with CacheFlush set, every other live record
// that shares its name/type/class (NameHash) but is not itself one of
// the records just received in the same packet (keep) is known stale
// and is set to expire in one second rather than being trusted for its
// remaining TTL.
func (c *Cache) FlushRelated(incoming *wire.Record, keep []*wire.Record) {
	if !incoming.CacheFlush {
		return
	}
	keepHashes := make(map[uint64]bool, len(keep))
	for _, r := range keep {
		keepHashes[r.Hash()] = true
	}

	c.mu.Lock()
	nh := incoming.NameHash()
	var stale []*entry
	for h, e := range c.entries {
		if e.record.NameHash() != nh {
			continue
		}
		if keepHashes[h] {
			continue
		}
		stale = append(stale, e)
	}
	c.mu.Unlock()

	for _, e := range stale {
		c.SetToExpire(e.record)
	}
}

func (c *Cache) scheduleLocked(e *entry) {
	ttl := time.Duration(e.record.TTL) * c.unit
	if ttl <= 0 {
		// TTL=0 (goodbye record): expire on the next tick, not
		// immediately in place, so listeners observing this Add still
		// see it land in the cache first.
		ttl = time.Millisecond
	}

	rec := e.record
	for _, pct := range checkpoints {
		at := jittered(ttl, pct)
		if at <= 0 {
			continue
		}
		t := time.AfterFunc(at, func(pct float64) func() {
			return func() {
				if c.onReissue != nil {
					c.onReissue(rec, pct)
				}
			}
		}(pct))
		e.timers = append(e.timers, t)
	}

	expireAt := ttl
	expireTimer := time.AfterFunc(expireAt, func() {
		c.mu.Lock()
		cur, ok := c.entries[rec.Hash()]
		if ok && cur.record == rec {
			delete(c.entries, rec.Hash())
		}
		c.mu.Unlock()
		if ok && c.onExpired != nil {
			c.onExpired(rec)
		}
	})
	e.timers = append(e.timers, expireTimer)
}

func jittered(ttl time.Duration, pct float64) time.Duration {
	base := float64(ttl) * pct
	jitter := (rand.Float64()*2 - 1) * jitterFraction * base
	return time.Duration(base + jitter)
}

func stopTimers(timers []*time.Timer) {
	for _, t := range timers {
		t.Stop()
	}
}
