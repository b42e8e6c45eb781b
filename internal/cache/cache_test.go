package cache

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fernwood-systems/mdns/internal/wire"
)

func hostRecord(ip string, ttl uint32) *wire.Record {
	return wire.NewARecord("host.local.", net.ParseIP(ip), ttl)
}

func TestAddHasGet(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.1", 120)
	c.Add(r)
	if !c.Has(r) {
		t.Fatal("expected Has true after Add")
	}
	got, ok := c.Get(r)
	if !ok || !got.Equal(r) {
		t.Fatal("Get did not return the added record")
	}
}

func TestHasAddedWithin(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.1", 120)
	c.Add(r)
	if !c.HasAddedWithin(r, time.Minute) {
		t.Fatal("expected HasAddedWithin true immediately after Add")
	}
	if c.HasAddedWithin(r, 0) {
		t.Fatal("expected HasAddedWithin false for a zero window")
	}
}

func TestDeleteCancelsTimers(t *testing.T) {
	c := New(nil, nil)
	r := hostRecord("10.0.0.1", 120)
	c.Add(r)
	c.Delete(r)
	if c.Has(r) {
		t.Fatal("expected record gone after Delete")
	}
	if c.Len() != 0 {
		t.Fatal("expected empty cache after Delete")
	}
}

func TestExpiryFiresExpiredCallback(t *testing.T) {
	var mu sync.Mutex
	var expired *wire.Record
	done := make(chan struct{})

	c := New(nil, func(r *wire.Record) {
		mu.Lock()
		expired = r
		mu.Unlock()
		close(done)
	})
	c.unit = 5 * time.Millisecond // shrink TTL "seconds" for a fast test

	r := hostRecord("10.0.0.2", 1) // 1 TTL-unit == 5ms
	c.Add(r)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expired callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if expired == nil || !expired.Equal(r) {
		t.Fatal("expired callback did not receive the right record")
	}
	if c.Has(r) {
		t.Fatal("expired record must be removed from the cache")
	}
}

func TestReissueFiresBeforeExpiry(t *testing.T) {
	var count int32
	var mu sync.Mutex
	first := make(chan struct{})
	var once sync.Once

	c := New(func(r *wire.Record, pct float64) {
		mu.Lock()
		count++
		mu.Unlock()
		once.Do(func() { close(first) })
	}, nil)
	c.unit = 20 * time.Millisecond

	r := hostRecord("10.0.0.3", 1)
	c.Add(r)

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("no reissue callback fired before expiry")
	}
}

func TestRefreshResetsTimers(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.4", 120)
	c.Add(r)
	first := c.entries[r.Hash()].addedAt
	time.Sleep(time.Millisecond)
	c.Add(hostRecord("10.0.0.4", 120))
	second := c.entries[r.Hash()].addedAt
	if !second.After(first) {
		t.Fatal("expected addedAt to advance on refresh")
	}
}

func TestSetToExpireForcesQuickExpiry(t *testing.T) {
	done := make(chan struct{})
	c := New(nil, func(r *wire.Record) { close(done) })
	c.unit = 5 * time.Millisecond

	r := hostRecord("10.0.0.5", 120)
	c.Add(r)
	c.SetToExpire(r)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SetToExpire did not force an early expiry")
	}
}

func TestFlushRelatedExpiresSupersededRecords(t *testing.T) {
	done := make(chan struct{})
	c := New(nil, func(r *wire.Record) { close(done) })
	c.unit = 5 * time.Millisecond

	old := hostRecord("10.0.0.6", 120)
	c.Add(old)

	fresh := wire.NewARecord("host.local.", net.ParseIP("10.0.0.7"), 120)
	fresh.CacheFlush = true
	c.Add(fresh)

	c.FlushRelated(fresh, []*wire.Record{fresh})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the superseded record to expire quickly")
	}
	if c.Has(fresh) == false {
		t.Fatal("the incoming record itself must survive FlushRelated")
	}
}

func TestHasConflictWithDelegatesToRecordsPackage(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	c.Add(hostRecord("10.0.0.8", 120))
	conflicts := c.HasConflictWith([]*wire.Record{hostRecord("10.0.0.9", 120)})
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
}

func TestGetDecrementsTTLByElapsed(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.10", 100)
	c.Add(r)

	start := c.entries[r.Hash()].addedAt
	c.now = func() time.Time { return start.Add(40 * time.Second) }

	got, ok := c.Get(r)
	if !ok {
		t.Fatal("expected record present")
	}
	if got.TTL != 60 {
		t.Fatalf("got TTL %d, want 60", got.TTL)
	}
	if c.entries[r.Hash()].record.TTL != 100 {
		t.Fatal("Get must not mutate the stored record")
	}
}

func TestGetFloorsTTLAtZero(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.11", 10)
	c.Add(r)
	start := c.entries[r.Hash()].addedAt
	c.now = func() time.Time { return start.Add(time.Hour) }

	got, ok := c.Get(r)
	if !ok || got.TTL != 0 {
		t.Fatalf("expected TTL floored at 0, got ok=%v ttl=%d", ok, got.TTL)
	}
}

func TestFindAgesEveryMatch(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.13", 100)
	c.Add(r)
	start := c.entries[r.Hash()].addedAt
	c.now = func() time.Time { return start.Add(30 * time.Second) }

	found := c.Find(func(rec *wire.Record) bool { return rec.Type() == wire.TypeA })
	if len(found) != 1 || found[0].TTL != 70 {
		t.Fatalf("expected one aged match with TTL 70, got %+v", found)
	}
}

func TestFindFreshExcludesHalfExpired(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	r := hostRecord("10.0.0.12", 100)
	c.Add(r)
	start := c.entries[r.Hash()].addedAt
	match := func(rec *wire.Record) bool { return rec.Type() == wire.TypeA }

	c.now = func() time.Time { return start.Add(60 * time.Second) }
	if got := c.FindFresh(match, 0.5); len(got) != 0 {
		t.Fatalf("expected no fresh records past 50%% TTL, got %d", len(got))
	}

	c.now = func() time.Time { return start.Add(10 * time.Second) }
	if got := c.FindFresh(match, 0.5); len(got) != 1 {
		t.Fatalf("expected 1 fresh record, got %d", len(got))
	}
}

func TestFindMatchesPredicate(t *testing.T) {
	c := New(nil, nil)
	defer c.Clear()
	c.AddEach([]*wire.Record{
		hostRecord("10.0.0.1", 120),
		wire.NewPTRRecord("_http._tcp.local.", "a._http._tcp.local.", 4500),
	})
	found := c.Find(func(r *wire.Record) bool { return r.Type() == wire.TypePTR })
	if len(found) != 1 {
		t.Fatalf("expected 1 PTR record, got %d", len(found))
	}
}
