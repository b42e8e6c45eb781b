// Package probe implements the RFC 6762 §8.1/§8.2 probing state
// machine: before a host may use a name it believes to be unique, it
// must send three probe queries 250ms apart proposing that name's
// records in the Authority section, and yield to any simultaneous
// probe whose proposed record set compares lexicographically later.
package probe

import (
	"bytes"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// State is the Prober's current lifecycle state.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateDone
	StateConflict
	StateStopped
)

const (
	probeInterval   = 250 * time.Millisecond
	probeCount      = 3
	maxInitialDelay = 250 * time.Millisecond
)

// Prober runs the probing sequence for one proposed record set on one
// Interface. A single Prober instance is not reusable across record
// sets; build a new one per probe attempt (Responder does this on
// rename).
type Prober struct {
	in      *iface.Interface
	records []*wire.Record

	mu    sync.Mutex
	state State

	onConflict func(conflicting []*wire.Record)
	onSuccess  func()

	unsubscribe func()
	timer       *time.Timer
	stopped     chan struct{}
	once        sync.Once
}

// New returns a Prober that will probe records on in, calling onSuccess
// once all three probes complete unchallenged, or onConflict if another
// host's simultaneous probe or existing answer wins the tiebreak.
func New(in *iface.Interface, records []*wire.Record, onSuccess func(), onConflict func([]*wire.Record)) *Prober {
	return &Prober{
		in:         in,
		records:    records,
		state:      StateIdle,
		onSuccess:  onSuccess,
		onConflict: onConflict,
		stopped:    make(chan struct{}),
	}
}

// Start begins the probing sequence: an initial random delay of 0-250ms
// per RFC 6762 §8.1, then three probe queries 250ms apart.
func (p *Prober) Start() {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return
	}
	p.state = StateProbing
	p.mu.Unlock()

	l := &iface.Listener{OnEvent: p.handleEvent}
	p.unsubscribe = p.in.Subscribe(l)

	delay := time.Duration(rand.Int63n(int64(maxInitialDelay)))
	p.schedule(delay, func() { p.sendProbe(1) })
}

func (p *Prober) schedule(d time.Duration, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateProbing {
		return
	}
	p.timer = time.AfterFunc(d, fn)
}

func (p *Prober) sendProbe(attempt int) {
	p.mu.Lock()
	if p.state != StateProbing {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	questions := make([]*wire.Query, 0, len(p.records))
	seen := make(map[string]bool)
	for _, r := range p.records {
		key := r.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		questions = append(questions, wire.NewQuery(r.Name, wire.TypeANY))
	}

	pkt := &wire.Packet{Questions: questions, Authorities: p.records}
	_ = p.in.Send(pkt, nil) // a send failure here is discarded; the next probe or the timeout proceeds regardless

	if attempt >= probeCount {
		p.succeed()
		return
	}
	p.schedule(probeInterval, func() { p.sendProbe(attempt + 1) })
}

func (p *Prober) handleEvent(ev iface.Event) {
	p.mu.Lock()
	active := p.state == StateProbing
	p.mu.Unlock()
	if !active {
		return
	}

	switch ev.Kind {
	case iface.EventAnswer:
		if conflicts := p.conflictsWithAnswer(ev.Packet); len(conflicts) > 0 {
			p.conflict(conflicts)
		}
	case iface.EventProbe:
		p.handleSimultaneousProbe(ev.Packet)
	}
}

// conflictsWithAnswer reports any of our proposed records that a live
// answer packet contradicts: same name/type/class, different rdata.
func (p *Prober) conflictsWithAnswer(pkt *wire.Packet) []*wire.Record {
	var conflicts []*wire.Record
	all := append(append([]*wire.Record{}, pkt.Answers...), pkt.Additionals...)
	for _, mine := range p.records {
		if !mine.IsUnique() {
			continue
		}
		for _, theirs := range all {
			if theirs.NameHash() == mine.NameHash() && theirs.Hash() != mine.Hash() {
				conflicts = append(conflicts, theirs)
			}
		}
	}
	return conflicts
}

// handleSimultaneousProbe applies the RFC 6762 §8.2 tiebreak: if
// another host is probing the same name with a record set that
// compares lexicographically later than ours, we lose and must treat
// it as a conflict; if ours is later, we win and simply ignore theirs;
// if the sets are identical this is our own probe reflected by a
// bridge, and is not a conflict at all.
func (p *Prober) handleSimultaneousProbe(pkt *wire.Packet) {
	theirs := pkt.Authorities
	if len(theirs) == 0 {
		return
	}

	contested := false
	for _, q := range pkt.Questions {
		for _, mine := range p.records {
			if q.Matches(mine) {
				contested = true
				break
			}
		}
	}
	if !contested {
		return
	}

	cmp := compareRecordSets(p.records, theirs)
	if cmp == 0 {
		// Identical proposal: our own probe reflected back by a
		// bridging device, not a competing host. Not a conflict.
		return
	}
	if cmp < 0 {
		// Ours is lexicographically earlier: we lose, must rename.
		p.conflict(theirs)
	}
	// cmp > 0: ours wins, the other host will back off. Nothing to do.
}

func (p *Prober) conflict(conflicting []*wire.Record) {
	p.mu.Lock()
	if p.state != StateProbing {
		p.mu.Unlock()
		return
	}
	p.state = StateConflict
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	p.teardown()
	if p.onConflict != nil {
		p.onConflict(conflicting)
	}
}

func (p *Prober) succeed() {
	p.mu.Lock()
	if p.state != StateProbing {
		p.mu.Unlock()
		return
	}
	p.state = StateDone
	p.mu.Unlock()

	p.teardown()
	if p.onSuccess != nil {
		p.onSuccess()
	}
}

// Stop aborts an in-progress probe idempotently; calling Stop more than
// once, or after the probe already finished, is a no-op.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	wasProbing := p.state == StateProbing
	p.state = StateStopped
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()

	if wasProbing {
		p.teardown()
	}
}

func (p *Prober) teardown() {
	p.once.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		close(p.stopped)
	})
}

// compareRecordSets applies the RFC 6762 §8.2 tiebreak: group both
// sides' records by uppercased owner name, discard any name the peer
// proposes that we are not ourselves proposing (it is irrelevant to
// this contest), sort what remains of each group by ascending rrtype,
// then compare the groups in owner-name order, each pairwise by
// rrclass, then rrtype, then rdata; the first differing pair decides,
// and a shorter group that is a strict prefix of the other loses.
func compareRecordSets(ours, theirs []*wire.Record) int {
	oursByName := groupByName(ours)
	theirsByName := groupByName(theirs)

	names := make([]string, 0, len(oursByName))
	for name := range oursByName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		theirGroup, ok := theirsByName[name]
		if !ok {
			continue
		}
		if cmp := compareGroups(sortByType(oursByName[name]), sortByType(theirGroup)); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func groupByName(recs []*wire.Record) map[string][]*wire.Record {
	out := make(map[string][]*wire.Record)
	for _, r := range recs {
		key := strings.ToUpper(r.Name)
		out[key] = append(out[key], r)
	}
	return out
}

func sortByType(recs []*wire.Record) []*wire.Record {
	sorted := append([]*wire.Record(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type() < sorted[j].Type() })
	return sorted
}

func compareGroups(a, b []*wire.Record) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if cmp := compareRecord(a[i], b[i]); cmp != 0 {
			return cmp
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareRecord(a, b *wire.Record) int {
	if a.Class != b.Class {
		if a.Class < b.Class {
			return -1
		}
		return 1
	}
	if a.Type() != b.Type() {
		if a.Type() < b.Type() {
			return -1
		}
		return 1
	}
	return bytes.Compare(wire.EncodeRData(a.Data), wire.EncodeRData(b.Data))
}
