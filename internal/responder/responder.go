// Package responder implements the probe → announce → respond
// lifecycle for a set of records this host owns: probing for name
// uniqueness, announcing once probing succeeds, answering live queries
// thereafter, and defending (or renaming, under a conflict budget) when
// a later conflict appears.
package responder

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/probe"
	"github.com/fernwood-systems/mdns/internal/response"
	"github.com/fernwood-systems/mdns/internal/wire"
)

func udpAddrFromOrigin(pkt *wire.Packet) *net.UDPAddr {
	port := pkt.Origin.SourcePort
	if port == 0 {
		port = wire.DefaultPort
	}
	return &net.UDPAddr{IP: pkt.Origin.SourceIP, Port: port}
}

// State is the Responder's current lifecycle phase.
type State int

const (
	StateProbing State = iota
	StateAnnouncing
	StateResponding
	StateStopped
)

const (
	announceCount = 2

	// conflictBudgetCount/-Window bound how many conflicts a name may
	// absorb by renaming before the Responder gives up retrying
	// immediately and backs off instead, per RFC 6762 §9's warning
	// against "rapid fire" renaming loops against a flooding peer.
	conflictBudgetCount  = 15
	conflictBudgetWindow = 10 * time.Second
	conflictBackoff      = 5 * time.Second
)

var renameSuffixPattern = regexp.MustCompile(`\s\(\d+\)$`)

// Responder owns one service's record set on one Interface across
// renames: External callers only ever see the Responder, never the
// Prober it constructs internally for each (re)probe attempt.
type Responder struct {
	in *iface.Interface

	mu            sync.Mutex
	state         State
	baseName      string // original, unrenamed owner name
	currentName   string // owner name in use right now (== baseName until the first rename)
	renameCounter int
	activeRecords []*wire.Record
	prober        *probe.Prober
	unsubscribe   func()
	conflicts     []time.Time
	retryTimer    *time.Timer

	onRenamed func(newName string)
	onStopped func()
}

// New returns a Responder that will probe then announce records. The
// records may have different owner names (a host's A/AAAA, a service's
// SRV/TXT, the PTRs naming it); baseName is the owner a conflict
// renames, and a rename moves only the records owned by baseName plus
// PTRs pointing at it. onRenamed, if non-nil, is
// called with the new owner name whenever a conflict forces a rename.
func New(in *iface.Interface, baseName string, records []*wire.Record, onRenamed func(string)) *Responder {
	return &Responder{
		in:            in,
		baseName:      baseName,
		currentName:   baseName,
		activeRecords: records,
		onRenamed:     onRenamed,
	}
}

// Start begins probing.
func (r *Responder) Start() {
	r.mu.Lock()
	if r.state != 0 && r.state != StateProbing {
		r.mu.Unlock()
		return
	}
	r.state = StateProbing
	records := r.activeRecords
	r.mu.Unlock()

	r.beginProbe(records)
}

func (r *Responder) beginProbe(records []*wire.Record) {
	p := probe.New(r.in, records, r.onProbeSuccess, r.onProbeConflict)
	r.mu.Lock()
	r.prober = p
	r.mu.Unlock()
	p.Start()
}

func (r *Responder) onProbeSuccess() {
	r.mu.Lock()
	if r.state != StateProbing {
		r.mu.Unlock()
		return
	}
	r.state = StateAnnouncing
	records := r.activeRecords
	r.mu.Unlock()

	go r.announce(records)
}

func (r *Responder) announce(records []*wire.Record) {
	if r.currentState() != StateAnnouncing {
		return
	}
	_ = response.SendMulticast(r.in, records, response.Repeat(announceCount-1))

	r.mu.Lock()
	if r.state != StateAnnouncing {
		r.mu.Unlock()
		return
	}
	r.state = StateResponding
	r.mu.Unlock()

	l := &iface.Listener{OnEvent: r.handleEvent}
	unsub := r.in.Subscribe(l)
	r.mu.Lock()
	r.unsubscribe = unsub
	r.mu.Unlock()
}

func (r *Responder) currentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Responder) handleEvent(ev iface.Event) {
	switch ev.Kind {
	case iface.EventQuery:
		r.answerQuery(ev.Packet)
	case iface.EventProbe:
		r.defendAgainstProbe(ev.Packet)
	case iface.EventAnswer:
		r.checkForConflict(ev.Packet)
	}
}

func (r *Responder) answerQuery(pkt *wire.Packet) {
	r.mu.Lock()
	records := r.activeRecords
	r.mu.Unlock()

	var matched []*wire.Record
	for _, q := range pkt.Questions {
		hits := 0
		for _, rec := range records {
			if q.Matches(rec) {
				matched = append(matched, rec)
				hits++
			}
		}
		if hits == 0 {
			// RFC 6762 §6.1: a different rrtype was asked of a name we
			// otherwise own — assert what actually exists there instead
			// of staying silent.
			if nsec := negativeResponse(records, q); nsec != nil {
				matched = append(matched, nsec)
			}
		}
	}
	if len(matched) == 0 {
		return
	}

	needsUnicast := pkt.IsLegacy()
	if !needsUnicast {
		for _, q := range pkt.Questions {
			if q.QU {
				needsUnicast = true
				break
			}
		}
	}
	if needsUnicast && pkt.Origin.SourceIP != nil {
		if !iface.ValidateUnicastDestination(pkt.Origin.SourceIP) {
			return
		}
		_ = response.SendUnicast(r.in, matched, udpAddrFromOrigin(pkt), pkt)
		return
	}
	// RFC 6762 §4.8: live query answers are sent defensively.
	_ = response.SendMulticast(r.in, matched, response.Defensive())
}

// negativeResponse builds the NSEC record asserting what rrtypes exist
// at q.Name (from among records, which share its owner name) when none
// of those records themselves answer q — so a peer asking for an
// rrtype we don't have learns that immediately instead of waiting out
// a timeout.
func negativeResponse(records []*wire.Record, q *wire.Query) *wire.Record {
	if q.Type == wire.TypeANY {
		return nil
	}
	var types []wire.RRType
	var ttl uint32
	owned := false
	for _, rec := range records {
		if !strings.EqualFold(rec.Name, q.Name) {
			continue
		}
		owned = true
		types = append(types, rec.Type())
		ttl = rec.TTL
	}
	if !owned {
		return nil
	}
	return wire.NewNSECRecord(q.Name, types, ttl)
}

func (r *Responder) defendAgainstProbe(pkt *wire.Packet) {
	r.mu.Lock()
	records := r.activeRecords
	r.mu.Unlock()

	var ours []*wire.Record
	for _, q := range pkt.Questions {
		for _, rec := range records {
			if q.Matches(rec) {
				ours = append(ours, rec)
			}
		}
	}
	if len(ours) == 0 {
		return
	}
	// RFC 6762 §9: defend our record by answering immediately,
	// asserting it is still live and authoritative.
	_ = response.SendMulticast(r.in, ours, response.Defensive())
}

func (r *Responder) checkForConflict(pkt *wire.Packet) {
	r.mu.Lock()
	records := r.activeRecords
	r.mu.Unlock()

	var conflicting []*wire.Record
	all := append(append([]*wire.Record{}, pkt.Answers...), pkt.Additionals...)
	for _, mine := range records {
		if !mine.IsUnique() {
			continue
		}
		for _, theirs := range all {
			if theirs.NameHash() == mine.NameHash() && theirs.Hash() != mine.Hash() {
				conflicting = append(conflicting, theirs)
			}
		}
	}
	if len(conflicting) == 0 {
		return
	}
	r.onProbeConflict(conflicting)
}

func (r *Responder) onProbeConflict(_ []*wire.Record) {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	cutoff := now.Add(-conflictBudgetWindow)
	kept := r.conflicts[:0]
	for _, t := range r.conflicts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.conflicts = kept
	overBudget := len(r.conflicts) > conflictBudgetCount

	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.mu.Unlock()

	if overBudget {
		r.mu.Lock()
		r.retryTimer = time.AfterFunc(conflictBackoff, r.rename)
		r.mu.Unlock()
		return
	}
	r.rename()
}

// rename regenerates the owner name with a "<base> (k)" disambiguator
// (never the teacher's historical "-2"/"-3" suffix style), rebuilds
// every active record against the new name, and restarts probing.
func (r *Responder) rename() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.renameCounter++
	oldName := r.currentName
	newName := disambiguate(r.baseName, r.renameCounter+1)
	r.activeRecords = retarget(r.activeRecords, oldName, newName)
	r.currentName = newName
	r.state = StateProbing
	records := r.activeRecords
	onRenamed := r.onRenamed
	r.mu.Unlock()

	if onRenamed != nil {
		onRenamed(newName)
	}
	r.beginProbe(records)
}

// disambiguate returns base's first label suffixed with " (k)",
// stripping any prior "(n)" disambiguator first so repeated renames
// read "name (2)", "name (3)", ... rather than "name (2) (3)".
func disambiguate(base string, k int) string {
	labels := strings.SplitN(strings.TrimSuffix(base, "."), ".", 2)
	first := renameSuffixPattern.ReplaceAllString(labels[0], "")
	labels[0] = fmt.Sprintf("%s (%d)", first, k)
	return strings.Join(labels, ".") + "."
}

// retarget returns copies of records with any occurrence of oldName
// replaced by newName: as the record's own owner name (SRV, TXT), or,
// for a PTR record, as its Target. Records owned by some other name
// (a host's A/AAAA, a PTR's own service-type owner name) pass through
// unchanged — only the renamed instance moves.
func retarget(records []*wire.Record, oldName, newName string) []*wire.Record {
	out := make([]*wire.Record, len(records))
	for i, rec := range records {
		c := rec.Clone()
		if ptr, ok := c.Data.(*wire.RDataPTR); ok && ptr.Target == oldName {
			c.Data = &wire.RDataPTR{Target: newName}
		} else if c.Name == oldName {
			c.Name = newName
		}
		out[i] = c
	}
	return out
}

// Stop idempotently withdraws the records (sending a goodbye if we had
// reached the announcing or responding state) and tears down all
// listeners/timers.
func (r *Responder) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	prevState := r.state
	r.state = StateStopped
	records := r.activeRecords
	unsub := r.unsubscribe
	prober := r.prober
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.mu.Unlock()

	if prober != nil {
		prober.Stop()
	}
	if unsub != nil {
		unsub()
	}
	if prevState == StateResponding || prevState == StateAnnouncing {
		_ = response.SendGoodbye(r.in, records)
	}
}

// ActiveRecords returns the responder's current (possibly renamed)
// record set.
func (r *Responder) ActiveRecords() []*wire.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*wire.Record(nil), r.activeRecords...)
}
