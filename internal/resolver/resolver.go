// Package resolver implements ServiceResolver: aggregating a DNS-SD
// instance's SRV, TXT, and address records into one coherent Service,
// and batching bursts of near-simultaneous record updates into a single
// delivered snapshot. Its queries repeat on their own backoff schedule;
// cache pre-expiry (reissue) events are ignored, so a record is not
// re-queried specifically because it is approaching expiry.
package resolver

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/query"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// State is the Resolver's lifecycle phase.
type State int

const (
	StateUnresolved State = iota
	StateResolved
	StateStopped
)

// unresolvedTimeout bounds how long a Resolver will wait for its first
// complete (SRV+TXT+address) snapshot before giving up.
const unresolvedTimeout = 10 * time.Second

// updateCoalesceWindow batches a burst of near-simultaneous record
// arrivals (SRV then TXT then A, all from one response packet split
// across the wire, or independent near-simultaneous packets) into a
// single delivered Service snapshot instead of firing once per record.
const updateCoalesceWindow = 10 * time.Millisecond

// Service is the resolver's aggregated view of one DNS-SD instance.
type Service struct {
	Instance string
	Host     string
	Port     uint16
	TXT      []wire.TXTPair
	AddrsV4  []net.IP
	AddrsV6  []net.IP
}

// Resolver tracks one service instance name to a resolved Service,
// keeping it current as component records refresh or expire.
type Resolver struct {
	in       *iface.Interface
	instance string

	mu      sync.Mutex
	state   State
	host    string
	port    uint16
	txt     []wire.TXTPair
	v4      map[string]net.IP
	v6      map[string]net.IP
	pending *time.Timer

	onUpdate  func(*Service)
	onDown    func()
	onTimeout func()

	unresolvedTimer *time.Timer
	queries         []*query.Query
	unsubscribe     func()
}

// New returns a Resolver for instance (a full PTR target, e.g.
// "My Printer._http._tcp.local."). onUpdate is called with a coalesced
// snapshot whenever the aggregated Service changes; onDown is called
// once if a record this resolution depends on (its SRV or the PTR
// pointing at it) expires without being refreshed; expiry of its last
// address instead reverts the resolution to unresolved; onTimeout is called once if no complete snapshot is assembled within
// 10 seconds. Any of the three may be nil.
func New(in *iface.Interface, instance string, onUpdate func(*Service), onDown func(), onTimeout func()) *Resolver {
	return &Resolver{
		in:        in,
		instance:  instance,
		v4:        make(map[string]net.IP),
		v6:        make(map[string]net.IP),
		onUpdate:  onUpdate,
		onDown:    onDown,
		onTimeout: onTimeout,
	}
}

// Start issues the SRV and TXT queries, subscribes to the interface's
// cache expiry events, and begins the unresolved timeout countdown.
func (r *Resolver) Start() {
	r.mu.Lock()
	if r.state != StateUnresolved || len(r.queries) > 0 {
		r.mu.Unlock()
		return
	}
	r.unresolvedTimer = time.AfterFunc(unresolvedTimeout, r.timeout)
	r.mu.Unlock()

	unsub := r.in.Subscribe(&iface.Listener{OnEvent: r.handleInterfaceEvent})
	r.mu.Lock()
	r.unsubscribe = unsub
	r.mu.Unlock()

	srvQ := query.New(r.in, r.instance, wire.TypeSRV, r.onSRV)
	txtQ := query.New(r.in, r.instance, wire.TypeTXT, r.onTXT)
	r.mu.Lock()
	r.queries = append(r.queries, srvQ, txtQ)
	r.mu.Unlock()
	srvQ.Start()
	txtQ.Start()
}

func (r *Resolver) onSRV(rec *wire.Record) {
	srv, ok := rec.Data.(*wire.RDataSRV)
	if !ok {
		return
	}
	r.mu.Lock()
	newHost := r.host != srv.Target
	r.host = srv.Target
	r.port = srv.Port
	r.mu.Unlock()

	if newHost {
		aQ := query.New(r.in, srv.Target, wire.TypeA, r.onAddr)
		aaaaQ := query.New(r.in, srv.Target, wire.TypeAAAA, r.onAddr)
		r.mu.Lock()
		r.queries = append(r.queries, aQ, aaaaQ)
		r.mu.Unlock()
		aQ.Start()
		aaaaQ.Start()
	}
	r.scheduleUpdate()
}

func (r *Resolver) onTXT(rec *wire.Record) {
	txt, ok := rec.Data.(*wire.RDataTXT)
	if !ok {
		return
	}
	r.mu.Lock()
	r.txt = txt.Pairs
	r.mu.Unlock()
	r.scheduleUpdate()
}

func (r *Resolver) onAddr(rec *wire.Record) {
	r.mu.Lock()
	switch d := rec.Data.(type) {
	case *wire.RDataA:
		r.v4[d.IP.String()] = d.IP
	case *wire.RDataAAAA:
		r.v6[d.IP.String()] = d.IP
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.scheduleUpdate()
}

// scheduleUpdate coalesces a burst of record arrivals into a single
// onUpdate call fired updateCoalesceWindow after the last one.
func (r *Resolver) scheduleUpdate() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(updateCoalesceWindow, r.deliver)
	r.mu.Unlock()
}

func (r *Resolver) deliver() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	complete := r.host != "" && r.txt != nil && (len(r.v4) > 0 || len(r.v6) > 0)
	if complete && r.state == StateUnresolved {
		r.state = StateResolved
		if r.unresolvedTimer != nil {
			r.unresolvedTimer.Stop()
		}
	}
	if !complete && r.state != StateResolved {
		r.mu.Unlock()
		return
	}
	svc := r.snapshotLocked()
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate(svc)
	}
}

func (r *Resolver) snapshotLocked() *Service {
	v4 := make([]net.IP, 0, len(r.v4))
	for _, ip := range r.v4 {
		v4 = append(v4, ip)
	}
	v6 := make([]net.IP, 0, len(r.v6))
	for _, ip := range r.v6 {
		v6 = append(v6, ip)
	}
	return &Service{
		Instance: r.instance,
		Host:     r.host,
		Port:     r.port,
		TXT:      append([]wire.TXTPair(nil), r.txt...),
		AddrsV4:  v4,
		AddrsV6:  v6,
	}
}

// handleInterfaceEvent watches the shared cache's expiry stream for
// records this resolution depends on, per the lifecycle transitions
// described for ServiceResolver: SRV/PTR expiry brings the whole
// resolution down, A/AAAA expiry drops just that address, TXT expiry
// clears the attributes, each of the latter two reverting to
// unresolved if nothing is left.
func (r *Resolver) handleInterfaceEvent(ev iface.Event) {
	if ev.Kind != iface.EventExpired || ev.Record == nil {
		return
	}
	r.handleExpired(ev.Record)
}

func (r *Resolver) handleExpired(rec *wire.Record) {
	switch d := rec.Data.(type) {
	case *wire.RDataSRV:
		if strings.EqualFold(rec.Name, r.instance) {
			r.goDown()
		}
	case *wire.RDataPTR:
		if strings.EqualFold(d.Target, r.instance) {
			r.goDown()
		}
	case *wire.RDataTXT:
		if !strings.EqualFold(rec.Name, r.instance) {
			return
		}
		r.mu.Lock()
		if r.state == StateStopped {
			r.mu.Unlock()
			return
		}
		r.txt = nil
		r.mu.Unlock()
		r.toUnresolved()
	case *wire.RDataA:
		r.dropAddr(rec.Name, d.IP.String())
	case *wire.RDataAAAA:
		r.dropAddr(rec.Name, d.IP.String())
	}
}

func (r *Resolver) dropAddr(name, key string) {
	r.mu.Lock()
	if r.state == StateStopped || !strings.EqualFold(name, r.host) {
		r.mu.Unlock()
		return
	}
	delete(r.v4, key)
	delete(r.v6, key)
	empty := len(r.v4) == 0 && len(r.v6) == 0
	r.mu.Unlock()
	if empty {
		r.toUnresolved()
	}
}

// toUnresolved reverts a resolved Service back to unresolved, restarting
// the 10-second countdown, without tearing down the underlying queries
// (they keep running and may complete the resolution again later).
func (r *Resolver) toUnresolved() {
	r.mu.Lock()
	if r.state != StateResolved {
		r.mu.Unlock()
		return
	}
	r.state = StateUnresolved
	r.unresolvedTimer = time.AfterFunc(unresolvedTimeout, r.timeout)
	r.mu.Unlock()
}

// goDown fires onDown once and stops the resolver: losing the SRV
// record, or the PTR that pointed at this instance, means the instance
// itself is gone, not just momentarily unresolved.
func (r *Resolver) goDown() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.onDown != nil {
		r.onDown()
	}
	r.Stop()
}

func (r *Resolver) timeout() {
	r.mu.Lock()
	if r.state != StateUnresolved {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if r.onTimeout != nil {
		r.onTimeout()
	}
	r.Stop()
}

// Stop idempotently ends every underlying query and timer.
func (r *Resolver) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.state = StateStopped
	queries := r.queries
	unsub := r.unsubscribe
	if r.unresolvedTimer != nil {
		r.unresolvedTimer.Stop()
	}
	if r.pending != nil {
		r.pending.Stop()
	}
	r.mu.Unlock()

	for _, q := range queries {
		q.Stop()
	}
	if unsub != nil {
		unsub()
	}
}
