// Package iface is the shared network-interface layer: one Interface
// per network interface binds the IPv4 (and best-effort IPv6) mDNS
// sockets, owns that interface's record cache and the Response layer's
// send-suppression history, and fans decoded packets out to every
// subscriber — Probe, Query, and Responder FSMs alike — so that a probe
// running concurrently with a browse on the same interface still only
// opens one socket.
package iface

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/cache"
	intErrors "github.com/fernwood-systems/mdns/internal/errors"
	"github.com/fernwood-systems/mdns/internal/security"
	"github.com/fernwood-systems/mdns/internal/wire"
)

// EventKind classifies an inbound packet for listener dispatch.
type EventKind int

const (
	// EventQuery is a plain question with no records in Authorities.
	EventQuery EventKind = iota
	// EventProbe is a question accompanied by proposed records in
	// Authorities, per RFC 6762 §8.2.
	EventProbe
	// EventAnswer is a response packet (QR=1).
	EventAnswer
	// EventReissue is a cache lifecycle event: a live record has crossed
	// one of the RFC 6762 §5.2 pre-expiry checkpoints (80/85/90/95% of
	// its TTL) and should be re-queried to refresh it. Packet is nil;
	// Record is the record approaching expiry.
	EventReissue
	// EventExpired is a cache lifecycle event: a record's TTL ran out
	// without being refreshed. Packet is nil; Record is the record that
	// expired (already removed from the cache by the time listeners see
	// this).
	EventExpired
)

// Event is delivered to every subscribed Listener for each inbound
// packet this Interface accepts, or for a cache lifecycle transition
// (EventReissue/EventExpired), in which case Packet is nil and Record
// is set instead.
type Event struct {
	Kind   EventKind
	Packet *wire.Packet
	Record *wire.Record
}

// Listener receives inbound packet events and transport-level errors
// for one Interface. OnEvent/OnError may be nil.
type Listener struct {
	OnEvent func(Event)
	OnError func(error)
}

// Options configure optional defense-in-depth behavior on bind; the
// zero value disables both and reproduces the plain RFC 6762 behavior.
type Options struct {
	// SourceFilterEnabled restricts accepted inbound packets to
	// link-local or same-subnet sources (see internal/security).
	SourceFilterEnabled bool

	// RateLimitThreshold, if nonzero, bounds how many packets per
	// second from a single source this Interface will dispatch to
	// listeners before dropping the rest. When it is zero but
	// RateLimitCooldown is set, a threshold of 20/s is used; a zero
	// RateLimitCooldown with a nonzero threshold means 60s.
	RateLimitThreshold int
	RateLimitCooldown  time.Duration
}

// Option mutates Options during Bind.
type Option func(*Options)

// WithSourceFiltering enables RFC 6762 §2 link-local source validation.
func WithSourceFiltering() Option { return func(o *Options) { o.SourceFilterEnabled = true } }

// WithRateLimit enables per-source query-flood rate limiting at the
// given threshold (packets/second) and cooldown.
func WithRateLimit(threshold int, cooldown time.Duration) Option {
	return func(o *Options) {
		o.RateLimitThreshold = threshold
		o.RateLimitCooldown = cooldown
	}
}

// defaultRateLimitThreshold is the generous per-source ceiling applied
// when rate limiting is enabled without an explicit threshold.
const defaultRateLimitThreshold = 20

// Interface is a ref-counted binding of one OS network interface's mDNS
// sockets, its shared cache, and its send-suppression history.
type Interface struct {
	name string
	ifi  net.Interface

	mu       sync.Mutex
	refCount int

	sock    *sockets
	Cache   *cache.Cache
	History *cache.Cache

	sourceFilter *security.SourceFilter
	rateLimiter  *security.RateLimiter

	listeners map[*Listener]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Interface{}
)

// Bind returns the shared Interface for ifi, creating and starting it
// on first use and incrementing its reference count on every call.
// Callers must invoke the returned release func exactly once when done;
// the Interface tears itself down when the last reference releases.
func Bind(ifi net.Interface, opts ...Option) (*Interface, func(), error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[ifi.Name]; ok {
		existing.mu.Lock()
		existing.refCount++
		existing.mu.Unlock()
		return existing, existing.release, nil
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	sock, err := bindSockets(&ifi)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := &Interface{
		name:      ifi.Name,
		ifi:       ifi,
		refCount:  1,
		sock:      sock,
		History:   cache.New(nil, nil),
		listeners: make(map[*Listener]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	// Cache is wired to in.handleReissue/in.handleExpired, not built in
	// the literal above, so the callbacks close over the already-
	// constructed Interface and can fan cache lifecycle events out to
	// every subscriber (§4.2/§6: Cache reissue(record)/expired(record)).
	in.Cache = cache.New(in.handleReissue, in.handleExpired)

	if o.SourceFilterEnabled {
		if sf, err := security.NewSourceFilter(ifi); err == nil {
			in.sourceFilter = sf
		}
	}
	if o.RateLimitThreshold > 0 {
		cooldown := o.RateLimitCooldown
		if cooldown == 0 {
			cooldown = 60 * time.Second
		}
		in.rateLimiter = security.NewRateLimiter(o.RateLimitThreshold, cooldown, 10000)
	} else if o.RateLimitCooldown != 0 {
		in.rateLimiter = security.NewRateLimiter(defaultRateLimitThreshold, o.RateLimitCooldown, 10000)
	}

	registry[ifi.Name] = in

	in.wg.Add(1)
	go in.recvLoop(in.sock.v4raw)
	if in.sock.v6raw != nil {
		in.wg.Add(1)
		go in.recvLoop(in.sock.v6raw)
	}
	if in.rateLimiter != nil {
		in.wg.Add(1)
		go in.cleanupLoop()
	}

	return in, in.release, nil
}

func (in *Interface) release() {
	in.mu.Lock()
	in.refCount--
	done := in.refCount <= 0
	in.mu.Unlock()
	if !done {
		return
	}

	registryMu.Lock()
	delete(registry, in.name)
	registryMu.Unlock()

	in.cancel()
	in.wg.Wait()
	_ = in.sock.close()
	in.Cache.Clear()
	in.History.Clear()
}

// Subscribe registers l to receive events and errors from this
// Interface. The returned unsubscribe func removes exactly l — it
// closes over the same pointer passed in here, never a fresh value, so
// repeated Subscribe/unsubscribe pairs never remove the wrong listener.
func (in *Interface) Subscribe(l *Listener) (unsubscribe func()) {
	in.mu.Lock()
	in.listeners[l] = struct{}{}
	in.mu.Unlock()
	return func() {
		in.mu.Lock()
		delete(in.listeners, l)
		in.mu.Unlock()
	}
}

func (in *Interface) dispatch(ev Event) {
	in.mu.Lock()
	ls := make([]*Listener, 0, len(in.listeners))
	for l := range in.listeners {
		ls = append(ls, l)
	}
	in.mu.Unlock()
	for _, l := range ls {
		if l.OnEvent != nil {
			l.OnEvent(ev)
		}
	}
}

// handleReissue fans out a cache pre-expiry checkpoint to every
// subscriber as EventReissue; the Query, Resolver and Responder
// handlers in this module do not act on that event kind. percent itself
// is not carried on Event, only the record.
func (in *Interface) handleReissue(r *wire.Record, _ float64) {
	in.dispatch(Event{Kind: EventReissue, Record: r})
}

// handleExpired fans out a cache expiry to every subscriber: the
// Resolver tears down or downgrades the affected Service, the Query
// engine's known-answer list drops the record on its own next Find.
func (in *Interface) handleExpired(r *wire.Record) {
	in.dispatch(Event{Kind: EventExpired, Record: r})
}

func (in *Interface) reportError(err error) {
	in.mu.Lock()
	ls := make([]*Listener, 0, len(in.listeners))
	for l := range in.listeners {
		ls = append(ls, l)
	}
	in.mu.Unlock()
	for _, l := range ls {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

func (in *Interface) recvLoop(conn net.PacketConn) {
	defer in.wg.Done()
	for {
		select {
		case <-in.ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		bufPtr := getBuffer()
		n, addr, err := conn.ReadFrom(*bufPtr)
		if err != nil {
			putBuffer(bufPtr)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-in.ctx.Done():
				return
			default:
			}
			in.reportError(&intErrors.NetworkError{Operation: "receive", Err: err, Details: in.name})
			continue
		}

		data := make([]byte, n)
		copy(data, (*bufPtr)[:n])
		putBuffer(bufPtr)

		in.handleInbound(data, addr)
	}
}

func (in *Interface) handleInbound(data []byte, addr net.Addr) {
	udpAddr, _ := addr.(*net.UDPAddr)
	origin := wire.Origin{Interface: in.name}
	if udpAddr != nil {
		origin.SourceIP = udpAddr.IP
		origin.SourcePort = udpAddr.Port
	}

	if in.sourceFilter != nil && udpAddr != nil {
		if !in.sourceFilter.IsValid(udpAddr.IP) {
			return
		}
	}
	if in.rateLimiter != nil && udpAddr != nil {
		if !in.rateLimiter.Allow(udpAddr.IP.String()) {
			return
		}
	}

	pkt, err := wire.Parse(data, origin)
	if err != nil {
		// Malformed packet: drop silently per the documented error
		// handling policy (§7) — no listener cares about garbage on
		// the wire, only about packets worth acting on.
		return
	}
	if !pkt.IsValid() {
		return
	}

	if pkt.IsResponse() {
		in.mergeAnswers(pkt)
		in.dispatch(Event{Kind: EventAnswer, Packet: pkt})
		return
	}
	if pkt.IsProbe() {
		in.dispatch(Event{Kind: EventProbe, Packet: pkt})
		return
	}
	in.dispatch(Event{Kind: EventQuery, Packet: pkt})
}

// mergeAnswers folds a response's answer and additional records into
// the shared cache, applying cache-flush supersession (RFC 6762 §10.2)
// per name before adding the new records.
func (in *Interface) mergeAnswers(pkt *wire.Packet) {
	all := append(append([]*wire.Record{}, pkt.Answers...), pkt.Additionals...)
	for _, r := range all {
		if r.CacheFlush {
			in.Cache.FlushRelated(r, all)
		}
	}
	for _, r := range all {
		if r.TTL == 0 {
			if existing, ok := in.Cache.Get(r); ok {
				in.Cache.SetToExpire(existing)
			}
			continue
		}
		in.Cache.Add(r)
	}
}

// Send transmits pkt to dest, splitting it across multiple packets if
// it exceeds the mDNS maximum size. dest nil means the IPv4 multicast
// group 224.0.0.251; no address-family detection is done.
func (in *Interface) Send(pkt *wire.Packet, dest *net.UDPAddr) error {
	packets, err := pkt.Split(maxPacketSize)
	if err != nil {
		return err
	}
	for _, p := range packets {
		data, err := p.Encode()
		if err != nil {
			return err
		}
		if err := in.sendRaw(data, dest); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interface) sendRaw(data []byte, dest *net.UDPAddr) error {
	if dest == nil {
		dest = &net.UDPAddr{IP: groupV4, Port: wire.DefaultPort}
	}
	if dest.IP.To4() == nil {
		if _, err := in.sock.sendV6(data, dest); err != nil {
			return &intErrors.NetworkError{Operation: "send ipv6", Err: err, Details: in.name}
		}
		return nil
	}
	if _, err := in.sock.sendV4(data, dest); err != nil {
		return &intErrors.NetworkError{Operation: "send ipv4", Err: err, Details: in.name}
	}
	return nil
}

// ValidateUnicastDestination reports whether ip is a legitimate target
// for an outbound unicast reply or legacy query response, per RFC 6762
// §5.4 — a private IPv4 range, or an IPv6 loopback/unique-local/
// link-local address.
func ValidateUnicastDestination(ip net.IP) bool {
	return security.IsLinkLocalDestination(ip)
}

func (in *Interface) cleanupLoop() {
	defer in.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-in.ctx.Done():
			return
		case <-ticker.C:
			in.rateLimiter.Cleanup()
		}
	}
}

// Name returns the underlying OS interface name (e.g. "eth0").
func (in *Interface) Name() string { return in.name }

// NetInterface returns the underlying net.Interface this was bound to.
func (in *Interface) NetInterface() net.Interface { return in.ifi }
