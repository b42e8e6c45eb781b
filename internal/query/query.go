// Package query implements the continuous (and one-shot) mDNS query
// engine: known-answer suppression against the interface's live cache,
// and exponential backoff between re-queries for an unanswered name,
// per RFC 6762 §5.2 and §7.1.
package query

import (
	"math/rand"
	"sync"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/wire"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Hour

	// knownAnswerMinFraction is the RFC 6762 §7.1 threshold: an answer is
	// only worth listing as "known" if more than half its TTL remains,
	// otherwise it is about to expire and the responder should just
	// answer again.
	knownAnswerMinFraction = 0.5
)

// Query runs a continuous (or, with Stop called after the first send,
// one-shot) query for name/qtype on one Interface, answering through
// onAnswer as matching records arrive, with knowledge of what is
// already cached so duplicate answers are suppressed on the wire.
type Query struct {
	in    *iface.Interface
	name  string
	qtype wire.RRType

	onAnswer func(*wire.Record)

	mu          sync.Mutex
	stopped     bool
	backoff     time.Duration
	timer       *time.Timer
	unsubscribe func()
}

// New returns a Query ready to Start.
func New(in *iface.Interface, name string, qtype wire.RRType, onAnswer func(*wire.Record)) *Query {
	return &Query{in: in, name: name, qtype: qtype, onAnswer: onAnswer, backoff: initialBackoff}
}

// Start subscribes to the interface, delivers any cached answers, and
// then issues the first query, scheduling the next re-query at the
// current backoff interval. When the cache already holds a unique
// answer to the question, no query is sent.
func (q *Query) Start() {
	q.mu.Lock()
	if q.unsubscribe != nil {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	l := &iface.Listener{OnEvent: q.handleEvent}
	unsub := q.in.Subscribe(l)
	q.mu.Lock()
	q.unsubscribe = unsub
	q.mu.Unlock()

	if q.deliverCached() {
		// A cached unique answer already satisfies the question: RFC 6762
		// §7.1 expects no query to go out at all in that case.
		return
	}
	q.send()
}

// StartOneShot issues exactly one query and does not schedule a
// re-query or keep listening once the caller stops it; used for the
// convenience one-shot lookups where the caller already has its own
// short collection window.
func (q *Query) StartOneShot() {
	q.mu.Lock()
	if q.unsubscribe != nil {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	l := &iface.Listener{OnEvent: q.handleEvent}
	unsub := q.in.Subscribe(l)
	q.mu.Lock()
	q.unsubscribe = unsub
	q.mu.Unlock()

	q.deliverCached()
	q.sendPacket()
}

// deliverCached delivers every cached record matching this query's
// name/qtype through onAnswer and reports whether the question is
// already fully answered by the cache: only a unique record answers it;
// shared records (PTR) never exhaust a question.
func (q *Query) deliverCached() bool {
	cached := q.in.Cache.Find(func(r *wire.Record) bool {
		return wire.NewQuery(q.name, q.qtype).Matches(r)
	})
	answered := false
	for _, r := range cached {
		if q.onAnswer != nil {
			q.onAnswer(r)
		}
		if r.IsUnique() {
			answered = true
		}
	}
	return answered
}

func (q *Query) send() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	backoff := q.backoff
	q.mu.Unlock()

	q.sendPacket()

	jitter := time.Duration(rand.Int63n(int64(backoff / 10)))
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.timer = time.AfterFunc(backoff+jitter, q.send)
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	q.backoff = next
	q.mu.Unlock()
}

// sendPacket issues one query, listing currently-cached, not-about-to-
// expire answers as known answers so a responder that sees this packet
// suppresses records we already have, per RFC 6762 §7.1.
func (q *Query) sendPacket() {
	known := q.in.Cache.FindFresh(func(r *wire.Record) bool {
		return wire.NewQuery(q.name, q.qtype).Matches(r)
	}, knownAnswerMinFraction)
	for _, r := range known {
		// Cache-flush only means something in a response's answer
		// section; a question packet asserting it is wire-invalid.
		r.CacheFlush = false
	}
	pkt := &wire.Packet{
		Questions: []*wire.Query{wire.NewQuery(q.name, q.qtype)},
		Answers:   known,
	}
	_ = q.in.Send(pkt, nil)
}

func (q *Query) handleEvent(ev iface.Event) {
	if ev.Kind != iface.EventAnswer {
		return
	}
	qq := wire.NewQuery(q.name, q.qtype)
	for _, r := range ev.Packet.Answers {
		if qq.Matches(r) && q.onAnswer != nil {
			q.onAnswer(r)
		}
	}
}

// Restart resets the backoff to its initial value and issues an
// immediate re-query; called after the host detects it has resumed
// from sleep (stale cache entries may no longer reflect the network).
func (q *Query) Restart() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.backoff = initialBackoff
	q.mu.Unlock()
	q.send()
}

// Stop idempotently ends the query: further calls are no-ops.
func (q *Query) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	if q.timer != nil {
		q.timer.Stop()
	}
	unsub := q.unsubscribe
	q.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
