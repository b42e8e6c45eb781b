// Package response implements the three ways a responder answers:
// periodic/triggered multicast responses with the §6 first-send delay,
// defensive-mode and repeat-schedule send options, direct unicast
// replies (with the full §6.7 legacy-query fixup set when the asker is
// a legacy querier), and the goodbye packets (TTL=0) sent when a
// service is withdrawn.
package response

import (
	"math/rand"
	"net"
	"time"

	"github.com/fernwood-systems/mdns/internal/iface"
	"github.com/fernwood-systems/mdns/internal/wire"
)

const (
	// normalSuppressionWindow is the RFC 6762 §6 minimum gap between two
	// multicast sends of the same record for an ordinary (non-defensive)
	// response.
	normalSuppressionWindow = time.Second

	// defensiveSuppressionWindow is the shorter gap RFC 6762 §9 allows
	// when immediately defending a record against a conflicting probe or
	// answer, rather than the usual once-a-second cadence.
	defensiveSuppressionWindow = 250 * time.Millisecond

	minFirstSendDelay = 20 * time.Millisecond
	maxFirstSendDelay = 120 * time.Millisecond

	// legacyTTLCapSeconds caps a legacy-unicast reply's TTL, per RFC
	// 6762 §6.7, regardless of the record's real remaining TTL.
	legacyTTLCapSeconds = 10
)

// repeatIntervals is the RFC 6762 §6 retransmission cadence: a repeated
// multicast answer is resent 1s, then 2s, then 4s after the one before.
var repeatIntervals = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

type sendOptions struct {
	defensive bool
	repeat    int
}

// SendOption configures SendMulticast's delay/suppression/retransmission
// behavior beyond the plain one-shot default.
type SendOption func(*sendOptions)

// Defensive marks the send as an immediate RFC 6762 §9 defense: no
// first-send delay, and a much shorter (250ms) suppression window since
// a conflicting probe needs an answer right away, not once a second.
func Defensive() SendOption { return func(o *sendOptions) { o.defensive = true } }

// Repeat schedules n additional retransmissions (clamped to the three
// defined intervals, 1s/2s/4s) after the first send, per RFC 6762 §6.
func Repeat(n int) SendOption { return func(o *sendOptions) { o.repeat = n } }

// SendMulticast answers with a multicast response carrying answers,
// dropping any record that was already multicast within the current
// suppression window and recording what actually goes out in the
// interface's send-suppression history. Unless Defensive is given, a
// packet containing any shared (non-unique) answer waits a random
// 20-120ms before its first send, per RFC 6762 §6, so that several
// hosts answering the same question have a chance to suppress each
// other's duplicate.
func SendMulticast(in *iface.Interface, answers []*wire.Record, opts ...SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	window := normalSuppressionWindow
	if o.defensive {
		window = defensiveSuppressionWindow
	}

	fresh := make([]*wire.Record, 0, len(answers))
	shared := false
	for _, r := range answers {
		if in.History.HasAddedWithin(r, window) {
			continue
		}
		fresh = append(fresh, r)
		if !r.IsUnique() {
			shared = true
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if !o.defensive && shared {
		time.Sleep(randomDelay(minFirstSendDelay, maxFirstSendDelay))
	}

	pkt := &wire.Packet{Response: true, AuthoritativeAnswer: true, Answers: fresh}
	send := func() error {
		if err := in.Send(pkt, nil); err != nil {
			return err
		}
		in.History.AddEach(fresh)
		return nil
	}

	if err := send(); err != nil {
		return err
	}
	if o.defensive {
		return nil
	}
	for _, d := range repeatIntervals[:clampRepeat(o.repeat)] {
		time.Sleep(d)
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}

func clampRepeat(n int) int {
	if n < 0 {
		return 0
	}
	if n > len(repeatIntervals) {
		return len(repeatIntervals)
	}
	return n
}

func randomDelay(min, max time.Duration) time.Duration {
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// SendUnicast answers a query directly to dest instead of the multicast
// group, per RFC 6762 §5.4 (QU-flagged question) or §6.7 (legacy,
// non-5353-source-port querier). query is the packet being answered;
// when it is legacy, the reply echoes its ID, repeats its questions,
// caps every record's TTL at 10s, clears the cache-flush bit, and
// strips NSEC records, per §6.7 — none of which apply to an ordinary
// QU reply, which otherwise looks just like a multicast answer sent to
// one address. dest must be a validated link-local-scope address;
// ValidateUnicastDestination should be checked by the caller (the
// Responder) against the packet's origin before building this call so
// the check happens once per packet rather than once per record. No
// delay is applied and the packet is sent exactly once.
func SendUnicast(in *iface.Interface, answers []*wire.Record, dest *net.UDPAddr, query *wire.Packet) error {
	if len(answers) == 0 {
		return nil
	}

	pkt := &wire.Packet{Response: true, AuthoritativeAnswer: true}

	if query != nil && query.IsLegacy() {
		fixed := make([]*wire.Record, 0, len(answers))
		for _, r := range answers {
			if r.Type() == wire.TypeNSEC {
				continue
			}
			c := r.Clone()
			c.CacheFlush = false
			if c.TTL > legacyTTLCapSeconds {
				c.TTL = legacyTTLCapSeconds
			}
			fixed = append(fixed, c)
		}
		if len(fixed) == 0 {
			return nil
		}
		pkt.ID = query.ID
		pkt.Questions = query.Questions
		pkt.Answers = fixed
	} else {
		pkt.Answers = answers
	}

	return in.Send(pkt, dest)
}

// SendGoodbye withdraws records by multicasting them with TTL=0, sent
// twice with a short gap per RFC 6762 §10.1 ("should be sent twice,
// one second apart, to guard against packet loss").
func SendGoodbye(in *iface.Interface, records []*wire.Record) error {
	if len(records) == 0 {
		return nil
	}
	dying := make([]*wire.Record, len(records))
	for i, r := range records {
		c := r.Clone()
		c.TTL = 0
		dying[i] = c
	}

	pkt := &wire.Packet{Response: true, AuthoritativeAnswer: true, Answers: dying}
	if err := in.Send(pkt, nil); err != nil {
		return err
	}
	time.Sleep(time.Second)
	return in.Send(pkt, nil)
}
