package wire

import (
	"net"

	"github.com/fernwood-systems/mdns/internal/errors"
)

// header bit layout, RFC 1035 §4.1.1.
const (
	flagQR = 1 << 15 // query/response
	flagAA = 1 << 10 // authoritative answer
	flagTC = 1 << 9  // truncated, more records follow in a later packet
)

// DefaultPort is the mDNS UDP port, RFC 6762 §3.
const DefaultPort = 5353

// Origin describes where a decoded Packet came from: the source address
// it was received on, and the local interface that received it. A
// non-5353 SourcePort marks the sender as a "legacy" one-shot unicast
// querier per RFC 6762 §6.7, which a responder must answer directly
// instead of via the multicast group.
type Origin struct {
	SourceIP   net.IP
	SourcePort int
	Interface  string
}

// IsLegacy reports whether the sender used a source port other than
// 5353, meaning it is not itself a full mDNS stack and expects a direct
// unicast reply regardless of the question's QU bit.
func (o Origin) IsLegacy() bool { return o.SourcePort != 0 && o.SourcePort != DefaultPort }

// Packet is one decoded (or to-be-encoded) DNS/mDNS message: the header
// flags plus the four RFC 1035 §4.1 sections.
type Packet struct {
	ID                  uint16
	Response            bool
	AuthoritativeAnswer bool
	Truncated           bool

	Questions   []*Query
	Answers     []*Record
	Authorities []*Record
	Additionals []*Record

	// Origin is populated only on packets returned by Parse; it is the
	// zero value on packets built for encoding.
	Origin Origin
}

// IsQuery reports whether this packet is asking a question (QR=0).
func (p *Packet) IsQuery() bool { return !p.Response }

// IsResponse reports whether this packet is answering (QR=1).
func (p *Packet) IsResponse() bool { return p.Response }

// IsProbe reports whether this is a probe query: a question accompanied
// by the proposed records in the Authority section, per RFC 6762 §8.2.
func (p *Packet) IsProbe() bool {
	return p.IsQuery() && len(p.Questions) > 0 && len(p.Authorities) > 0
}

// IsLegacy reports whether the sender's origin marks it a one-shot
// legacy querier (non-5353 source port).
func (p *Packet) IsLegacy() bool { return p.Origin.IsLegacy() }

// IsValid applies the minimal header sanity RFC 6762 §18 implies: a
// query carries no answers, and a response carries no questions (mDNS
// never uses the RFC 1035 query/response-with-question combination).
func (p *Packet) IsValid() bool {
	if p.IsQuery() {
		return len(p.Answers) == 0
	}
	return true
}

// Parse decodes a wire-format mDNS message. origin, if non-zero, is
// stamped onto the returned Packet for the caller's use (legacy
// detection, per-interface bookkeeping); Parse itself does not inspect
// it.
func Parse(data []byte, origin Origin) (*Packet, error) {
	b := NewReader(data)

	id, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	flags, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	qdcount, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	ancount, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	nscount, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	arcount, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}

	p := &Packet{
		ID:                  id,
		Response:            flags&flagQR != 0,
		AuthoritativeAnswer: flags&flagAA != 0,
		Truncated:           flags&flagTC != 0,
		Origin:              origin,
	}

	p.Questions = make([]*Query, 0, qdcount)
	for i := uint16(0); i < qdcount; i++ {
		q, err := decodeQuery(b)
		if err != nil {
			return nil, err
		}
		p.Questions = append(p.Questions, q)
	}

	decodeSection := func(n uint16) ([]*Record, error) {
		recs := make([]*Record, 0, n)
		for i := uint16(0); i < n; i++ {
			r, err := decodeRecord(b)
			if err != nil {
				return nil, err
			}
			recs = append(recs, r)
		}
		return recs, nil
	}

	if p.Answers, err = decodeSection(ancount); err != nil {
		return nil, err
	}
	if p.Authorities, err = decodeSection(nscount); err != nil {
		return nil, err
	}
	if p.Additionals, err = decodeSection(arcount); err != nil {
		return nil, err
	}

	return p, nil
}

// Encode serializes the packet to wire format, applying name
// compression across the whole message (header through additionals)
// per RFC 1035 §4.1.4.
func (p *Packet) Encode() ([]byte, error) {
	b := NewBuffer()

	b.WriteUint16(p.ID)
	var flags uint16
	if p.Response {
		flags |= flagQR
	}
	if p.AuthoritativeAnswer {
		flags |= flagAA
	}
	if p.Truncated {
		flags |= flagTC
	}
	b.WriteUint16(flags)

	b.WriteUint16(uint16(len(p.Questions)))
	b.WriteUint16(uint16(len(p.Answers)))
	b.WriteUint16(uint16(len(p.Authorities)))
	b.WriteUint16(uint16(len(p.Additionals)))

	for _, q := range p.Questions {
		if err := encodeQuery(b, q); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Answers {
		if err := encodeRecord(b, r); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Authorities {
		if err := encodeRecord(b, r); err != nil {
			return nil, err
		}
	}
	for _, r := range p.Additionals {
		if err := encodeRecord(b, r); err != nil {
			return nil, err
		}
	}

	return b.Data, nil
}

// Split breaks a response packet whose Answers exceed maxSize once
// encoded into a sequence of packets each at or under maxSize, setting
// Truncated on every packet but the last, per RFC 6762 §17/§7.2. Only
// the Answers section is split; Questions/Authorities/Additionals are
// assumed small enough to fit the first packet whole (true for every
// producer in this module: probes and queries never grow large enough
// to need splitting, only multicast responses with many answers do).
func (p *Packet) Split(maxSize int) ([]*Packet, error) {
	whole, err := p.Encode()
	if err != nil {
		return nil, err
	}
	if len(whole) <= maxSize {
		return []*Packet{p}, nil
	}
	if len(p.Answers) == 0 {
		return nil, &errors.WireFormatError{Operation: "split packet", Message: "packet exceeds max size with no answers to split"}
	}

	var packets []*Packet
	remaining := p.Answers
	for len(remaining) > 0 {
		lo, hi := 1, len(remaining)
		best := 1
		for lo <= hi {
			mid := (lo + hi) / 2
			candidate := &Packet{
				ID:                  p.ID,
				Response:            p.Response,
				AuthoritativeAnswer: p.AuthoritativeAnswer,
				Questions:           p.Questions,
				Answers:             remaining[:mid],
			}
			if len(packets) == 0 {
				candidate.Authorities = p.Authorities
				candidate.Additionals = p.Additionals
			}
			enc, err := candidate.Encode()
			if err == nil && len(enc) <= maxSize {
				best = mid
				lo = mid + 1
			} else {
				hi = mid - 1
			}
		}
		chunk := &Packet{
			ID:                  p.ID,
			Response:            p.Response,
			AuthoritativeAnswer: p.AuthoritativeAnswer,
			Answers:             remaining[:best],
		}
		if len(packets) == 0 {
			chunk.Questions = p.Questions
			chunk.Authorities = p.Authorities
			chunk.Additionals = p.Additionals
		}
		remaining = remaining[best:]
		chunk.Truncated = len(remaining) > 0
		packets = append(packets, chunk)
	}
	return packets, nil
}
