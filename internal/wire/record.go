package wire

import (
	"hash/fnv"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/fernwood-systems/mdns/internal/errors"
)

// RRType is a DNS resource record type per RFC 1035 §3.2.2 and the mDNS
// extensions of RFC 6762.
type RRType uint16

// Record types this codec understands structurally. Any other value is
// round-tripped as opaque rdata.
const (
	TypeA     RRType = 1
	TypePTR   RRType = 12
	TypeTXT   RRType = 16
	TypeAAAA  RRType = 28
	TypeSRV   RRType = 33
	TypeNSEC  RRType = 47
	TypeANY   RRType = 255
)

// RRClass is a DNS resource record class. Only the low 15 bits carry the
// class; the top bit is interpreted separately as the cache-flush bit on
// answers or the QU bit on questions (see Record.CacheFlush / Query.QU).
type RRClass uint16

const (
	ClassIN  RRClass = 1
	ClassANY RRClass = 255
)

const classFlagMask uint16 = 0x8000

// RData is the type-specific resource data payload of a Record. Each
// variant knows its own rrtype, how to serialize itself onto a Buffer,
// and how to compare for equality (names case-insensitively, TXT pairs
// as an unordered set). Record.Hash normalizes rdata the same way before
// hashing, except that TXT key case stays significant to the hash.
type RData interface {
	Type() RRType
	encode(b *Buffer) error
	equalData(other RData) bool
}

// Record is a single DNS/mDNS resource record: the common header fields
// of RFC 1035 §3.2.1 plus a typed rdata payload and the derived
// attributes §3 of the design requires (hash, namehash, isUnique).
//
// Name is always stored root-terminated and is compared case-insensitively
// everywhere names participate in hashing or matching.
type Record struct {
	Name        string
	Class       RRClass
	TTL         uint32
	Data        RData
	CacheFlush  bool
	Additionals []*Record
}

// Type returns the record's rrtype, delegating to its rdata.
func (r *Record) Type() RRType { return r.Data.Type() }

// IsUnique reports whether this record is a "unique" record per RFC 6762
// §10.2: A, AAAA, SRV, TXT, and NSEC are unique (at most one true answer
// should exist per name); PTR and everything else are shared.
func (r *Record) IsUnique() bool {
	switch r.Data.Type() {
	case TypeA, TypeAAAA, TypeSRV, TypeTXT, TypeNSEC:
		return true
	default:
		return false
	}
}

func lowerName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, ".")) + "."
}

// NameHash is a content hash of (lowercased name, type, class) ignoring
// rdata and TTL; records sharing a namehash are "the same name/type/class"
// for conflict-detection and cache-lookup purposes.
func (r *Record) NameHash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(lowerName(r.Name)))
	h.Write([]byte{0})
	writeUint16(h, uint16(r.Data.Type()))
	writeUint16(h, uint16(r.Class)&^classFlagMask)
	return h.Sum64()
}

// Hash is a content hash of the full record (name, type, class, rdata).
// Two records are interchangeable in a RecordCollection iff their Hash
// matches; TTL and CacheFlush never participate, nor do the case of
// names inside rdata or the order of TXT pairs.
func (r *Record) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte{0})
	nh := r.NameHash()
	writeUint64(h, nh)
	data := r.Data
	switch d := data.(type) {
	case *RDataPTR:
		data = &RDataPTR{Target: lowerName(d.Target)}
	case *RDataSRV:
		data = &RDataSRV{Priority: d.Priority, Weight: d.Weight, Port: d.Port, Target: lowerName(d.Target)}
	case *RDataNSEC:
		data = &RDataNSEC{NextDomain: lowerName(d.NextDomain), Types: d.Types}
	case *RDataTXT:
		pairs := append([]TXTPair(nil), d.Pairs...)
		sortPairs(pairs)
		data = &RDataTXT{Pairs: pairs}
	}
	buf := NewBuffer()
	_ = data.encode(buf) // canonical encoding never fails for a valid in-memory rdata
	h.Write(buf.Data)
	return h.Sum64()
}

// EncodeRData returns the canonical wire encoding of a record's rdata
// alone (no owner name, type, class, TTL, or length prefix), for
// callers outside this package that need to compare rdata bytes
// directly, such as the RFC 6762 §8.2 probe tiebreak.
func EncodeRData(d RData) []byte {
	buf := NewBuffer()
	_ = d.encode(buf) // canonical encoding never fails for a valid in-memory rdata
	return buf.Data
}

func writeUint16(h interface{ Write([]byte) (int, error) }, v uint16) {
	_, _ = h.Write([]byte{byte(v >> 8), byte(v)})
}

func writeUint64(h interface{ Write([]byte) (int, error) }, v uint64) {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
	_, _ = h.Write(b)
}

// Equal reports whether two records have the same hash (same name, type,
// class, rdata); TTL and CacheFlush may differ.
func (r *Record) Equal(other *Record) bool {
	if other == nil {
		return false
	}
	return r.Hash() == other.Hash()
}

// Clone returns a deep-enough copy of the record for cache reads that
// adjust TTL without mutating the stored original.
func (r *Record) Clone() *Record {
	clone := *r
	if r.Additionals != nil {
		clone.Additionals = append([]*Record(nil), r.Additionals...)
	}
	return &clone
}

// classWithFlag returns the wire-format class field: low 15 bits are
// Class, top bit is CacheFlush (on an answer) or QU (on a question,
// via Query.classWithFlag instead).
func (r *Record) classWithFlag() uint16 {
	v := uint16(r.Class) &^ classFlagMask
	if r.CacheFlush {
		v |= classFlagMask
	}
	return v
}

func encodeRecord(b *Buffer, r *Record) error {
	if err := b.WriteName(r.Name); err != nil {
		return err
	}
	b.WriteUint16(uint16(r.Data.Type()))
	b.WriteUint16(r.classWithFlag())
	b.WriteUint32(r.TTL)
	var rdataErr error
	b.WriteLengthPrefixed(func() {
		rdataErr = r.Data.encode(b)
	})
	return rdataErr
}

func decodeRecord(b *Buffer) (*Record, error) {
	name, err := b.ReadName()
	if err != nil {
		return nil, err
	}
	typ, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	class, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	ttl, err := b.ReadUint32()
	if err != nil {
		return nil, err
	}
	rdlen, err := b.ReadUint16()
	if err != nil {
		return nil, err
	}
	if err := b.ensure(int(rdlen)); err != nil {
		return nil, err
	}
	rdataEnd := b.pos + int(rdlen)

	data, err := decodeRData(RRType(typ), b, rdataEnd)
	if err != nil {
		return nil, err
	}
	// Always resync to the declared boundary: an opaque/partial decode
	// must not desynchronize the rest of the packet.
	b.pos = rdataEnd

	return &Record{
		Name:       name,
		Class:      RRClass(class) &^ RRClass(classFlagMask),
		TTL:        ttl,
		Data:       data,
		CacheFlush: class&classFlagMask != 0,
	}, nil
}

func decodeRData(typ RRType, b *Buffer, rdataEnd int) (RData, error) {
	start := b.pos
	switch typ {
	case TypeA:
		ip, err := b.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		return &RDataA{IP: net.IP(ip)}, nil
	case TypeAAAA:
		ip, err := b.ReadBytes(16)
		if err != nil {
			return nil, err
		}
		return &RDataAAAA{IP: net.IP(ip)}, nil
	case TypePTR:
		target, err := b.ReadName()
		if err != nil {
			return nil, err
		}
		return &RDataPTR{Target: target}, nil
	case TypeSRV:
		priority, err := b.ReadUint16()
		if err != nil {
			return nil, err
		}
		weight, err := b.ReadUint16()
		if err != nil {
			return nil, err
		}
		port, err := b.ReadUint16()
		if err != nil {
			return nil, err
		}
		target, err := b.ReadName()
		if err != nil {
			return nil, err
		}
		return &RDataSRV{Priority: priority, Weight: weight, Port: port, Target: target}, nil
	case TypeTXT:
		raw, err := b.ReadBytes(rdataEnd - start)
		if err != nil {
			return nil, err
		}
		return &RDataTXT{Pairs: decodeTXT(raw)}, nil
	case TypeNSEC:
		next, err := b.ReadName()
		if err != nil {
			return nil, err
		}
		raw, err := b.ReadBytes(rdataEnd - b.pos)
		if err != nil {
			return nil, err
		}
		bitmap, err := decodeNSECBitmap(raw)
		if err != nil {
			return nil, err
		}
		return &RDataNSEC{NextDomain: next, Types: bitmap}, nil
	default:
		raw, err := b.ReadBytes(rdataEnd - start)
		if err != nil {
			return nil, err
		}
		return &RDataOpaque{RRType: typ, Raw: raw}, nil
	}
}

// --- A / AAAA ---

// RDataA is the rdata of an A record: a single IPv4 address.
type RDataA struct{ IP net.IP }

func (r *RDataA) Type() RRType { return TypeA }
func (r *RDataA) encode(b *Buffer) error {
	ip4 := r.IP.To4()
	if ip4 == nil {
		return &errors.WireFormatError{Operation: "encode A", Message: "not an IPv4 address"}
	}
	b.WriteBytes(ip4)
	return nil
}
func (r *RDataA) equalData(other RData) bool {
	o, ok := other.(*RDataA)
	return ok && r.IP.Equal(o.IP)
}

// RDataAAAA is the rdata of an AAAA record: a single IPv6 address.
type RDataAAAA struct{ IP net.IP }

func (r *RDataAAAA) Type() RRType { return TypeAAAA }
func (r *RDataAAAA) encode(b *Buffer) error {
	ip16 := r.IP.To16()
	if ip16 == nil || r.IP.To4() != nil {
		return &errors.WireFormatError{Operation: "encode AAAA", Message: "not an IPv6 address"}
	}
	b.WriteBytes(ip16)
	return nil
}
func (r *RDataAAAA) equalData(other RData) bool {
	o, ok := other.(*RDataAAAA)
	return ok && r.IP.Equal(o.IP)
}

// --- PTR ---

// RDataPTR is the rdata of a PTR record: a single target domain name.
type RDataPTR struct{ Target string }

func (r *RDataPTR) Type() RRType           { return TypePTR }
func (r *RDataPTR) encode(b *Buffer) error { return b.WriteName(r.Target) }
func (r *RDataPTR) equalData(other RData) bool {
	o, ok := other.(*RDataPTR)
	return ok && lowerName(r.Target) == lowerName(o.Target)
}

// --- SRV ---

// RDataSRV is the rdata of an SRV record per RFC 2782.
type RDataSRV struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   string
}

func (r *RDataSRV) Type() RRType { return TypeSRV }
func (r *RDataSRV) encode(b *Buffer) error {
	b.WriteUint16(r.Priority)
	b.WriteUint16(r.Weight)
	b.WriteUint16(r.Port)
	return b.WriteName(r.Target)
}
func (r *RDataSRV) equalData(other RData) bool {
	o, ok := other.(*RDataSRV)
	return ok && r.Priority == o.Priority && r.Weight == o.Weight &&
		r.Port == o.Port && lowerName(r.Target) == lowerName(o.Target)
}

// --- TXT ---

// TXTPair is one ordered key/value entry of a TXT record per RFC 6763 §6.
// A nil Value encodes as a bare key (boolean-true attribute); a non-nil
// but empty Value encodes as "key=" (present, empty string).
type TXTPair struct {
	Key   string
	Value []byte
}

// HasValue reports whether this pair carries an explicit value (even an
// empty one) as opposed to being a bare boolean attribute.
func (p TXTPair) HasValue() bool { return p.Value != nil }

// RDataTXT is the rdata of a TXT record: an ordered list of attributes.
type RDataTXT struct{ Pairs []TXTPair }

func (r *RDataTXT) Type() RRType { return TypeTXT }
func (r *RDataTXT) encode(b *Buffer) error {
	if len(r.Pairs) == 0 {
		b.WriteUint8(0)
		return nil
	}
	for _, p := range r.Pairs {
		entry := p.Key
		if p.HasValue() {
			entry += "=" + string(p.Value)
		}
		if len(entry) > 255 {
			return &errors.WireFormatError{Operation: "encode TXT", Message: "attribute exceeds 255 bytes"}
		}
		b.WriteUint8(uint8(len(entry)))
		b.WriteBytes([]byte(entry))
	}
	return nil
}
func (r *RDataTXT) equalData(other RData) bool {
	o, ok := other.(*RDataTXT)
	if !ok || len(r.Pairs) != len(o.Pairs) {
		return false
	}
	// RFC 6763 §6.1: TXT records are an unordered set of key/value pairs
	// for equality purposes, even though wire order is preserved on read.
	a := append([]TXTPair(nil), r.Pairs...)
	b := append([]TXTPair(nil), o.Pairs...)
	sortPairs(a)
	sortPairs(b)
	for i := range a {
		if !strings.EqualFold(a[i].Key, b[i].Key) {
			return false
		}
		if a[i].HasValue() != b[i].HasValue() {
			return false
		}
		if a[i].HasValue() && string(a[i].Value) != string(b[i].Value) {
			return false
		}
	}
	return true
}

func sortPairs(p []TXTPair) {
	sort.Slice(p, func(i, j int) bool {
		if !strings.EqualFold(p[i].Key, p[j].Key) {
			return strings.ToLower(p[i].Key) < strings.ToLower(p[j].Key)
		}
		return string(p[i].Value) < string(p[j].Value)
	})
}

func decodeTXT(raw []byte) []TXTPair {
	var pairs []TXTPair
	i := 0
	for i < len(raw) {
		n := int(raw[i])
		i++
		if i+n > len(raw) {
			break
		}
		entry := raw[i : i+n]
		i += n
		if len(entry) == 0 {
			continue
		}
		if idx := indexByte(entry, '='); idx >= 0 {
			val := make([]byte, len(entry)-idx-1)
			copy(val, entry[idx+1:])
			pairs = append(pairs, TXTPair{Key: string(entry[:idx]), Value: val})
		} else {
			pairs = append(pairs, TXTPair{Key: string(entry)})
		}
	}
	return pairs
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// --- NSEC (restricted form, RFC 6762 §6.1) ---

// RDataNSEC is the "restricted form" of NSEC used by mDNS to assert
// nonexistence of other rrtypes at a name: owner name repeated as
// NextDomain, followed by a single type-bitmap window (block 0) covering
// rrtypes 1..255.
type RDataNSEC struct {
	NextDomain string
	Types      map[RRType]bool
}

func (r *RDataNSEC) Type() RRType { return TypeNSEC }
func (r *RDataNSEC) encode(b *Buffer) error {
	if err := b.WriteName(r.NextDomain); err != nil {
		return err
	}
	bitmap := make([]byte, 32) // block 0 covers types 1..255 -> 32 bytes
	maxSet := 0
	for t := range r.Types {
		if t < 1 || t > 255 {
			continue
		}
		idx := int(t) / 8
		bitmap[idx] |= 1 << (7 - uint(t)%8)
		if idx+1 > maxSet {
			maxSet = idx + 1
		}
	}
	if maxSet == 0 {
		maxSet = 1
	}
	bitmap = bitmap[:maxSet]
	b.WriteUint8(0) // window block 0
	b.WriteUint8(uint8(len(bitmap)))
	b.WriteBytes(bitmap)
	return nil
}
func (r *RDataNSEC) equalData(other RData) bool {
	o, ok := other.(*RDataNSEC)
	if !ok || lowerName(r.NextDomain) != lowerName(o.NextDomain) {
		return false
	}
	if len(r.Types) != len(o.Types) {
		return false
	}
	for t := range r.Types {
		if !o.Types[t] {
			return false
		}
	}
	return true
}

func decodeNSECBitmap(raw []byte) (map[RRType]bool, error) {
	types := make(map[RRType]bool)
	i := 0
	for i+2 <= len(raw) {
		window := int(raw[i])
		length := int(raw[i+1])
		i += 2
		if i+length > len(raw) {
			return nil, &errors.WireFormatError{Operation: "decode NSEC", Message: "bitmap window overruns rdata"}
		}
		for j := 0; j < length; j++ {
			byt := raw[i+j]
			for bit := 0; bit < 8; bit++ {
				if byt&(1<<(7-uint(bit))) != 0 {
					types[RRType(window*256+j*8+bit)] = true
				}
			}
		}
		i += length
	}
	return types, nil
}

// --- opaque (unknown rrtype) ---

// RDataOpaque preserves an rrtype this codec does not structurally
// understand, round-tripping its rdata bytes exactly as received.
type RDataOpaque struct {
	RRType RRType
	Raw    []byte
}

func (r *RDataOpaque) Type() RRType           { return r.RRType }
func (r *RDataOpaque) encode(b *Buffer) error { b.WriteBytes(r.Raw); return nil }
func (r *RDataOpaque) equalData(other RData) bool {
	o, ok := other.(*RDataOpaque)
	return ok && r.RRType == o.RRType && string(r.Raw) == string(o.Raw)
}

// NewARecord builds a unique A record with the given name and TTL.
func NewARecord(name string, ip net.IP, ttl uint32) *Record {
	return &Record{Name: name, Class: ClassIN, TTL: ttl, CacheFlush: true, Data: &RDataA{IP: ip}}
}

// NewAAAARecord builds a unique AAAA record with the given name and TTL.
func NewAAAARecord(name string, ip net.IP, ttl uint32) *Record {
	return &Record{Name: name, Class: ClassIN, TTL: ttl, CacheFlush: true, Data: &RDataAAAA{IP: ip}}
}

// NewPTRRecord builds a shared PTR record.
func NewPTRRecord(name, target string, ttl uint32) *Record {
	return &Record{Name: name, Class: ClassIN, TTL: ttl, Data: &RDataPTR{Target: target}}
}

// NewSRVRecord builds a unique SRV record.
func NewSRVRecord(name, target string, port int, ttl uint32) *Record {
	return &Record{Name: name, Class: ClassIN, TTL: ttl, CacheFlush: true,
		Data: &RDataSRV{Port: uint16(port), Target: target}}
}

// NewTXTRecord builds a unique TXT record from an ordered pair list.
func NewTXTRecord(name string, pairs []TXTPair, ttl uint32) *Record {
	return &Record{Name: name, Class: ClassIN, TTL: ttl, CacheFlush: true, Data: &RDataTXT{Pairs: pairs}}
}

// NewNSECRecord builds a unique NSEC record asserting the given types
// exist at name (used negatively: everything else does not).
func NewNSECRecord(name string, types []RRType, ttl uint32) *Record {
	set := make(map[RRType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &Record{Name: name, Class: ClassIN, TTL: ttl, CacheFlush: true,
		Data: &RDataNSEC{NextDomain: name, Types: set}}
}

// portString formats an SRV port as a decimal string. Nothing in this
// module calls it.
func portString(port uint16) string { return strconv.Itoa(int(port)) }
