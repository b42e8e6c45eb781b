package wire

import (
	"net"
	"testing"
)

func TestBufferPrimitivesRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.WriteUint8(0xAB)
	b.WriteUint16(0x1234)
	b.WriteUint32(0xDEADBEEF)
	b.WriteBytes([]byte{1, 2, 3})

	r := NewReader(b.Data)
	if v, err := r.ReadUint8(); err != nil || v != 0xAB {
		t.Fatalf("ReadUint8 = %x, %v", v, err)
	}
	if v, err := r.ReadUint16(); err != nil || v != 0x1234 {
		t.Fatalf("ReadUint16 = %x, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("ReadUint32 = %x, %v", v, err)
	}
	v, err := r.ReadBytes(3)
	if err != nil || string(v) != "\x01\x02\x03" {
		t.Fatalf("ReadBytes = %v, %v", v, err)
	}
}

func TestBufferReadPastEndErrors(t *testing.T) {
	r := NewReader([]byte{1, 2})
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected error reading past end of buffer")
	}
}

func TestNameCompressionFirstMatchWins(t *testing.T) {
	b := NewBuffer()
	if err := b.WriteName("foo.example.local."); err != nil {
		t.Fatal(err)
	}
	secondStart := len(b.Data)
	if err := b.WriteName("bar.example.local."); err != nil {
		t.Fatal(err)
	}

	// the second name's "example.local." suffix should compress to a
	// pointer into the first name, so it must be far shorter than an
	// uncompressed encoding would be.
	secondLen := len(b.Data) - secondStart
	if secondLen > len("bar")+1+2 {
		t.Fatalf("expected compressed suffix, second name took %d bytes", secondLen)
	}

	r := NewReader(b.Data)
	name1, err := r.ReadName()
	if err != nil || name1 != "foo.example.local." {
		t.Fatalf("name1 = %q, %v", name1, err)
	}
	name2, err := r.ReadName()
	if err != nil || name2 != "bar.example.local." {
		t.Fatalf("name2 = %q, %v", name2, err)
	}
}

func TestReadNameRejectsPointerLoop(t *testing.T) {
	data := []byte{0xC0, 0x00} // points to itself
	r := NewReader(data)
	if _, err := r.ReadName(); err == nil {
		t.Fatal("expected error on self-referential compression pointer")
	}
}

func TestRecordRoundTripAllTypes(t *testing.T) {
	records := []*Record{
		NewARecord("host.local.", net.IPv4(192, 168, 1, 10), 120),
		NewAAAARecord("host.local.", net.ParseIP("fe80::1"), 120),
		NewPTRRecord("_http._tcp.local.", "instance._http._tcp.local.", 4500),
		NewSRVRecord("instance._http._tcp.local.", "host.local.", 8080, 120),
		NewTXTRecord("instance._http._tcp.local.", []TXTPair{
			{Key: "path", Value: []byte("/")},
			{Key: "flag"},
			{Key: "empty", Value: []byte{}},
		}, 4500),
		NewNSECRecord("host.local.", []RRType{TypeA, TypeAAAA}, 120),
	}

	for _, rec := range records {
		b := NewBuffer()
		if err := encodeRecord(b, rec); err != nil {
			t.Fatalf("encode %v: %v", rec.Data.Type(), err)
		}
		decoded, err := decodeRecord(NewReader(b.Data))
		if err != nil {
			t.Fatalf("decode %v: %v", rec.Data.Type(), err)
		}
		if !decoded.Data.equalData(rec.Data) {
			t.Fatalf("rdata mismatch for type %v: got %+v want %+v", rec.Data.Type(), decoded.Data, rec.Data)
		}
		if decoded.Hash() != rec.Hash() {
			t.Fatalf("hash mismatch for type %v", rec.Data.Type())
		}
	}
}

func TestTXTBooleanAndEmptyValueDistinction(t *testing.T) {
	rec := NewTXTRecord("x.local.", []TXTPair{
		{Key: "a"},
		{Key: "b", Value: []byte{}},
		{Key: "c", Value: []byte("v")},
	}, 60)
	b := NewBuffer()
	if err := encodeRecord(b, rec); err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeRecord(NewReader(b.Data))
	if err != nil {
		t.Fatal(err)
	}
	txt := decoded.Data.(*RDataTXT)
	if len(txt.Pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(txt.Pairs))
	}
	if txt.Pairs[0].HasValue() {
		t.Fatal("bare key must not have a value")
	}
	if !txt.Pairs[1].HasValue() || len(txt.Pairs[1].Value) != 0 {
		t.Fatal("key= must have an empty, non-nil value")
	}
	if string(txt.Pairs[2].Value) != "v" {
		t.Fatalf("got %q", txt.Pairs[2].Value)
	}
}

func TestHashStableAcrossTTLAndFlushChanges(t *testing.T) {
	a := NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)
	bb := NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 4500)
	bb.CacheFlush = false
	if a.Hash() != bb.Hash() {
		t.Fatal("hash must be stable across TTL and CacheFlush changes")
	}
}

func TestNameHashDistinguishesType(t *testing.T) {
	a := NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)
	ptr := NewPTRRecord("host.local.", "other.local.", 120)
	if a.NameHash() == ptr.NameHash() {
		t.Fatal("NameHash must differ between A and PTR at the same name")
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Response:            true,
		AuthoritativeAnswer: true,
		Answers: []*Record{
			NewARecord("host.local.", net.IPv4(192, 168, 1, 1), 120),
			NewPTRRecord("_http._tcp.local.", "host._http._tcp.local.", 4500),
		},
	}
	data, err := p.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Parse(data, Origin{})
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.IsResponse() || !decoded.AuthoritativeAnswer {
		t.Fatal("flags not preserved")
	}
	if len(decoded.Answers) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(decoded.Answers))
	}
}

func TestPacketQueryWithAnswersIsInvalid(t *testing.T) {
	p := &Packet{
		Questions: []*Query{NewQuery("host.local.", TypeA)},
		Answers:   []*Record{NewARecord("host.local.", net.IPv4(1, 2, 3, 4), 120)},
	}
	if p.IsValid() {
		t.Fatal("a query packet carrying answers must be invalid")
	}
}

func TestPacketIsProbeRequiresAuthoritySection(t *testing.T) {
	probe := &Packet{
		Questions:   []*Query{NewQuery("host.local.", TypeANY)},
		Authorities: []*Record{NewARecord("host.local.", net.IPv4(1, 2, 3, 4), 120)},
	}
	if !probe.IsProbe() {
		t.Fatal("expected probe detection with authority records present")
	}

	plain := &Packet{Questions: []*Query{NewQuery("host.local.", TypeA)}}
	if plain.IsProbe() {
		t.Fatal("a plain query must not be classified as a probe")
	}
}

func TestOriginLegacyDetection(t *testing.T) {
	legacy := Origin{SourcePort: 54321}
	if !legacy.IsLegacy() {
		t.Fatal("non-5353 source port must be legacy")
	}
	compliant := Origin{SourcePort: DefaultPort}
	if compliant.IsLegacy() {
		t.Fatal("5353 source port must not be legacy")
	}
}

func TestSplitKeepsEachPacketUnderLimit(t *testing.T) {
	p := &Packet{Response: true}
	for i := 0; i < 200; i++ {
		p.Answers = append(p.Answers, NewTXTRecord("instance._http._tcp.local.", []TXTPair{
			{Key: "k", Value: []byte("some reasonably long value to pad the record out")},
		}, 4500))
	}
	packets, err := p.Split(512)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected packet to be split, got %d packet(s)", len(packets))
	}
	for i, pkt := range packets {
		data, err := pkt.Encode()
		if err != nil {
			t.Fatal(err)
		}
		if len(data) > 512 {
			t.Fatalf("packet %d exceeds max size: %d bytes", i, len(data))
		}
		if i < len(packets)-1 && !pkt.Truncated {
			t.Fatalf("packet %d should be marked truncated", i)
		}
	}
	if packets[len(packets)-1].Truncated {
		t.Fatal("last packet must not be marked truncated")
	}
}

func TestNSECBitmapRoundTrip(t *testing.T) {
	rec := NewNSECRecord("host.local.", []RRType{TypeA, TypeAAAA, TypeSRV}, 120)
	b := NewBuffer()
	if err := encodeRecord(b, rec); err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeRecord(NewReader(b.Data))
	if err != nil {
		t.Fatal(err)
	}
	nsec := decoded.Data.(*RDataNSEC)
	for _, want := range []RRType{TypeA, TypeAAAA, TypeSRV} {
		if !nsec.Types[want] {
			t.Fatalf("expected type %v set in bitmap", want)
		}
	}
	if nsec.Types[TypePTR] {
		t.Fatal("PTR must not be set in bitmap")
	}
}

func TestOpaqueRecordRoundTrip(t *testing.T) {
	rec := &Record{
		Name:  "host.local.",
		Class: ClassIN,
		TTL:   120,
		Data:  &RDataOpaque{RRType: 999, Raw: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}
	b := NewBuffer()
	if err := encodeRecord(b, rec); err != nil {
		t.Fatal(err)
	}
	decoded, err := decodeRecord(NewReader(b.Data))
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.Data.equalData(rec.Data) {
		t.Fatalf("opaque round trip mismatch: got %+v", decoded.Data)
	}
}

// FuzzParsePacket checks that Parse never panics on malformed input, no
// matter how the header, compression pointers, or section counts lie
// about the packet's actual contents.
func FuzzParsePacket(f *testing.F) {
	valid := &Packet{
		ID:                  0x1234,
		Response:            true,
		AuthoritativeAnswer: true,
		Answers:             []*Record{NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)},
	}
	if data, err := valid.Encode(); err == nil {
		f.Add(data)
	}
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add([]byte{0x12, 0x34, 0x84, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		pkt, err := Parse(data, Origin{})
		if err != nil {
			return
		}
		if _, err := pkt.Encode(); err != nil {
			return
		}
	})
}
