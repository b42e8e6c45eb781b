package probe

import (
	"net"
	"testing"

	"github.com/fernwood-systems/mdns/internal/wire"
)

func TestCompareRecordSetsIdenticalIsZero(t *testing.T) {
	a := []*wire.Record{wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)}
	b := []*wire.Record{wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)}
	if got := compareRecordSets(a, b); got != 0 {
		t.Fatalf("compareRecordSets(identical) = %d, want 0", got)
	}
}

func TestCompareRecordSetsDiffersBothWays(t *testing.T) {
	a := []*wire.Record{wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)}
	b := []*wire.Record{wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 2), 120)}
	fwd := compareRecordSets(a, b)
	back := compareRecordSets(b, a)
	if fwd == 0 || back == 0 {
		t.Fatalf("expected a nonzero comparison for differing record sets, got fwd=%d back=%d", fwd, back)
	}
	if (fwd > 0) == (back > 0) {
		t.Fatalf("comparison should flip sign when operands swap: fwd=%d back=%d", fwd, back)
	}
}

func TestCompareRecordSetsIgnoresNamesAbsentOnOurSide(t *testing.T) {
	ours := []*wire.Record{wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)}
	// The peer proposes an extra name-group ("extra.local.") we never
	// mentioned; per RFC 6762 §8.2 that group must not affect the
	// outcome, only the groups both sides share.
	theirs := []*wire.Record{
		wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120),
		wire.NewARecord("extra.local.", net.IPv4(10, 0, 0, 9), 120),
	}
	if got := compareRecordSets(ours, theirs); got != 0 {
		t.Fatalf("compareRecordSets should ignore names absent on our side, got %d", got)
	}
}

func TestCompareRecordSetsSortsGroupByRRType(t *testing.T) {
	// The same two records in opposite rrtype order must compare equal
	// once each side sorts its owner-name group by ascending rrtype.
	a := wire.NewARecord("host.local.", net.IPv4(10, 0, 0, 1), 120)
	srv := wire.NewSRVRecord("host.local.", "target.local.", 80, 120)
	ours := []*wire.Record{srv, a}
	theirs := []*wire.Record{a, srv}
	if got := compareRecordSets(ours, theirs); got != 0 {
		t.Fatalf("compareRecordSets should be order-independent within a name group, got %d", got)
	}
}

func TestCompareRecordSetsOrderIndependent(t *testing.T) {
	r1 := wire.NewARecord("a.local.", net.IPv4(10, 0, 0, 1), 120)
	r2 := wire.NewARecord("b.local.", net.IPv4(10, 0, 0, 2), 120)
	a := []*wire.Record{r1, r2}
	b := []*wire.Record{r2, r1}
	if got := compareRecordSets(a, b); got != 0 {
		t.Fatalf("compareRecordSets should sort before comparing, got %d", got)
	}
}
