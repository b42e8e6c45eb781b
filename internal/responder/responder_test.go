package responder

import (
	"testing"

	"github.com/fernwood-systems/mdns/internal/wire"
)

func TestDisambiguateAppendsAndReplacesSuffix(t *testing.T) {
	if got, want := disambiguate("Printer._http._tcp.local.", 2), "Printer (2)._http._tcp.local."; got != want {
		t.Fatalf("disambiguate() = %q, want %q", got, want)
	}
	// A second rename must replace the prior "(n)" suffix, not stack onto it.
	if got, want := disambiguate("Printer (2)._http._tcp.local.", 3), "Printer (3)._http._tcp.local."; got != want {
		t.Fatalf("disambiguate() = %q, want %q", got, want)
	}
}

func TestNegativeResponseAssertsOwnedTypes(t *testing.T) {
	records := []*wire.Record{
		wire.NewARecord("host.local.", nil, 120),
		wire.NewSRVRecord("host.local.", "target.local.", 80, 120),
	}
	nsec := negativeResponse(records, wire.NewQuery("host.local.", wire.TypeTXT))
	if nsec == nil {
		t.Fatal("expected an NSEC record for an owned name with an unasked rrtype")
	}
	data, ok := nsec.Data.(*wire.RDataNSEC)
	if !ok {
		t.Fatalf("expected RDataNSEC, got %T", nsec.Data)
	}
	if !data.Types[wire.TypeA] || !data.Types[wire.TypeSRV] {
		t.Fatalf("expected NSEC bitmap to assert A and SRV, got %+v", data.Types)
	}
	if data.Types[wire.TypeTXT] {
		t.Fatal("NSEC bitmap must not assert the unowned rrtype that was asked about")
	}
}

func TestNegativeResponseNilForUnownedName(t *testing.T) {
	records := []*wire.Record{wire.NewARecord("host.local.", nil, 120)}
	if got := negativeResponse(records, wire.NewQuery("other.local.", wire.TypeTXT)); got != nil {
		t.Fatalf("expected nil for a name we don't own, got %+v", got)
	}
}

func TestNegativeResponseNilForANY(t *testing.T) {
	records := []*wire.Record{wire.NewARecord("host.local.", nil, 120)}
	if got := negativeResponse(records, wire.NewQuery("host.local.", wire.TypeANY)); got != nil {
		t.Fatalf("expected nil for an ANY question, got %+v", got)
	}
}

func TestRetargetOnlyMovesTheRenamedOwner(t *testing.T) {
	oldName := "Printer._http._tcp.local."
	newName := "Printer (2)._http._tcp.local."
	host := wire.NewARecord("host.local.", nil, 120)
	srv := wire.NewSRVRecord(oldName, "host.local.", 8080, 4500)
	ptr := wire.NewPTRRecord("_http._tcp.local.", oldName, 4500)

	out := retarget([]*wire.Record{host, srv, ptr}, oldName, newName)

	if out[0].Name != "host.local." {
		t.Fatalf("host A record was retargeted: got name %q", out[0].Name)
	}
	if out[1].Name != newName {
		t.Fatalf("SRV record not retargeted: got name %q", out[1].Name)
	}
	if out[2].Name != "_http._tcp.local." {
		t.Fatalf("PTR owner name should stay the service type: got %q", out[2].Name)
	}
	ptrData, ok := out[2].Data.(*wire.RDataPTR)
	if !ok || ptrData.Target != newName {
		t.Fatalf("PTR target not retargeted: got %+v", out[2].Data)
	}
}
