package mdns

import "testing"

func TestParseServiceType(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantProt string
		wantDom  string
	}{
		{"_http._tcp", "http", "tcp", "local"},
		{"_http._tcp.local", "http", "tcp", "local"},
		{"_http._tcp.local.", "http", "tcp", "local"},
		{"_ipp._udp.example.com.", "ipp", "udp", "example.com"},
	}
	for _, c := range cases {
		st, err := ParseServiceType(c.in)
		if err != nil {
			t.Fatalf("ParseServiceType(%q): %v", c.in, err)
		}
		if st.Name != c.wantName || st.Proto != c.wantProt || st.Domain != c.wantDom {
			t.Fatalf("ParseServiceType(%q) = %+v", c.in, st)
		}
	}
}

func TestParseServiceTypeRejectsMalformed(t *testing.T) {
	cases := []string{"", "http._tcp", "_http", "_http._icmp"}
	for _, c := range cases {
		if _, err := ParseServiceType(c); err == nil {
			t.Fatalf("ParseServiceType(%q) expected error", c)
		}
	}
}

func TestServiceTypeString(t *testing.T) {
	st := ServiceType{Name: "http", Proto: "tcp", Domain: "local"}
	if got, want := st.String(), "_http._tcp.local."; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
