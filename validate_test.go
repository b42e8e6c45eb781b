package mdns

import "testing"

func TestValidateLabel(t *testing.T) {
	if err := ValidateLabel("host"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateLabel(""); err == nil {
		t.Fatal("expected error for empty label")
	}
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateLabel(string(long)); err == nil {
		t.Fatal("expected error for 64-byte label")
	}
}

func TestValidateName(t *testing.T) {
	if err := ValidateName("host.local."); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateName(""); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestValidateServiceInstanceName(t *testing.T) {
	if err := ValidateServiceInstanceName("Office Printer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateServiceInstanceName(" leading space"); err == nil {
		t.Fatal("expected error for leading whitespace")
	}
	if err := ValidateServiceInstanceName(""); err == nil {
		t.Fatal("expected error for empty instance")
	}
}

func TestValidatePort(t *testing.T) {
	if err := ValidatePort(8080); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidatePort(0); err == nil {
		t.Fatal("expected error for port 0")
	}
	if err := ValidatePort(70000); err == nil {
		t.Fatal("expected error for port 70000")
	}
}

func TestValidateTXTKey(t *testing.T) {
	if err := ValidateTXTKey("version"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateTXTKey("has=equals"); err == nil {
		t.Fatal("expected error for key containing '='")
	}
	if err := ValidateTXTKey(""); err == nil {
		t.Fatal("expected error for empty key")
	}
}
