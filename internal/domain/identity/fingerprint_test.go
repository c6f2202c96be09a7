package identity

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("Mozilla/5.0", "router-1", "")
	b := Fingerprint("Mozilla/5.0", "router-1", "")
	if a != b {
		t.Fatalf("same inputs produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != fingerprintLen {
		t.Fatalf("unexpected fingerprint length: %d", len(a))
	}
}

func TestFingerprintVariesByInput(t *testing.T) {
	base := Fingerprint("Mozilla/5.0", "router-1", "")
	if Fingerprint("Mozilla/5.0", "router-2", "") == base {
		t.Fatal("router id should change the fingerprint")
	}
	if Fingerprint("curl/8.0", "router-1", "") == base {
		t.Fatal("user agent should change the fingerprint")
	}
	// Two identical devices behind one router diverge once a client token is
	// present.
	if Fingerprint("Mozilla/5.0", "router-1", "tok-a") == Fingerprint("Mozilla/5.0", "router-1", "tok-b") {
		t.Fatal("client token should change the fingerprint")
	}
}

func TestFingerprintTrimsWhitespace(t *testing.T) {
	if Fingerprint(" Mozilla/5.0 ", "router-1", "") != Fingerprint("Mozilla/5.0", "router-1", "") {
		t.Fatal("surrounding whitespace should not change the fingerprint")
	}
}
