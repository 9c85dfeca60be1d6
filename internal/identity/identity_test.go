package identity

import "testing"

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("New() = %q, not a valid identity", id)
		}
		if seen[id] {
			t.Fatalf("New() returned duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	if Valid("") || Valid("tab-1") {
		t.Error("Valid accepted a non-uuid identity")
	}
}
