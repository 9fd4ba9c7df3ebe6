package id

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	generated, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}

	if len(generated) != 26 {
		t.Errorf("expected 26 characters, got %d (%q)", len(generated), generated)
	}
	if generated != strings.ToLower(generated) {
		t.Errorf("expected lowercase identifier, got %q", generated)
	}
	if strings.Contains(generated, "=") {
		t.Errorf("expected no padding, got %q", generated)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		generated, err := NewID()
		if err != nil {
			t.Fatalf("NewID: %v", err)
		}
		if seen[generated] {
			t.Fatalf("duplicate identifier %q", generated)
		}
		seen[generated] = true
	}
}
