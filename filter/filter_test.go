package filter

import (
	"testing"
)

func TestFilter_Allows_Literal(t *testing.T) {
	f, err := New(Options{Recipients: []string{"billing@example.com"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows([]string{"billing@example.com"}) {
		t.Error("Expected monitored recipient to be allowed")
	}
	if !f.Allows([]string{"other@example.com", "Billing@Example.COM"}) {
		t.Error("Expected case-insensitive match to be allowed")
	}
	if f.Allows([]string{"other@example.com"}) {
		t.Error("Expected unmonitored recipient to be filtered out")
	}
	if f.Allows(nil) {
		t.Error("Expected message without recipients to be filtered out")
	}
}

func TestFilter_Allows_Pattern(t *testing.T) {
	f, err := New(Options{Recipients: []string{`/^invoices\+.*@example\.com$/`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows([]string{"invoices+acme@example.com"}) {
		t.Error("Expected pattern match to be allowed")
	}
	if f.Allows([]string{"invoices@example.com"}) {
		t.Error("Expected non-matching address to be filtered out")
	}
}

func TestFilter_Allows_EmptyListAdmitsAll(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Expected empty filter to be inactive")
	}
	if !f.Allows(nil) {
		t.Error("Expected empty filter to admit every message")
	}
}

func TestFilter_New_InvalidPattern(t *testing.T) {
	_, err := New(Options{Recipients: []string{"/[unclosed/"}})
	if err == nil {
		t.Error("Expected error for invalid recipient pattern")
	}
}
