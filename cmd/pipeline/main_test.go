package main

import "testing"

func TestValidateCursorScope(t *testing.T) {
	if err := validateCursorScope("", "txn-001"); err == nil {
		t.Fatal("cursor without a target collection must be rejected")
	}
	if err := validateCursorScope("chase-data-2024", "txn-001"); err != nil {
		t.Fatal(err)
	}
	if err := validateCursorScope("", ""); err != nil {
		t.Fatal(err)
	}
}
