package main

import (
	"testing"
	"time"
)

func TestSentAt(t *testing.T) {
	at := time.Unix(0, 1700000000123456789)

	got, ok := sentAt("lt:1700000000123456789:lt-x-0-u1")
	if !ok || !got.Equal(at) {
		t.Fatalf("sentAt = %v, %v; want %v, true", got, ok, at)
	}

	for _, content := range []string{"hello", "lt:", "lt:abc:u", ""} {
		if _, ok := sentAt(content); ok {
			t.Errorf("sentAt(%q) accepted foreign content", content)
		}
	}
}
