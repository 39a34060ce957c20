package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if _, err := uuid.Parse(plain); err != nil {
		t.Fatalf("NewID(\"\") = %q is not a uuid: %v", plain, err)
	}
	prefixed := NewID("req")
	if !strings.HasPrefix(prefixed, "req_") {
		t.Fatalf("NewID(\"req\") = %q", prefixed)
	}
	if NewID("") == NewID("") {
		t.Fatal("ids should be unique")
	}
}

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	if len(id) != 16 || strings.Contains(id, "-") {
		t.Fatalf("NewRequestID() = %q", id)
	}
}
