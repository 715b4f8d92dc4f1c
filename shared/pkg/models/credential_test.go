package models

import (
	"strings"
	"testing"
)

func TestCredentialMasksSecret(t *testing.T) {
	c := NewCredential("sqlite3:///tmp/am.db", "admin", "hunter2")

	s := c.String()
	if strings.Contains(s, "hunter2") {
		t.Fatalf("String() leaked secret: %s", s)
	}
	if !strings.Contains(s, "*******") {
		t.Errorf("String() = %s, expected masked secret", s)
	}
	if strings.Contains(c.Fingerprint(), "hunter2") {
		t.Error("Fingerprint() leaked secret")
	}
	if c.Label() != "admin@sqlite3:///tmp/am.db" {
		t.Errorf("Label() = %s", c.Label())
	}
}

func TestCredentialEquality(t *testing.T) {
	a := NewCredential("res", "user", "pw")
	b := NewCredential("res", "user", "pw")
	c := NewCredential("res", "user", "other")

	if a != b {
		t.Error("credentials with equal fields should be equal")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("equal credentials should share a fingerprint")
	}
	if a == c || a.Fingerprint() == c.Fingerprint() {
		t.Error("credentials differing in secret should differ")
	}
	if !(Credential{}).IsZero() || a.IsZero() {
		t.Error("IsZero mismatch")
	}
}
