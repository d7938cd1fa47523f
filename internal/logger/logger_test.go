package logger

import "testing"

func TestSanitizeKVsHashesUserID(t *testing.T) {
	out := sanitizeKVs([]interface{}{"user_id", "alice", "unit", "u1", "dangling"})

	if len(out) != 5 {
		t.Fatalf("len = %d want 5", len(out))
	}
	if out[1] == "alice" || out[1] != hashValue("alice") {
		t.Fatalf("user_id not hashed: %v", out[1])
	}
	if out[3] != "u1" {
		t.Fatalf("unit changed: %v", out[3])
	}
	if out[4] != "dangling" {
		t.Fatalf("dangling key dropped: %v", out)
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("ignored", "user_id", "bob")
	l.Sync()
}
