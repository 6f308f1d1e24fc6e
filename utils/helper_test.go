package utils

import "testing"

func TestSplitAndTrim(t *testing.T) {
	got := SplitAndTrim(" a, b ,, c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("SplitAndTrim = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SplitAndTrim = %v, want %v", got, want)
		}
	}
	if SplitAndTrim("  ") != nil {
		t.Fatal("blank input should return nil")
	}
}

func TestPayloadHashStable(t *testing.T) {
	a := PayloadHash([]byte(`{"id":1}`))
	b := PayloadHash([]byte(`{"id":1}`))
	if a != b {
		t.Fatalf("same payload hashed differently: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
	if a == PayloadHash([]byte(`{"id":2}`)) {
		t.Fatal("different payloads hashed identically")
	}
}
