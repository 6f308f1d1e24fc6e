package syncengine

import "testing"

func TestCursorStateRoundTrip(t *testing.T) {
	state := CursorState{
		"contacts": {UpdatedSince: "2026-05-01T00:00:00Z", Cursor: "p3"},
		"deals":    {PushSince: "2026-05-02T00:00:00Z"},
	}

	decoded := DecodeCursorState(EncodeCursorState(state))
	if decoded["contacts"].Cursor != "p3" {
		t.Fatalf("contacts cursor = %q", decoded["contacts"].Cursor)
	}
	if decoded["deals"].PushSince != "2026-05-02T00:00:00Z" {
		t.Fatalf("deals push_since = %q", decoded["deals"].PushSince)
	}
}

func TestDecodeCursorStateMalformed(t *testing.T) {
	if state := DecodeCursorState([]byte("not json")); len(state) != 0 {
		t.Fatalf("malformed input should decode to empty state, got %v", state)
	}
	if state := DecodeCursorState(nil); state == nil {
		t.Fatal("nil input should decode to a usable empty map")
	}
}

func TestRecordLedgerKeyStableShape(t *testing.T) {
	key := recordLedgerKey(7, "contacts", "c-9", "v3")
	if key != "7:contacts:c-9:v3" {
		t.Fatalf("record ledger key = %q", key)
	}
	if jobLedgerKey(12) != "job-12" {
		t.Fatalf("job ledger key = %q", jobLedgerKey(12))
	}
}
