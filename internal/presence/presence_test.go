package presence

import "testing"

func TestJoinLeaveRefCount(t *testing.T) {
	tr := NewTracker()

	if !tr.Join("r1", "alice", "agent") {
		t.Error("first join should report new presence")
	}
	if tr.Join("r1", "alice", "") {
		t.Error("second join should not report new presence")
	}
	if tr.Count("r1") != 1 {
		t.Errorf("count: got %d, want 1", tr.Count("r1"))
	}
	if got := tr.Room("r1"); len(got) != 1 || got[0].SenderType != "agent" {
		t.Errorf("sender type not retained: %+v", got)
	}

	if tr.Leave("r1", "alice") {
		t.Error("first leave with two streams should not report absence")
	}
	if !tr.Leave("r1", "alice") {
		t.Error("last leave should report absence")
	}
	if tr.Count("r1") != 0 {
		t.Errorf("count after leave: got %d, want 0", tr.Count("r1"))
	}
}

func TestUnbalancedLeaveIgnored(t *testing.T) {
	tr := NewTracker()
	if tr.Leave("r1", "ghost") {
		t.Error("leave without join reported absence")
	}
}

func TestRoomSorted(t *testing.T) {
	tr := NewTracker()
	tr.Join("r1", "carol", "")
	tr.Join("r1", "alice", "")
	tr.Join("r1", "bob", "")

	entries := tr.Room("r1")
	if len(entries) != 3 {
		t.Fatalf("entries: got %d, want 3", len(entries))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if entries[i].Sender != want {
			t.Errorf("entry %d: got %q, want %q", i, entries[i].Sender, want)
		}
	}
}

func TestAllRoomsIsolated(t *testing.T) {
	tr := NewTracker()
	tr.Join("r1", "alice", "")
	tr.Join("r2", "bob", "")

	all := tr.All()
	if len(all) != 2 {
		t.Fatalf("rooms: got %d, want 2", len(all))
	}
	if len(all["r1"]) != 1 || all["r1"][0].Sender != "alice" {
		t.Errorf("r1: %+v", all["r1"])
	}

	tr.Leave("r2", "bob")
	all = tr.All()
	if _, ok := all["r2"]; ok {
		t.Error("empty room should be dropped")
	}
}
