package engine

import "testing"

func TestAppendPriceTracksLatestAsPrevious(t *testing.T) {
	st := NewState("BTC", 10, 100)

	if !st.AppendPrice(101) {
		t.Fatal("new price must be accepted")
	}
	if st.PreviousPrice != 101 {
		t.Fatalf("previous price = %v, want the just-appended 101", st.PreviousPrice)
	}
	if st.RisingStreak != 1 || st.FallingStreak != 0 {
		t.Errorf("streaks = %d/%d, want rising 1, falling 0", st.RisingStreak, st.FallingStreak)
	}

	if !st.AppendPrice(100.5) {
		t.Fatal("new price must be accepted")
	}
	if st.PreviousPrice != 100.5 {
		t.Errorf("previous price = %v, want 100.5", st.PreviousPrice)
	}
	if st.FallingStreak != 1 || st.RisingStreak != 0 {
		t.Errorf("streaks = %d/%d, want falling 1, rising 0", st.RisingStreak, st.FallingStreak)
	}
}

func TestAppendPriceUnchangedDoesNotMutate(t *testing.T) {
	st := NewState("BTC", 10, 100)
	st.AppendPrice(101)

	if st.AppendPrice(101) {
		t.Fatal("repeated price must be rejected")
	}
	if len(st.History) != 2 {
		t.Errorf("history length = %d, want 2", len(st.History))
	}
	if st.PreviousPrice != 101 {
		t.Errorf("previous price = %v, want untouched 101", st.PreviousPrice)
	}
	if st.RisingStreak != 1 {
		t.Errorf("rising streak = %d, want untouched 1", st.RisingStreak)
	}
}

func TestAppendPriceEvictsOldestAtCapacity(t *testing.T) {
	st := NewState("BTC", 3, 1)
	st.AppendPrice(2)
	st.AppendPrice(3)
	st.AppendPrice(4)

	if len(st.History) != 3 {
		t.Fatalf("history length = %d, want capacity 3", len(st.History))
	}
	if st.History[0] != 2 || st.History[2] != 4 {
		t.Errorf("history = %v, want oldest dropped", st.History)
	}
	if st.PreviousPrice != 4 {
		t.Errorf("previous price = %v, want 4", st.PreviousPrice)
	}
}
