package reachability

import "testing"

func TestEvaluateTogglesUpDown(t *testing.T) {
	s := New(nil, "")

	s.evaluate()
	if s.Up() {
		t.Fatalf("tunnel should start down with nothing seen")
	}

	s.Mark("wan1")
	s.evaluate()
	if !s.Up() {
		t.Fatalf("tunnel should be up after a link was seen")
	}
	if !s.LastSeen("wan1") {
		t.Fatalf("wan1 should be in the last-seen snapshot")
	}

	s.evaluate()
	if s.Up() {
		t.Fatalf("tunnel should go down after a window with no marks")
	}
}

func TestEvaluateGoesDownAfterSilence(t *testing.T) {
	s := New(nil, "")
	s.Mark("wan1")
	s.evaluate()
	if !s.Up() {
		t.Fatalf("expected up after first mark")
	}
	s.evaluate()
	if s.Up() {
		t.Fatalf("expected down after a silent window")
	}
}

func TestLastSeenResetsEachWindow(t *testing.T) {
	s := New(nil, "")
	s.Mark("wan1")
	s.evaluate()
	if !s.LastSeen("wan1") {
		t.Fatalf("wan1 should be seen in this window")
	}
	s.evaluate()
	if s.LastSeen("wan1") {
		t.Fatalf("wan1 should not still be marked seen after a silent window")
	}
}
