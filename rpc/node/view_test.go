package node

import "testing"

func TestViewIgnoresStaleElections(t *testing.T) {
	v := &groupView{}

	if _, known := v.MasterAddr(); known {
		t.Error("fresh view claims a master")
	}

	if !v.setMaster("node-a", "localhost:9001", 10) {
		t.Fatal("first outcome rejected")
	}
	if addr, known := v.MasterAddr(); !known || addr != "localhost:9001" {
		t.Errorf("unexpected master addr %q (known=%v)", addr, known)
	}
	if v.MasterTerm() != 10 {
		t.Errorf("expected term 10, got %d", v.MasterTerm())
	}

	// an outcome from an older term changes nothing
	if v.setMaster("node-b", "localhost:9002", 9) {
		t.Error("stale outcome accepted")
	}
	if name, term := v.master(); name != "node-a" || term != 10 {
		t.Errorf("view regressed to %s/%d", name, term)
	}
}

func TestViewInvalidate(t *testing.T) {
	v := &groupView{}
	v.setMaster("node-a", "localhost:9001", 1)
	if !v.InSync() {
		t.Fatal("view not in sync after election")
	}

	v.invalidate()
	if v.InSync() {
		t.Error("view in sync after invalidate")
	}
	// the address stays known, joining is what is deferred
	if _, known := v.MasterAddr(); !known {
		t.Error("master address lost on invalidate")
	}

	v.setMaster("node-b", "localhost:9002", 2)
	if !v.InSync() {
		t.Error("view not in sync after re-election")
	}
}
