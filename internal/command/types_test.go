package command

import (
	"testing"
)

func TestCommandRecord_ToData(t *testing.T) {
	cmd := testCommand(3)
	cmd.TTL = 12345

	data := cmd.ToData()
	if data.SK != "ITEM#001" {
		t.Errorf("SK = %q, want ITEM#001", data.SK)
	}
	if data.Version != 3 {
		t.Errorf("Version = %d, want 3", data.Version)
	}
	if data.TTL != 0 {
		t.Errorf("TTL = %d, want 0", data.TTL)
	}

	data.Attributes["colour"] = "blue"
	if cmd.Attributes["colour"] != "red" {
		t.Error("ToData shares attributes with the command")
	}
}

func TestCommandRecord_ToHistory(t *testing.T) {
	h := testCommand(12).ToHistory()
	if h.SK != "ITEM#001@v0000000012" {
		t.Errorf("SK = %q", h.SK)
	}
	if k := h.Key(); k.SK != "ITEM#001" {
		t.Errorf("Key().SK = %q, want ITEM#001", k.SK)
	}
}

func TestSamePayload(t *testing.T) {
	a := testCommand(1).Entity
	b := testCommand(2).Entity
	if !SamePayload(&a, &b) {
		t.Error("records differing only in version should match")
	}

	// Numbers from a store decode as float64; callers may pass ints.
	a.Attributes = map[string]any{"qty": 3}
	b.Attributes = map[string]any{"qty": float64(3)}
	if !SamePayload(&a, &b) {
		t.Error("numeric attributes should compare by value")
	}

	b.Name = "Different"
	if SamePayload(&a, &b) {
		t.Error("different names should not match")
	}
}

func TestMergeAttributes(t *testing.T) {
	base := map[string]any{
		"colour": "red",
		"dims":   map[string]any{"w": 1, "h": 2},
	}
	patch := map[string]any{
		"dims": map[string]any{"h": 5},
		"tags": []any{"new"},
	}

	got := MergeAttributes(base, patch)
	dims := got["dims"].(map[string]any)
	if dims["w"] != 1 || dims["h"] != 5 {
		t.Errorf("dims = %v", dims)
	}
	if got["colour"] != "red" {
		t.Errorf("colour = %v", got["colour"])
	}
	if _, ok := got["tags"]; !ok {
		t.Error("tags should be added")
	}
	if base["dims"].(map[string]any)["h"] != 2 {
		t.Error("base was modified")
	}
}

func TestStatus(t *testing.T) {
	s := NewStatus("sync_data", PhaseStarted)
	if s != "sync_data:STARTED" {
		t.Errorf("status = %q", s)
	}
	if s.Stage() != "sync_data" {
		t.Errorf("Stage() = %q", s.Stage())
	}
	if s.IsTerminal() {
		t.Error("started status should not be terminal")
	}
	if !StatusFinished.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("finished and failed should be terminal")
	}
}
