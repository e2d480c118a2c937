package jobs

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRegenerateOverrides_AbsentNullAndValueAreDistinct(t *testing.T) {
	var ov RegenerateOverrides
	if err := json.Unmarshal([]byte(`{"topic":"New","notes":null}`), &ov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !ov.Topic.Present || ov.Topic.Value == nil || *ov.Topic.Value != "New" {
		t.Fatalf("topic should be a present value, got %+v", ov.Topic)
	}
	if !ov.Notes.Present || ov.Notes.Value != nil {
		t.Fatalf("notes should be present-null, got %+v", ov.Notes)
	}
	if ov.ModuleMinutes.Present {
		t.Fatal("absent key must not be marked present")
	}
}

func TestRegenerateOverrides_RejectsUnknownField(t *testing.T) {
	var ov RegenerateOverrides
	err := json.Unmarshal([]byte(`{"topic":"x","color":"blue"}`), &ov)
	if err == nil || !strings.Contains(err.Error(), "color") {
		t.Fatalf("expected unknown-field error naming the key, got %v", err)
	}
}

func TestRegenerateOverrides_RejectsWrongType(t *testing.T) {
	var ov RegenerateOverrides
	if err := json.Unmarshal([]byte(`{"weeks_planned":"eight"}`), &ov); err == nil {
		t.Fatal("string weeks_planned should fail to decode")
	}
}

func TestRegenerateOverrides_MarshalEmitsOnlyPresentKeys(t *testing.T) {
	var ov RegenerateOverrides
	if err := json.Unmarshal([]byte(`{"topic":"New","start_date":null}`), &ov); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	raw, err := json.Marshal(ov)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected exactly topic and start_date, got %v", out)
	}
	if string(out["start_date"]) != "null" {
		t.Fatalf("explicit null must survive the round trip, got %s", out["start_date"])
	}

	var back RegenerateOverrides
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if !back.StartDate.Present || back.StartDate.Value != nil {
		t.Fatalf("start_date null lost in round trip: %+v", back.StartDate)
	}
	if back.Notes.Present {
		t.Fatal("absent notes must stay absent after a round trip")
	}
}

func TestParseRegeneratePayload_Strictness(t *testing.T) {
	if _, err := ParseRegeneratePayload(nil); err == nil {
		t.Fatal("empty payload should be rejected")
	}

	planID := uuid.New()
	raw, _ := json.Marshal(RegeneratePayload{PlanID: planID})
	payload, err := ParseRegeneratePayload(raw)
	if err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if payload.PlanID != planID {
		t.Fatalf("plan id mismatch: %s", payload.PlanID)
	}

	if _, err := ParseRegeneratePayload([]byte(`{"plan_id":"` + planID.String() + `","extra":1}`)); err == nil {
		t.Fatal("unknown top-level field should be rejected")
	}

	if _, err := ParseRegeneratePayload([]byte(`{"overrides":{}}`)); err == nil {
		t.Fatal("missing plan_id should be rejected")
	}
}
